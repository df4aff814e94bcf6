package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"dreamhex.ai/internal/config"
	"dreamhex.ai/internal/hex"
	"dreamhex.ai/internal/persistence/docstore"
	"dreamhex.ai/internal/persistence/eventlog"
	"dreamhex.ai/internal/reasoning"
	"dreamhex.ai/internal/render"
)

// fakeGen is an in-memory Dispatcher. Hooks run before a job returns.
type fakeGen struct {
	mu     sync.Mutex
	jobs   []render.Job
	empty  bool
	failOn string
	hook   func(ctx context.Context, job render.Job) error
	wakes  int
}

func (g *fakeGen) GenerateFrames(ctx context.Context, job render.Job) ([]string, error) {
	g.mu.Lock()
	g.jobs = append(g.jobs, job)
	empty, failOn, hook := g.empty, g.failOn, g.hook
	g.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, job); err != nil {
			return nil, err
		}
	}
	if failOn != "" && strings.Contains(job.PathPrefix, failOn) {
		return nil, errors.New("generator exploded")
	}
	if empty {
		return []string{}, nil
	}
	refs := make([]string, job.Frames)
	for i := range refs {
		refs[i] = "mem://" + job.FramePath(i)
	}
	return refs, nil
}

func (g *fakeGen) Wake(context.Context) error {
	g.mu.Lock()
	g.wakes++
	g.mu.Unlock()
	return nil
}

func (g *fakeGen) prefixes() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.jobs))
	for i, j := range g.jobs {
		out[i] = j.PathPrefix
	}
	return out
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []hex.Status
}

func (r *statusRecorder) WorldChanged(w hex.World) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.statuses); n == 0 || r.statuses[n-1] != w.Status {
		r.statuses = append(r.statuses, w.Status)
	}
}

type fixture struct {
	store  *docstore.Store
	gen    *fakeGen
	orch   *Orchestrator
	events *eventlog.Log
	dir    string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := docstore.Open(filepath.Join(dir, "dreamhex.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	events := eventlog.New(filepath.Join(dir, "events"))
	t.Cleanup(func() { _ = events.Close() })
	gen := &fakeGen{}
	orch := NewOrchestrator(store, gen, OrchestratorOptions{
		Frames:             config.FrameCounts{Background: 3, Sprite: 4},
		StationConcurrency: 1,
		JobTimeout:         time.Second,
		Events:             events,
	})
	return &fixture{store: store, gen: gen, orch: orch, events: events, dir: dir}
}

func serpentWorld() hex.World {
	w := hex.World{
		Slug:           "serpent",
		OwnerID:        "u1",
		Title:          "Chased",
		Description360: "a glass cathedral at dusk",
		Summary:        "A chase.",
		Stations:       make([]hex.Station, hex.StationCount),
	}
	for i := range w.Stations {
		w.Stations[i].PositionIndex = i
	}
	w.Stations[0] = hex.Station{PositionIndex: 0, EntityName: "golden serpent", StateStart: "serpent coiled", StateEnd: "serpent striking", InteractionOptions: []string{"run", "hide"}, Stance: hex.StanceAngry}
	w.Stations[2] = hex.Station{PositionIndex: 2, EntityName: "glass monk", StateStart: "monk praying", InteractionOptions: []string{"bow"}}
	hex.Normalize(&w)
	return w
}

func (f *fixture) create(t *testing.T, w hex.World) hex.World {
	t.Helper()
	w, err := f.store.Create(context.Background(), w)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return w
}

func TestOrchestrator_SerpentWaterfall(t *testing.T) {
	f := newFixture(t)
	rec := &statusRecorder{}
	f.store.SetNotifier(rec)
	w := f.create(t, serpentWorld())

	if err := f.orch.Run(context.Background(), w.Slug, w.Generation); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := f.store.Get(context.Background(), "serpent")
	if got.Status != hex.StatusComplete {
		t.Fatalf("status=%s", got.Status)
	}
	wantBG := []string{"mem://serpent/g0/background/bg_0.jpg", "mem://serpent/g0/background/bg_1.jpg", "mem://serpent/g0/background/bg_2.jpg"}
	if strings.Join(got.BackgroundFrames, ",") != strings.Join(wantBG, ",") {
		t.Fatalf("background=%v", got.BackgroundFrames)
	}
	s0 := got.Stations[0]
	if s0.AssetStatus != hex.AssetComplete || len(s0.SpriteFrames) != 4 || s0.SpriteFrames[3] != "mem://serpent/g0/stations/s0/frame_3.png" {
		t.Fatalf("station 0=%+v", s0)
	}
	if got.Stations[2].AssetStatus != hex.AssetComplete {
		t.Fatalf("station 2 not complete")
	}
	for _, i := range []int{1, 3, 4, 5, 6} {
		st := got.Stations[i]
		if st.AssetStatus != hex.AssetPending || len(st.SpriteFrames) != 0 {
			t.Fatalf("unoccupied station %d changed: %+v", i, st)
		}
	}

	prefixes := f.gen.prefixes()
	want := []string{"serpent/g0/background/bg", "serpent/g0/stations/s0/frame", "serpent/g0/stations/s2/frame"}
	if strings.Join(prefixes, ",") != strings.Join(want, ",") {
		t.Fatalf("job order=%v", prefixes)
	}
	f.gen.mu.Lock()
	j0 := f.gen.jobs[1]
	f.gen.mu.Unlock()
	if j0.PromptA != "serpent coiled" || j0.PromptB != "serpent striking" || j0.Kind != render.KindSprite || j0.Frames != 4 {
		t.Fatalf("station job=%+v", j0)
	}

	wantStatuses := []hex.Status{hex.StatusAnalysisComplete, hex.StatusGeneratingEntities, hex.StatusComplete}
	if fmt.Sprint(rec.statuses) != fmt.Sprint(wantStatuses) {
		t.Fatalf("status sequence=%v", rec.statuses)
	}

	var kinds []string
	_ = eventlog.Filter(filepath.Join(f.dir, "events"), "serpent", func(ev eventlog.Event) error {
		kinds = append(kinds, ev.Event)
		return nil
	})
	if len(kinds) == 0 || kinds[0] != eventlog.RunStarted || kinds[len(kinds)-1] != eventlog.RunCompleted {
		t.Fatalf("events=%v", kinds)
	}
	if st := f.orch.Stats(); st.Completed != 1 || st.InFlight != 0 {
		t.Fatalf("stats=%+v", st)
	}
}

func TestOrchestrator_StationsPersistAsTheyFinish(t *testing.T) {
	f := newFixture(t)
	w := f.create(t, serpentWorld())
	f.gen.hook = func(ctx context.Context, job render.Job) error {
		if job.PathPrefix != "serpent/g0/stations/s2/frame" {
			return nil
		}
		cur, err := f.store.Get(ctx, "serpent")
		if err != nil {
			return err
		}
		if cur.Stations[0].AssetStatus != hex.AssetComplete || cur.Status != hex.StatusGeneratingEntities {
			return fmt.Errorf("station 0 not visible before station 2 ran: %s %s", cur.Stations[0].AssetStatus, cur.Status)
		}
		return nil
	}
	if err := f.orch.Run(context.Background(), w.Slug, w.Generation); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestOrchestrator_UnavailableModelEndsInError(t *testing.T) {
	f := newFixture(t)
	f.gen.empty = true
	w := f.create(t, serpentWorld())

	err := f.orch.Run(context.Background(), w.Slug, w.Generation)
	if !errors.Is(err, ErrNoFrames) {
		t.Fatalf("expected ErrNoFrames, got %v", err)
	}
	got, _ := f.store.Get(context.Background(), "serpent")
	if got.Status != hex.StatusError || len(got.BackgroundFrames) != 0 {
		t.Fatalf("status=%s bg=%v", got.Status, got.BackgroundFrames)
	}
	if len(f.gen.prefixes()) != 1 {
		t.Fatalf("no station job should run after background failure, jobs=%v", f.gen.prefixes())
	}
}

func TestOrchestrator_StationFailureEndsInError(t *testing.T) {
	f := newFixture(t)
	f.gen.failOn = "stations/s2"
	w := f.create(t, serpentWorld())

	if err := f.orch.Run(context.Background(), w.Slug, w.Generation); err == nil {
		t.Fatalf("expected failure")
	}
	got, _ := f.store.Get(context.Background(), "serpent")
	if got.Status != hex.StatusError {
		t.Fatalf("status=%s", got.Status)
	}
	if len(got.BackgroundFrames) != 3 || got.Stations[0].AssetStatus != hex.AssetComplete {
		t.Fatalf("earlier progress lost: bg=%d s0=%s", len(got.BackgroundFrames), got.Stations[0].AssetStatus)
	}
	if got.Stations[2].AssetStatus != hex.AssetPending {
		t.Fatalf("failed station should stay pending")
	}
}

func TestOrchestrator_JobTimeoutIsFailure(t *testing.T) {
	f := newFixture(t)
	f.orch.jobTimeout = 20 * time.Millisecond
	f.gen.hook = func(ctx context.Context, job render.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}
	w := f.create(t, serpentWorld())
	err := f.orch.Run(context.Background(), w.Slug, w.Generation)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	got, _ := f.store.Get(context.Background(), "serpent")
	if got.Status != hex.StatusError {
		t.Fatalf("status=%s", got.Status)
	}
}

func TestOrchestrator_ReprocessMidRunStopsOldRun(t *testing.T) {
	f := newFixture(t)
	w := f.create(t, serpentWorld())
	f.gen.hook = func(ctx context.Context, job render.Job) error {
		if job.Kind != render.KindPanorama {
			return nil
		}
		_, err := f.store.Update(ctx, "serpent", docstore.AnyGeneration, func(w *hex.World) error {
			hex.Reset(w)
			return nil
		})
		return err
	}

	if err := f.orch.Run(context.Background(), w.Slug, w.Generation); err != nil {
		t.Fatalf("stale run should return nil, got %v", err)
	}
	got, _ := f.store.Get(context.Background(), "serpent")
	if got.Generation != 1 || got.Status != hex.StatusAnalysisComplete || len(got.BackgroundFrames) != 0 {
		t.Fatalf("stale run wrote: gen=%d status=%s bg=%v", got.Generation, got.Status, got.BackgroundFrames)
	}
	if st := f.orch.Stats(); st.Stale != 1 || st.Failed != 0 {
		t.Fatalf("stats=%+v", st)
	}

	// The stale generation cannot be restarted.
	f.gen.hook = nil
	if err := f.orch.Run(context.Background(), "serpent", 0); err != nil {
		t.Fatalf("old generation run: %v", err)
	}
	if got, _ := f.store.Get(context.Background(), "serpent"); got.Status != hex.StatusAnalysisComplete {
		t.Fatalf("old generation ran: %s", got.Status)
	}
	if err := f.orch.Run(context.Background(), "serpent", 1); err != nil {
		t.Fatalf("current generation run: %v", err)
	}
	if got, _ := f.store.Get(context.Background(), "serpent"); got.Status != hex.StatusComplete {
		t.Fatalf("status=%s", got.Status)
	}
}

func TestOrchestrator_DuplicateRunIsRejected(t *testing.T) {
	f := newFixture(t)
	w := f.create(t, serpentWorld())
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.gen.hook = func(ctx context.Context, job render.Job) error {
		once.Do(func() {
			close(entered)
			<-release
		})
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- f.orch.Run(context.Background(), w.Slug, w.Generation) }()
	<-entered
	if err := f.orch.Run(context.Background(), w.Slug, w.Generation); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := f.orch.Run(context.Background(), w.Slug, w.Generation); !errors.Is(err, ErrNotRunnable) {
		t.Fatalf("completed world should not rerun, got %v", err)
	}
}

func TestOrchestrator_ConcurrentStations(t *testing.T) {
	f := newFixture(t)
	f.orch.concurrency = 3
	w := serpentWorld()
	for i := 3; i < hex.StationCount; i++ {
		w.Stations[i].EntityName = fmt.Sprintf("shade %d", i)
		w.Stations[i].StateStart = "drifting"
		w.Stations[i].InteractionOptions = []string{"wave"}
	}
	w = f.create(t, w)
	if err := f.orch.Run(context.Background(), w.Slug, w.Generation); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := f.store.Get(context.Background(), "serpent")
	if got.Status != hex.StatusComplete {
		t.Fatalf("status=%s", got.Status)
	}
	for _, i := range got.Occupied() {
		if got.Stations[i].AssetStatus != hex.AssetComplete {
			t.Fatalf("station %d lost its write", i)
		}
	}
}

type fakeReasoner struct {
	world    hex.World
	reaction hex.Reaction
	scenes   []reasoning.Scene
}

func (r *fakeReasoner) Analyze(context.Context, string) (reasoning.Analysis, error) {
	return reasoning.Analysis{World: r.world.Clone(), Summary: r.world.Summary}, nil
}

func (r *fakeReasoner) React(_ context.Context, scene reasoning.Scene, _ string) (hex.Reaction, error) {
	r.scenes = append(r.scenes, scene)
	return r.reaction, nil
}

func newService(t *testing.T, f *fixture, rsn *fakeReasoner) (*Service, *Queue) {
	t.Helper()
	q := NewQueue(2, 16, 0, nil)
	t.Cleanup(func() { q.Close(context.Background()) })
	svc := NewService(f.store, rsn, f.gen, f.orch, q, ServiceOptions{
		Frames:     config.FrameCounts{Background: 3, Sprite: 4},
		UnlockSlug: "demo-dream-id",
		JobTimeout: time.Second,
		Events:     f.events,
	})
	return svc, q
}

func drain(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.Close(ctx)
}

func TestService_SubmitRunsWaterfallAndLists(t *testing.T) {
	f := newFixture(t)
	svc, q := newService(t, f, &fakeReasoner{world: serpentWorld()})
	ctx := context.Background()

	w, err := svc.Submit(ctx, "u1", "I was chased by a golden serpent.")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if w.Status != hex.StatusAnalysisComplete || w.OwnerID != "u1" || len(w.BackgroundFrames) != 0 {
		t.Fatalf("submitted=%+v", w)
	}
	w2, err := svc.Submit(ctx, "u1", "the same dream again")
	if err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	if w2.Slug != "serpent-2" {
		t.Fatalf("second slug=%q", w2.Slug)
	}
	drain(t, q)

	list, err := svc.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].ID != "serpent" || list[0].Status != hex.StatusComplete {
		t.Fatalf("list=%+v", list)
	}
	if list[0].Thumbnail == nil || *list[0].Thumbnail != "mem://serpent/g0/background/bg_0.jpg" || list[0].Description != "A chase." {
		t.Fatalf("summary=%+v", list[0])
	}

	if err := svc.Delete(ctx, "u1", "serpent-2"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	list, _ = svc.List(ctx, "u1")
	if len(list) != 1 {
		t.Fatalf("after delete=%+v", list)
	}
	if _, err := svc.Get(ctx, "serpent-2"); err != nil {
		t.Fatalf("deleted world should still exist: %v", err)
	}

	if _, err := svc.Submit(ctx, "", "x"); !errors.Is(err, ErrBadInput) {
		t.Fatalf("expected ErrBadInput, got %v", err)
	}
}

func TestSummarize_Defaults(t *testing.T) {
	s := Summarize(hex.World{Slug: "x", Title: "X", Status: hex.StatusAnalysisComplete})
	if s.Thumbnail != nil || s.Description != "Dream analyzed." {
		t.Fatalf("summary=%+v", s)
	}
}

func TestService_ReprocessResetsAndReruns(t *testing.T) {
	f := newFixture(t)
	svc, q := newService(t, f, &fakeReasoner{world: serpentWorld()})
	ctx := context.Background()
	w := f.create(t, serpentWorld())
	if err := f.orch.Run(ctx, w.Slug, w.Generation); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.Reprocess(ctx, "serpent"); err != nil {
			t.Fatalf("Reprocess %d: %v", i, err)
		}
	}
	drain(t, q)

	got, _ := f.store.Get(ctx, "serpent")
	if got.Generation != 2 || got.Status != hex.StatusComplete {
		t.Fatalf("gen=%d status=%s", got.Generation, got.Status)
	}
	if got.BackgroundFrames[0] != "mem://serpent/g2/background/bg_0.jpg" || got.Stations[0].SpriteFrames[0] != "mem://serpent/g2/stations/s0/frame_0.png" {
		t.Fatalf("reprocess reused earlier references: bg=%v s0=%v", got.BackgroundFrames, got.Stations[0].SpriteFrames)
	}
	if got.Slug != "serpent" || got.Stations[0].ID != "s0" {
		t.Fatalf("identity changed")
	}
	if _, err := svc.Reprocess(ctx, "nope"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestService_ReprocessWithFullQueueReportsReset(t *testing.T) {
	f := newFixture(t)
	svc, q := newService(t, f, &fakeReasoner{})
	ctx := context.Background()
	w := f.create(t, serpentWorld())
	if err := f.orch.Run(ctx, w.Slug, w.Generation); err != nil {
		t.Fatalf("Run: %v", err)
	}
	drain(t, q)

	got, err := svc.Reprocess(ctx, "serpent")
	if !errors.Is(err, ErrQueueFull) || !strings.Contains(err.Error(), "was reset to ANALYSIS_COMPLETE") {
		t.Fatalf("expected ErrQueueFull naming the reset, got %v", err)
	}
	if got.Generation != 1 || got.Status != hex.StatusAnalysisComplete {
		t.Fatalf("returned gen=%d status=%s", got.Generation, got.Status)
	}
	stored, _ := f.store.Get(ctx, "serpent")
	if stored.Generation != 1 || stored.Status != hex.StatusAnalysisComplete || len(stored.BackgroundFrames) != 0 {
		t.Fatalf("stored gen=%d status=%s bg=%v", stored.Generation, stored.Status, stored.BackgroundFrames)
	}
}

func TestService_InteractUpdatesStationAndRegenerates(t *testing.T) {
	f := newFixture(t)
	rsn := &fakeReasoner{reaction: hex.Reaction{
		StateStart: "serpent uncoils",
		StateEnd:   "serpent bows",
		Greeting:   "You are brave.",
		Stance:     hex.StanceSurprised,
		Options:    []string{"bow back", "flee"},
		Unlock:     hex.UnlockNewDream,
	}}
	svc, q := newService(t, f, rsn)
	svc.newRegenID = func() string { return "abcd1234" }
	ctx := context.Background()
	w := f.create(t, serpentWorld())
	if err := f.orch.Run(ctx, w.Slug, w.Generation); err != nil {
		t.Fatalf("Run: %v", err)
	}

	res, err := svc.Interact(ctx, "u1", "serpent", "s0", "bow")
	if err != nil {
		t.Fatalf("Interact: %v", err)
	}
	if !res.Unlock || res.Station.StateStart != "serpent uncoils" || res.Station.Stance != hex.StanceSurprised || res.Station.RegenID != "abcd1234" {
		t.Fatalf("result=%+v", res)
	}
	if len(rsn.scenes) != 1 || rsn.scenes[0].Entity != "golden serpent" || rsn.scenes[0].Stance != hex.StanceAngry {
		t.Fatalf("scene=%+v", rsn.scenes)
	}
	unlocked, _ := f.store.Unlocked(ctx, "u1")
	if len(unlocked) != 1 || unlocked[0] != "demo-dream-id" {
		t.Fatalf("unlocked=%v", unlocked)
	}
	drain(t, q)

	got, _ := f.store.Get(ctx, "serpent")
	s0 := got.Stations[0]
	if len(s0.SpriteFrames) != 4 || s0.SpriteFrames[0] != "mem://serpent/stations/s0/regen-abcd1234/frame_0.png?t=abcd1234" {
		t.Fatalf("sprites=%v", s0.SpriteFrames)
	}
	if got.Stations[2].SpriteFrames[0] != "mem://serpent/g0/stations/s2/frame_0.png" {
		t.Fatalf("other station touched: %v", got.Stations[2].SpriteFrames)
	}
	if got.Status != hex.StatusComplete {
		t.Fatalf("world status changed: %s", got.Status)
	}
}

func TestService_OlderRegenerationDoesNotOverwriteNewer(t *testing.T) {
	f := newFixture(t)
	rsn := &fakeReasoner{reaction: hex.Reaction{StateStart: "a", StateEnd: "b", Options: []string{"x"}, Stance: hex.StanceIdle}}
	svc, _ := newService(t, f, rsn)
	ctx := context.Background()
	f.create(t, serpentWorld())

	ids := []string{"11111111", "22222222"}
	svc.newRegenID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	if _, err := svc.Interact(ctx, "u1", "serpent", "s0", "first"); err != nil {
		t.Fatalf("Interact 1: %v", err)
	}
	if _, err := svc.Interact(ctx, "u1", "serpent", "s0", "second"); err != nil {
		t.Fatalf("Interact 2: %v", err)
	}

	// Newer finishes first, then the older one arrives late.
	if err := svc.regenerate(ctx, regenRequest{Slug: "serpent", StationID: "s0", RegenID: "22222222", PromptA: "a"}); err != nil {
		t.Fatalf("regen new: %v", err)
	}
	if err := svc.regenerate(ctx, regenRequest{Slug: "serpent", StationID: "s0", RegenID: "11111111", PromptA: "a"}); err != nil {
		t.Fatalf("regen old: %v", err)
	}
	got, _ := f.store.Get(ctx, "serpent")
	for _, ref := range got.Stations[0].SpriteFrames {
		if !strings.HasSuffix(ref, "?t=22222222") {
			t.Fatalf("older regeneration overwrote newer: %v", got.Stations[0].SpriteFrames)
		}
	}
	unlocked, _ := f.store.Unlocked(ctx, "u1")
	if len(unlocked) != 0 {
		t.Fatalf("no unlock expected, got %v", unlocked)
	}
}

func TestService_RegenerationDuringWaterfallKeepsNewSprites(t *testing.T) {
	f := newFixture(t)
	rsn := &fakeReasoner{reaction: hex.Reaction{StateStart: "serpent smiling", StateEnd: "serpent sleeping", Options: []string{"pet"}, Stance: hex.StanceHappy}}
	svc, q := newService(t, f, rsn)
	svc.newRegenID = func() string { return "c639082d" }
	ctx := context.Background()
	w := f.create(t, serpentWorld())

	var once sync.Once
	f.gen.hook = func(ctx context.Context, job render.Job) error {
		if job.PathPrefix != "serpent/g0/stations/s0/frame" {
			return nil
		}
		var err error
		once.Do(func() {
			if _, err = svc.Interact(ctx, "u1", "serpent", "s0", "smile"); err == nil {
				drain(t, q)
			}
		})
		return err
	}
	if err := f.orch.Run(ctx, w.Slug, w.Generation); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, _ := f.store.Get(ctx, "serpent")
	s0 := got.Stations[0]
	if s0.StateStart != "serpent smiling" || s0.RegenID != "c639082d" || len(s0.SpriteFrames) != 4 {
		t.Fatalf("station 0=%+v", s0)
	}
	for _, ref := range s0.SpriteFrames {
		if !strings.HasSuffix(ref, "?t=c639082d") {
			t.Fatalf("waterfall overwrote regenerated sprites: %v", s0.SpriteFrames)
		}
	}
	if got.Status != hex.StatusComplete {
		t.Fatalf("status=%s", got.Status)
	}
}

func TestService_PendingRegenerationReplacesWaterfallSprites(t *testing.T) {
	f := newFixture(t)
	rsn := &fakeReasoner{reaction: hex.Reaction{StateStart: "serpent smiling", Options: []string{"pet"}, Stance: hex.StanceHappy}}
	svc, q := newService(t, f, rsn)
	svc.newRegenID = func() string { return "0badf00d" }
	ctx := context.Background()
	w := f.create(t, serpentWorld())

	var once sync.Once
	f.gen.hook = func(ctx context.Context, job render.Job) error {
		var err error
		if job.PathPrefix == "serpent/g0/stations/s0/frame" {
			once.Do(func() { _, err = svc.Interact(ctx, "u1", "serpent", "s0", "smile") })
		}
		if strings.Contains(job.PathPrefix, "regen-") {
			// Hold the regeneration until the waterfall has finished.
			for {
				cur, gerr := f.store.Get(ctx, "serpent")
				if gerr != nil {
					return gerr
				}
				if cur.Status == hex.StatusComplete {
					return nil
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(5 * time.Millisecond):
				}
			}
		}
		return err
	}
	if err := f.orch.Run(ctx, w.Slug, w.Generation); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, _ := f.store.Get(ctx, "serpent")
	if got.Status != hex.StatusComplete || got.Stations[0].AssetStatus != hex.AssetComplete {
		t.Fatalf("status=%s s0=%s", got.Status, got.Stations[0].AssetStatus)
	}

	drain(t, q)
	got, _ = f.store.Get(ctx, "serpent")
	if s0 := got.Stations[0].SpriteFrames; len(s0) != 4 || !strings.HasSuffix(s0[0], "?t=0badf00d") {
		t.Fatalf("regeneration did not land after waterfall: %v", s0)
	}
}

func TestService_RegenerationFailureKeepsSprites(t *testing.T) {
	f := newFixture(t)
	svc, _ := newService(t, f, &fakeReasoner{})
	ctx := context.Background()
	w := f.create(t, serpentWorld())
	if err := f.orch.Run(ctx, w.Slug, w.Generation); err != nil {
		t.Fatalf("Run: %v", err)
	}
	_, _ = f.store.UpdateStation(ctx, "serpent", "s0", docstore.AnyGeneration, func(st *hex.Station) error {
		st.RegenID = "deadbeef"
		return nil
	})
	f.gen.empty = true
	if err := svc.regenerate(ctx, regenRequest{Slug: "serpent", StationID: "s0", RegenID: "deadbeef", PromptA: "a"}); !errors.Is(err, ErrNoFrames) {
		t.Fatalf("expected ErrNoFrames, got %v", err)
	}
	got, _ := f.store.Get(ctx, "serpent")
	if got.Stations[0].SpriteFrames[0] != "mem://serpent/g0/stations/s0/frame_0.png" {
		t.Fatalf("sprites replaced: %v", got.Stations[0].SpriteFrames)
	}
}

func TestService_InteractErrors(t *testing.T) {
	f := newFixture(t)
	svc, _ := newService(t, f, &fakeReasoner{reaction: hex.Reaction{StateStart: "a", Options: []string{"x"}}})
	ctx := context.Background()
	f.create(t, serpentWorld())

	if _, err := svc.Interact(ctx, "u1", "missing", "s0", "hi"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("missing world: %v", err)
	}
	if _, err := svc.Interact(ctx, "u1", "serpent", "s9", "hi"); !errors.Is(err, ErrStationNotFound) {
		t.Fatalf("missing station: %v", err)
	}
	if _, err := svc.Interact(ctx, "u1", "serpent", "s1", "hi"); !errors.Is(err, ErrStationEmpty) {
		t.Fatalf("empty station: %v", err)
	}
	if _, err := svc.Interact(ctx, "u1", "serpent", "s0", "  "); !errors.Is(err, ErrBadInput) {
		t.Fatalf("empty command: %v", err)
	}
}

func TestService_WarmupDoesNotBlock(t *testing.T) {
	f := newFixture(t)
	svc, _ := newService(t, f, &fakeReasoner{})
	svc.Warmup("")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.gen.mu.Lock()
		n := f.gen.wakes
		f.gen.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("wake never reached the generator")
}

func TestRegenHelpers(t *testing.T) {
	id := NewRegenID()
	if len(id) != 8 || strings.Trim(id, "0123456789abcdef") != "" {
		t.Fatalf("regen id=%q", id)
	}
	if NewRegenID() == id {
		t.Fatalf("regen ids should differ")
	}
	if got := RegenPrefix("serpent", "s0", "abcd1234"); got != "serpent/stations/s0/regen-abcd1234/frame" {
		t.Fatalf("prefix=%q", got)
	}
	got := CacheBust([]string{"a.png", "b.png?x=1"}, "ff")
	if got[0] != "a.png?t=ff" || got[1] != "b.png?x=1&t=ff" {
		t.Fatalf("cache bust=%v", got)
	}
}

func TestQueue_DropsWhenSaturated(t *testing.T) {
	q := NewQueue(1, 1, time.Millisecond, nil)
	block := make(chan struct{})
	started := make(chan struct{})
	q.Enqueue(Task{Name: "blocker", Run: func(context.Context) error {
		close(started)
		<-block
		return nil
	}})
	<-started
	if !q.Enqueue(Task{Name: "fills", Run: func(context.Context) error { return nil }}) {
		t.Fatalf("second task should fit the buffer")
	}
	if q.Enqueue(Task{Name: "dropped", Run: func(context.Context) error { return nil }}) {
		t.Fatalf("third task should be dropped")
	}
	close(block)
	q.Close(context.Background())
	st := q.Stats()
	if st.DroppedTotal != 1 || st.DoneTotal != 2 {
		t.Fatalf("stats=%+v", st)
	}
	if q.Enqueue(Task{Name: "late", Run: func(context.Context) error { return nil }}) {
		t.Fatalf("closed queue accepted a task")
	}
}

func TestQueue_RecoversPanics(t *testing.T) {
	q := NewQueue(1, 4, 0, nil)
	q.Enqueue(Task{Name: "panics", Run: func(context.Context) error { panic("boom") }})
	q.Enqueue(Task{Name: "fails", Run: func(context.Context) error { return errors.New("nope") }})
	q.Close(context.Background())
	if st := q.Stats(); st.FailTotal != 2 {
		t.Fatalf("stats=%+v", st)
	}
}
