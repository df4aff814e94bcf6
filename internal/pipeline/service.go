package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"dreamhex.ai/internal/config"
	"dreamhex.ai/internal/hex"
	"dreamhex.ai/internal/persistence/docstore"
	"dreamhex.ai/internal/persistence/eventlog"
	"dreamhex.ai/internal/protocol"
	"dreamhex.ai/internal/reasoning"
	"dreamhex.ai/internal/render"
)

var (
	ErrBadInput        = errors.New("bad input")
	ErrStationNotFound = errors.New("station not found")
	ErrStationEmpty    = errors.New("station is unoccupied")
	ErrQueueFull       = errors.New("generation queue full")
)

// Reasoner is the text reasoning service.
type Reasoner interface {
	Analyze(ctx context.Context, narrative string) (reasoning.Analysis, error)
	React(ctx context.Context, scene reasoning.Scene, command string) (hex.Reaction, error)
}

type ServiceOptions struct {
	Frames     config.FrameCounts
	UnlockSlug string
	JobTimeout time.Duration
	WakeWait   time.Duration
	Events     *eventlog.Log
	Logger     *log.Logger
}

// Service is the set of operations the HTTP layer exposes.
type Service struct {
	store    *docstore.Store
	reasoner Reasoner
	gen      render.Dispatcher
	orch     *Orchestrator
	queue    *Queue

	frames     config.FrameCounts
	unlockSlug string
	jobTimeout time.Duration
	wakeWait   time.Duration
	events     *eventlog.Log
	logger     *log.Logger
	newRegenID func() string

	regenDone   atomic.Uint64
	regenFailed atomic.Uint64
}

func NewService(store *docstore.Store, reasoner Reasoner, gen render.Dispatcher, orch *Orchestrator, queue *Queue, opts ServiceOptions) *Service {
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	if opts.WakeWait <= 0 {
		opts.WakeWait = 5 * time.Minute
	}
	if opts.Frames.Sprite <= 0 {
		opts.Frames.Sprite = 4
	}
	return &Service{
		store:      store,
		reasoner:   reasoner,
		gen:        gen,
		orch:       orch,
		queue:      queue,
		frames:     opts.Frames,
		unlockSlug: strings.TrimSpace(opts.UnlockSlug),
		jobTimeout: opts.JobTimeout,
		wakeWait:   opts.WakeWait,
		events:     opts.Events,
		logger:     opts.Logger,
		newRegenID: NewRegenID,
	}
}

// Submit analyzes a narrative, stores the world, adds it to the user's set
// and queues the waterfall. The world is returned as stored, before any
// asset exists.
func (s *Service) Submit(ctx context.Context, userID, narrative string) (hex.World, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return hex.World{}, fmt.Errorf("%w: user_id is required", ErrBadInput)
	}
	if strings.TrimSpace(narrative) == "" {
		return hex.World{}, fmt.Errorf("%w: report_text is required", ErrBadInput)
	}
	a, err := s.reasoner.Analyze(ctx, narrative)
	if err != nil {
		return hex.World{}, err
	}
	w := a.World
	w.OwnerID = userID
	w.Summary = a.Summary
	w.Status = hex.StatusAnalysisComplete
	hex.Normalize(&w)
	if err := hex.Validate(&w); err != nil {
		return hex.World{}, fmt.Errorf("%w: %v", reasoning.ErrMalformed, err)
	}

	w, err = s.store.Create(ctx, w)
	if err != nil {
		return hex.World{}, err
	}
	if err := s.store.Unlock(ctx, userID, w.Slug); err != nil {
		return hex.World{}, err
	}
	s.printf("dream submitted slug=%s user=%s occupied=%d", w.Slug, userID, len(w.Occupied()))
	if !s.enqueueRun(w.Slug, w.Generation) {
		s.printf("waterfall not queued slug=%s gen=%d; reprocess to retry", w.Slug, w.Generation)
	}
	return w, nil
}

func (s *Service) enqueueRun(slug string, gen int64) bool {
	return s.queue.Enqueue(Task{
		Name: fmt.Sprintf("waterfall:%s:%d", slug, gen),
		Run: func(ctx context.Context) error {
			return s.orch.Run(ctx, slug, gen)
		},
	})
}

const defaultDescription = "Dream analyzed."

// List returns summaries of the user's worlds in unlock order. Slugs whose
// document is gone are skipped.
func (s *Service) List(ctx context.Context, userID string) ([]protocol.DreamSummary, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrBadInput)
	}
	slugs, err := s.store.Unlocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.DreamSummary, 0, len(slugs))
	for _, slug := range slugs {
		w, err := s.store.Get(ctx, slug)
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, Summarize(w))
	}
	return out, nil
}

func Summarize(w hex.World) protocol.DreamSummary {
	sum := protocol.DreamSummary{
		ID:          w.Slug,
		Title:       w.Title,
		Description: w.Summary,
		Status:      w.Status,
	}
	if strings.TrimSpace(sum.Description) == "" {
		sum.Description = defaultDescription
	}
	if len(w.BackgroundFrames) > 0 {
		thumb := w.BackgroundFrames[0]
		sum.Thumbnail = &thumb
	}
	return sum
}

func (s *Service) Get(ctx context.Context, slug string) (hex.World, error) {
	return s.store.Get(ctx, hex.Slugify(slug))
}

// Delete removes the world from the user's set only. The document stays for
// other users who unlocked it.
func (s *Service) Delete(ctx context.Context, userID, slug string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrBadInput)
	}
	return s.store.Remove(ctx, userID, hex.Slugify(slug))
}

// Reprocess resets the world to ANALYSIS_COMPLETE and queues a fresh run.
// The generation bump makes any run still working on the old generation
// stop at its next write. When the queue refuses the run the reset stays
// applied and the returned ErrQueueFull says so.
func (s *Service) Reprocess(ctx context.Context, slug string) (hex.World, error) {
	slug = hex.Slugify(slug)
	w, err := s.store.Update(ctx, slug, docstore.AnyGeneration, func(w *hex.World) error {
		hex.Reset(w)
		return nil
	})
	if err != nil {
		return hex.World{}, err
	}
	s.emit(eventlog.Event{Event: eventlog.StatusChanged, Slug: slug, Generation: w.Generation, Status: string(w.Status)})
	s.printf("dream reprocessed slug=%s gen=%d", slug, w.Generation)
	if !s.enqueueRun(slug, w.Generation) {
		s.printf("waterfall not queued slug=%s gen=%d; reprocess to retry", slug, w.Generation)
		return w, fmt.Errorf("%w: %s was reset to %s but no run was started; reprocess again to retry", ErrQueueFull, slug, w.Status)
	}
	return w, nil
}

type InteractResult struct {
	Station hex.Station
	Unlock  bool
	RegenID string
}

// Interact applies an entity's reaction to a user command and queues new
// sprites for that station. Only the target station is written.
func (s *Service) Interact(ctx context.Context, userID, slug, stationID, command string) (InteractResult, error) {
	slug = hex.Slugify(slug)
	stationID = strings.TrimSpace(stationID)
	if strings.TrimSpace(command) == "" {
		return InteractResult{}, fmt.Errorf("%w: user_command is required", ErrBadInput)
	}
	w, err := s.store.Get(ctx, slug)
	if err != nil {
		return InteractResult{}, err
	}
	i := w.StationByID(stationID)
	if i < 0 {
		return InteractResult{}, fmt.Errorf("%w: %s in %s", ErrStationNotFound, stationID, slug)
	}
	if !w.Stations[i].Occupied() {
		return InteractResult{}, fmt.Errorf("%w: %s in %s", ErrStationEmpty, stationID, slug)
	}

	rx, err := s.reasoner.React(ctx, reasoning.SceneFor(w, w.Stations[i]), command)
	if err != nil {
		return InteractResult{}, err
	}
	if err := hex.ValidateReaction(rx); err != nil {
		return InteractResult{}, fmt.Errorf("%w: %v", reasoning.ErrMalformed, err)
	}

	regenID := s.newRegenID()
	w, err = s.store.UpdateStation(ctx, slug, stationID, docstore.AnyGeneration, func(st *hex.Station) error {
		st.StateStart = rx.StateStart
		st.StateEnd = rx.StateEnd
		st.EntityGreeting = rx.Greeting
		st.Monologue = rx.Monologue
		st.Stance = rx.Stance
		st.InteractionOptions = append([]string(nil), rx.Options...)
		st.RegenID = regenID
		return nil
	})
	if err != nil {
		return InteractResult{}, err
	}
	station := w.Stations[w.StationByID(stationID)]

	unlock := rx.Unlock == hex.UnlockNewDream
	if unlock && s.unlockSlug != "" && strings.TrimSpace(userID) != "" {
		if err := s.store.Unlock(ctx, strings.TrimSpace(userID), s.unlockSlug); err != nil {
			s.printf("unlock grant failed user=%s slug=%s err=%v", userID, s.unlockSlug, err)
		}
	}

	req := regenRequest{Slug: slug, StationID: stationID, RegenID: regenID, PromptA: rx.StateStart, PromptB: rx.StateEnd}
	queued := s.queue.Enqueue(Task{
		Name: fmt.Sprintf("regen:%s:%s:%s", slug, stationID, regenID),
		Run:  func(ctx context.Context) error { return s.regenerate(ctx, req) },
	})
	if !queued {
		s.printf("regen not queued slug=%s station=%s regen=%s", slug, stationID, regenID)
	}
	return InteractResult{Station: station, Unlock: unlock, RegenID: regenID}, nil
}

// Warmup pre-warms the generator without making the caller wait.
func (s *Service) Warmup(userID string) {
	who := strings.TrimSpace(userID)
	if who == "" {
		who = "anonymous"
	}
	s.printf("warmup requested user=%s", who)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.wakeWait)
		defer cancel()
		if err := s.gen.Wake(ctx); err != nil {
			s.printf("warmup failed err=%v", err)
		}
	}()
}

type Stats struct {
	Orchestrator OrchestratorStats
	Queue        QueueStats
	RegenDone    uint64
	RegenFailed  uint64
}

func (s *Service) Stats() Stats {
	return Stats{
		Orchestrator: s.orch.Stats(),
		Queue:        s.queue.Stats(),
		RegenDone:    s.regenDone.Load(),
		RegenFailed:  s.regenFailed.Load(),
	}
}

func (s *Service) emit(ev eventlog.Event) {
	if err := s.events.Emit(ev); err != nil {
		s.printf("event log write failed event=%s slug=%s err=%v", ev.Event, ev.Slug, err)
	}
}

func (s *Service) printf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}
