// Package pipeline turns analyzed worlds into rendered ones: the waterfall
// run that fills a new world in, per-station regeneration after an
// interaction, and the service operations the HTTP layer calls.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"dreamhex.ai/internal/config"
	"dreamhex.ai/internal/hex"
	"dreamhex.ai/internal/persistence/docstore"
	"dreamhex.ai/internal/persistence/eventlog"
	"dreamhex.ai/internal/render"
)

var (
	// ErrNoFrames is a job that returned no references. It fails the run.
	ErrNoFrames = errors.New("generation job returned no frames")
	// ErrAlreadyRunning means the same (slug, generation) is in flight in
	// this process.
	ErrAlreadyRunning = errors.New("run already in flight")
	// ErrNotRunnable means the world is not waiting for a run.
	ErrNotRunnable = errors.New("world not runnable")
)

type runKey struct {
	slug       string
	generation int64
}

type OrchestratorStats struct {
	Started   uint64
	Completed uint64
	Failed    uint64
	Stale     uint64
	InFlight  int
}

// Orchestrator drives one world from ANALYSIS_COMPLETE to COMPLETE or ERROR:
// background first, then each occupied station, persisting after every job
// so clients see progress.
//
// Every write is checked against the generation the run started with. When
// the world is reprocessed mid-run the old run's next write is refused and
// the run stops without touching status.
type Orchestrator struct {
	store  *docstore.Store
	gen    render.Dispatcher
	events *eventlog.Log
	logger *log.Logger

	frames      config.FrameCounts
	concurrency int
	jobTimeout  time.Duration

	mu       sync.Mutex
	inflight map[runKey]struct{}

	started   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	stale     atomic.Uint64
}

type OrchestratorOptions struct {
	Frames             config.FrameCounts
	StationConcurrency int
	JobTimeout         time.Duration
	Events             *eventlog.Log
	Logger             *log.Logger
}

func NewOrchestrator(store *docstore.Store, gen render.Dispatcher, opts OrchestratorOptions) *Orchestrator {
	if opts.StationConcurrency <= 0 {
		opts.StationConcurrency = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 10 * time.Minute
	}
	if opts.Frames.Background <= 0 {
		opts.Frames.Background = 3
	}
	if opts.Frames.Sprite <= 0 {
		opts.Frames.Sprite = 4
	}
	return &Orchestrator{
		store:       store,
		gen:         gen,
		events:      opts.Events,
		logger:      opts.Logger,
		frames:      opts.Frames,
		concurrency: opts.StationConcurrency,
		jobTimeout:  opts.JobTimeout,
		inflight:    map[runKey]struct{}{},
	}
}

func (o *Orchestrator) claim(k runKey) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.inflight[k]; ok {
		return false
	}
	o.inflight[k] = struct{}{}
	return true
}

func (o *Orchestrator) release(k runKey) {
	o.mu.Lock()
	delete(o.inflight, k)
	o.mu.Unlock()
}

// errRegenerated skips a waterfall station write after an interaction's
// regeneration already landed newer sprites on that station.
var errRegenerated = errors.New("station regenerated during run")

// RunPrefix scopes a run's published paths by generation so a reprocess never
// reuses an earlier run's references.
func RunPrefix(slug string, gen int64) string {
	return fmt.Sprintf("%s/g%d", slug, gen)
}

// Run executes the waterfall for slug at generation. A stale run returns
// nil: it was superseded, not failed.
func (o *Orchestrator) Run(ctx context.Context, slug string, generation int64) error {
	k := runKey{slug: slug, generation: generation}
	if !o.claim(k) {
		return fmt.Errorf("%w: %s gen=%d", ErrAlreadyRunning, slug, generation)
	}
	defer o.release(k)

	w, err := o.store.Get(ctx, slug)
	if err != nil {
		return err
	}
	if w.Generation != generation {
		o.markStale(slug, generation, "superseded before start")
		return nil
	}
	if w.Status != hex.StatusAnalysisComplete {
		return fmt.Errorf("%w: %s is %s", ErrNotRunnable, slug, w.Status)
	}

	o.started.Add(1)
	start := time.Now()
	o.emit(eventlog.Event{Event: eventlog.RunStarted, Slug: slug, Generation: generation})
	o.printf("waterfall start slug=%s gen=%d stations=%d", slug, generation, len(w.Occupied()))

	err = o.run(ctx, w)
	switch {
	case err == nil:
		o.completed.Add(1)
		o.emit(eventlog.Event{Event: eventlog.RunCompleted, Slug: slug, Generation: generation, DurationMS: time.Since(start).Milliseconds()})
		o.printf("waterfall complete slug=%s gen=%d dur=%s", slug, generation, time.Since(start).Round(time.Millisecond))
		return nil
	case errors.Is(err, docstore.ErrStaleGeneration):
		o.markStale(slug, generation, err.Error())
		return nil
	default:
		o.fail(ctx, slug, generation, err)
		return err
	}
}

func (o *Orchestrator) run(ctx context.Context, w hex.World) error {
	slug, gen := w.Slug, w.Generation

	bg, err := o.runJob(ctx, slug, gen, "", render.Job{
		PromptA:    w.Description360,
		Kind:       render.KindPanorama,
		Frames:     o.frames.Background,
		PathPrefix: RunPrefix(slug, gen) + "/background/bg",
	})
	if err != nil {
		return fmt.Errorf("background: %w", err)
	}

	// The returned document is the fresh read the station loop works from:
	// interactions may have changed station prompts while the background ran.
	w, err = o.store.Update(ctx, slug, gen, func(w *hex.World) error {
		w.BackgroundFrames = bg
		return hex.Transition(w, hex.StatusGeneratingEntities)
	})
	if err != nil {
		return err
	}
	o.emit(eventlog.Event{Event: eventlog.StatusChanged, Slug: slug, Generation: gen, Status: string(hex.StatusGeneratingEntities)})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for _, i := range w.Occupied() {
		st := w.Stations[i]
		g.Go(func() error {
			frames, err := o.runJob(gctx, slug, gen, st.ID, render.Job{
				PromptA:    st.StateStart,
				PromptB:    st.StateEnd,
				Kind:       render.KindSprite,
				Frames:     o.frames.Sprite,
				PathPrefix: RunPrefix(slug, gen) + "/stations/" + st.ID + "/frame",
			})
			if err != nil {
				return fmt.Errorf("station %s: %w", st.ID, err)
			}
			_, err = o.store.UpdateStation(gctx, slug, st.ID, gen, func(s *hex.Station) error {
				if s.RegenID != st.RegenID && s.AssetStatus == hex.AssetComplete {
					return errRegenerated
				}
				return hex.CompleteStation(s, frames)
			})
			if errors.Is(err, errRegenerated) {
				o.printf("waterfall station kept regenerated sprites slug=%s gen=%d station=%s", slug, gen, st.ID)
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	_, err = o.store.Update(ctx, slug, gen, func(w *hex.World) error {
		return hex.Transition(w, hex.StatusComplete)
	})
	if err != nil {
		return err
	}
	o.emit(eventlog.Event{Event: eventlog.StatusChanged, Slug: slug, Generation: gen, Status: string(hex.StatusComplete)})
	return nil
}

// runJob bounds one generation job by the job timeout. Expiry and empty
// results are both failures.
func (o *Orchestrator) runJob(ctx context.Context, slug string, gen int64, stationID string, job render.Job) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.jobTimeout)
	defer cancel()

	o.emit(eventlog.Event{Event: eventlog.JobStarted, Slug: slug, Generation: gen, StationID: stationID, Kind: string(job.Kind), Frames: job.Frames})
	start := time.Now()
	refs, err := o.gen.GenerateFrames(ctx, job)
	if err == nil && len(refs) == 0 {
		err = ErrNoFrames
	}
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("job timed out after %s: %w", o.jobTimeout, err)
	}
	ev := eventlog.Event{Event: eventlog.JobFinished, Slug: slug, Generation: gen, StationID: stationID, Kind: string(job.Kind), Frames: len(refs), DurationMS: time.Since(start).Milliseconds()}
	if err != nil {
		ev.Error = err.Error()
	}
	o.emit(ev)
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// fail records ERROR unless the run has gone stale. The write is detached
// from ctx so a canceled run still leaves a terminal status behind.
func (o *Orchestrator) fail(ctx context.Context, slug string, gen int64, cause error) {
	o.failed.Add(1)
	o.printf("waterfall failed slug=%s gen=%d err=%v", slug, gen, cause)
	o.emit(eventlog.Event{Event: eventlog.RunFailed, Slug: slug, Generation: gen, Error: cause.Error()})

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_, err := o.store.Update(wctx, slug, gen, func(w *hex.World) error {
		return hex.Transition(w, hex.StatusError)
	})
	switch {
	case err == nil:
		o.emit(eventlog.Event{Event: eventlog.StatusChanged, Slug: slug, Generation: gen, Status: string(hex.StatusError)})
	case errors.Is(err, docstore.ErrStaleGeneration):
		o.markStale(slug, gen, "superseded during failure")
	default:
		o.printf("waterfall error status write failed slug=%s gen=%d err=%v", slug, gen, err)
	}
}

func (o *Orchestrator) markStale(slug string, gen int64, why string) {
	o.stale.Add(1)
	o.printf("waterfall stale slug=%s gen=%d reason=%q", slug, gen, why)
	o.emit(eventlog.Event{Event: eventlog.RunStale, Slug: slug, Generation: gen, Error: why})
}

func (o *Orchestrator) Stats() OrchestratorStats {
	o.mu.Lock()
	n := len(o.inflight)
	o.mu.Unlock()
	return OrchestratorStats{
		Started:   o.started.Load(),
		Completed: o.completed.Load(),
		Failed:    o.failed.Load(),
		Stale:     o.stale.Load(),
		InFlight:  n,
	}
}

func (o *Orchestrator) emit(ev eventlog.Event) {
	if err := o.events.Emit(ev); err != nil {
		o.printf("event log write failed event=%s slug=%s err=%v", ev.Event, ev.Slug, err)
	}
}

func (o *Orchestrator) printf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}
