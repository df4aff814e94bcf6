package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"dreamhex.ai/internal/hex"
	"dreamhex.ai/internal/persistence/blob"
	"dreamhex.ai/internal/persistence/docstore"
	"dreamhex.ai/internal/pipeline"
	"dreamhex.ai/internal/render"
	"dreamhex.ai/internal/transport/ws"
)

type metricsSources struct {
	svc     *pipeline.Service
	store   *docstore.Store
	hub     *ws.Hub
	blobs   *blob.Store
	painter *render.Painter
}

// writeMetrics renders the Prometheus exposition format by hand.
func writeMetrics(w io.Writer, m metricsSources) {
	st := m.svc.Stats()

	fmt.Fprintf(w, "# HELP dreamhex_waterfall_runs_total Waterfall runs by outcome.\n")
	fmt.Fprintf(w, "# TYPE dreamhex_waterfall_runs_total counter\n")
	fmt.Fprintf(w, "dreamhex_waterfall_runs_total{outcome=%q} %d\n", "started", st.Orchestrator.Started)
	fmt.Fprintf(w, "dreamhex_waterfall_runs_total{outcome=%q} %d\n", "completed", st.Orchestrator.Completed)
	fmt.Fprintf(w, "dreamhex_waterfall_runs_total{outcome=%q} %d\n", "failed", st.Orchestrator.Failed)
	fmt.Fprintf(w, "dreamhex_waterfall_runs_total{outcome=%q} %d\n", "stale", st.Orchestrator.Stale)

	fmt.Fprintf(w, "# HELP dreamhex_waterfall_in_flight Waterfall runs currently executing.\n")
	fmt.Fprintf(w, "# TYPE dreamhex_waterfall_in_flight gauge\n")
	fmt.Fprintf(w, "dreamhex_waterfall_in_flight %d\n", st.Orchestrator.InFlight)

	fmt.Fprintf(w, "# HELP dreamhex_regen_total Station regenerations by outcome.\n")
	fmt.Fprintf(w, "# TYPE dreamhex_regen_total counter\n")
	fmt.Fprintf(w, "dreamhex_regen_total{outcome=%q} %d\n", "done", st.RegenDone)
	fmt.Fprintf(w, "dreamhex_regen_total{outcome=%q} %d\n", "failed", st.RegenFailed)

	q := st.Queue
	fmt.Fprintf(w, "# HELP dreamhex_queue_depth Current background queue depth.\n")
	fmt.Fprintf(w, "# TYPE dreamhex_queue_depth gauge\n")
	fmt.Fprintf(w, "dreamhex_queue_depth %d\n", q.QueueDepth)

	fmt.Fprintf(w, "# HELP dreamhex_queue_capacity Background queue capacity.\n")
	fmt.Fprintf(w, "# TYPE dreamhex_queue_capacity gauge\n")
	fmt.Fprintf(w, "dreamhex_queue_capacity %d\n", q.QueueCapacity)

	fmt.Fprintf(w, "# HELP dreamhex_queue_tasks_total Background tasks by outcome.\n")
	fmt.Fprintf(w, "# TYPE dreamhex_queue_tasks_total counter\n")
	fmt.Fprintf(w, "dreamhex_queue_tasks_total{outcome=%q} %d\n", "enqueued", q.EnqueuedTotal)
	fmt.Fprintf(w, "dreamhex_queue_tasks_total{outcome=%q} %d\n", "saturated", q.QueueSaturatedTotal)
	fmt.Fprintf(w, "dreamhex_queue_tasks_total{outcome=%q} %d\n", "dropped", q.DroppedTotal)
	fmt.Fprintf(w, "dreamhex_queue_tasks_total{outcome=%q} %d\n", "done", q.DoneTotal)
	fmt.Fprintf(w, "dreamhex_queue_tasks_total{outcome=%q} %d\n", "failed", q.FailTotal)

	fmt.Fprintf(w, "# HELP dreamhex_queue_last_error_unix Unix timestamp of the last failed task.\n")
	fmt.Fprintf(w, "# TYPE dreamhex_queue_last_error_unix gauge\n")
	fmt.Fprintf(w, "dreamhex_queue_last_error_unix %d\n", q.LastErrorUnix)

	ds := m.store.Stats()
	fmt.Fprintf(w, "# HELP dreamhex_docstore_writes_total Committed document writes.\n")
	fmt.Fprintf(w, "# TYPE dreamhex_docstore_writes_total counter\n")
	fmt.Fprintf(w, "dreamhex_docstore_writes_total %d\n", ds.Writes)

	fmt.Fprintf(w, "# HELP dreamhex_docstore_stale_writes_total Writes refused because the run's generation was superseded.\n")
	fmt.Fprintf(w, "# TYPE dreamhex_docstore_stale_writes_total counter\n")
	fmt.Fprintf(w, "dreamhex_docstore_stale_writes_total %d\n", ds.Conflicts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if counts, err := m.store.CountByStatus(ctx); err == nil {
		fmt.Fprintf(w, "# HELP dreamhex_worlds Worlds by status.\n")
		fmt.Fprintf(w, "# TYPE dreamhex_worlds gauge\n")
		for _, s := range []hex.Status{hex.StatusAnalysisComplete, hex.StatusGeneratingEntities, hex.StatusComplete, hex.StatusError} {
			fmt.Fprintf(w, "dreamhex_worlds{status=%q} %d\n", s, counts[s])
		}
	}

	hs := m.hub.Stats()
	fmt.Fprintf(w, "# HELP dreamhex_watch_subscribers Connected watch streams.\n")
	fmt.Fprintf(w, "# TYPE dreamhex_watch_subscribers gauge\n")
	fmt.Fprintf(w, "dreamhex_watch_subscribers %d\n", hs.Subscribers)

	fmt.Fprintf(w, "# HELP dreamhex_watch_messages_total Watch messages by outcome.\n")
	fmt.Fprintf(w, "# TYPE dreamhex_watch_messages_total counter\n")
	fmt.Fprintf(w, "dreamhex_watch_messages_total{outcome=%q} %d\n", "sent", hs.SentTotal)
	fmt.Fprintf(w, "dreamhex_watch_messages_total{outcome=%q} %d\n", "dropped", hs.DroppedTotal)

	if m.painter != nil {
		writePainterMetrics(w, m.painter.Stats())
	}
	m.blobs.WriteMetrics(w, "dreamhex")
}

func writePainterMetrics(w io.Writer, ps render.Stats) {
	available := 0
	if ps.Available {
		available = 1
	}
	fmt.Fprintf(w, "# HELP dreamhex_painter_available Whether the model is loaded.\n")
	fmt.Fprintf(w, "# TYPE dreamhex_painter_available gauge\n")
	fmt.Fprintf(w, "dreamhex_painter_available %d\n", available)

	fmt.Fprintf(w, "# HELP dreamhex_painter_jobs_total Generation jobs run.\n")
	fmt.Fprintf(w, "# TYPE dreamhex_painter_jobs_total counter\n")
	fmt.Fprintf(w, "dreamhex_painter_jobs_total %d\n", ps.Jobs)

	fmt.Fprintf(w, "# HELP dreamhex_painter_frames_total Frames generated.\n")
	fmt.Fprintf(w, "# TYPE dreamhex_painter_frames_total counter\n")
	fmt.Fprintf(w, "dreamhex_painter_frames_total %d\n", ps.Frames)
}
