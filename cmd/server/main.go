package main

import (
	"context"
	"flag"
	"io"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"dreamhex.ai/internal/config"
	"dreamhex.ai/internal/persistence/blob"
	"dreamhex.ai/internal/persistence/docstore"
	"dreamhex.ai/internal/persistence/eventlog"
	"dreamhex.ai/internal/pipeline"
	"dreamhex.ai/internal/reasoning"
	"dreamhex.ai/internal/render"
	"dreamhex.ai/internal/render/dispatch"
	"dreamhex.ai/internal/render/sdhttp"
	"dreamhex.ai/internal/transport/httpapi"
	"dreamhex.ai/internal/transport/ws"
)

func main() {
	var (
		addr           = flag.String("addr", ":8080", "http listen address")
		configPath     = flag.String("config", "./configs/dreamhex.yaml", "config file (optional)")
		dataDir        = flag.String("data", "./data", "runtime data directory")
		embeddedWorker = flag.Bool("embedded_worker", false, "run the frame synthesizer in this process instead of calling dispatch.worker_url")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfgFile := strings.TrimSpace(*configPath)
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
			logger.Printf("config %s not found; using defaults", cfgFile)
			cfgFile = ""
		}
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	frames := cfg.ActiveFrames()
	logger.Printf("frames background=%d sprite=%d test_mode=%v", frames.Background, frames.Sprite, cfg.TestMode)

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		logger.Fatalf("data dir: %v", err)
	}
	store, err := docstore.Open(filepath.Join(*dataDir, "dreamhex.db"))
	if err != nil {
		logger.Fatalf("open docstore: %v", err)
	}
	defer store.Close()

	events := eventlog.New(filepath.Join(*dataDir, "events"))
	defer events.Close()

	blobs, err := blob.Open(cfg.Blob, logger)
	if err != nil {
		logger.Fatalf("open blob store: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	var (
		gen     render.Dispatcher
		painter *render.Painter
	)
	if *embeddedWorker {
		painter, err = openPainter(ctx, cfg.Worker, blobs, logger)
		if err != nil {
			logger.Fatalf("embedded worker: %v", err)
		}
		defer painter.Close()
		gen = painter
		logger.Printf("frame synthesizer embedded available=%v", painter.Available())
	} else {
		client, err := dispatch.NewClient(cfg.Dispatch.WorkerURL, cfg.Dispatch.Timeout)
		if err != nil {
			logger.Fatalf("dispatch client: %v", err)
		}
		gen = client
		logger.Printf("frame synthesizer remote url=%s", cfg.Dispatch.WorkerURL)
	}

	rsn, err := reasoning.New(reasoning.Options{
		Endpoint: cfg.Reasoning.Endpoint,
		Model:    cfg.Reasoning.Model,
		APIKey:   cfg.Reasoning.APIKey,
		Timeout:  cfg.Reasoning.Timeout,
	})
	if err != nil {
		logger.Fatalf("reasoning client: %v", err)
	}

	orch := pipeline.NewOrchestrator(store, gen, pipeline.OrchestratorOptions{
		Frames:             frames,
		StationConcurrency: cfg.Pipeline.StationConcurrency,
		JobTimeout:         cfg.Pipeline.JobTimeout,
		Events:             events,
		Logger:             logger,
	})
	queue := pipeline.NewQueue(cfg.Pipeline.QueueWorkers, cfg.Pipeline.QueueCapacity, cfg.Pipeline.EnqueueWait, logger)
	svc := pipeline.NewService(store, rsn, gen, orch, queue, pipeline.ServiceOptions{
		Frames:     frames,
		UnlockSlug: cfg.Unlock.WorldSlug,
		JobTimeout: cfg.Pipeline.JobTimeout,
		WakeWait:   cfg.Worker.LoadTimeout,
		Events:     events,
		Logger:     logger,
	})

	hub := ws.NewHub(store, logger)
	store.SetNotifier(hub)

	api := httpapi.New(svc, httpapi.Options{
		Logger: logger,
		Watch:  hub.Handler(),
		Assets: blobs.Assets(),
		Metrics: func(w io.Writer) {
			writeMetrics(w, metricsSources{svc: svc, store: store, hub: hub, blobs: blobs, painter: painter})
		},
	})

	mux := http.NewServeMux()
	mux.Handle("/", api.Handler())
	if envBool("DREAMHEX_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (DREAMHEX_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}

	// Runs still in flight after the grace period are canceled and end in
	// ERROR; reprocess restarts them.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	queue.Close(drainCtx)
	logger.Printf("shutdown complete")
}

func openPainter(ctx context.Context, spec config.WorkerSpec, pub render.Publisher, logger *log.Logger) (*render.Painter, error) {
	backend, err := sdhttp.New(spec.InferenceURL, spec.LoadTimeout, spec.Steps, spec.Guidance)
	if err != nil {
		return nil, err
	}
	loadCtx, cancel := context.WithTimeout(ctx, spec.LoadTimeout)
	defer cancel()
	return render.Open(loadCtx, backend, pub, render.Options{
		Steps:    spec.Steps,
		Guidance: spec.Guidance,
		Logger:   logger,
	}), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
