package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dreamhex.ai/internal/config"
	"dreamhex.ai/internal/persistence/blob"
	"dreamhex.ai/internal/render"
	"dreamhex.ai/internal/render/dispatch"
	"dreamhex.ai/internal/render/sdhttp"
)

func main() {
	var (
		addr       = flag.String("addr", ":8081", "http listen address")
		configPath = flag.String("config", "./configs/dreamhex.yaml", "config file (optional)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[worker] ", log.LstdFlags|log.Lmicroseconds)

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

	blobs, err := blob.Open(cfg.Blob, logger)
	if err != nil {
		logger.Fatalf("open blob store: %v", err)
	}
	backend, err := sdhttp.New(cfg.Worker.InferenceURL, cfg.Worker.LoadTimeout, cfg.Worker.Steps, cfg.Worker.Guidance)
	if err != nil {
		logger.Fatalf("inference backend: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	loadCtx, loadCancel := context.WithTimeout(ctx, cfg.Worker.LoadTimeout)
	painter := render.Open(loadCtx, backend, blobs, render.Options{
		Steps:    cfg.Worker.Steps,
		Guidance: cfg.Worker.Guidance,
		Logger:   logger,
	})
	loadCancel()
	defer painter.Close()
	logger.Printf("painter available=%v inference=%s blob=%s", painter.Available(), cfg.Worker.InferenceURL, blobs.Backend)

	api := dispatch.NewHandler(painter, logger)
	mux := http.NewServeMux()
	mux.Handle(dispatch.PathGenerate, api)
	mux.Handle(dispatch.PathWake, api)
	mux.Handle(dispatch.PathHealth, api)
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, painter.Stats(), blobs)
	})
	if assets := blobs.Assets(); assets != nil {
		mux.Handle("/assets/", http.StripPrefix("/assets/", assets))
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// In-flight jobs hold the painter; give them the full job timeout.
		ctx2, cancel2 := context.WithTimeout(context.Background(), cfg.Pipeline.JobTimeout)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func writeMetrics(w io.Writer, ps render.Stats, blobs *blob.Store) {
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

	blobs.WriteMetrics(w, "dreamhex")
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
