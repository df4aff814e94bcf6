package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	TestMode   bool        `yaml:"test_mode"`
	Frames     FrameCounts `yaml:"frames"`
	TestFrames FrameCounts `yaml:"test_frames"`

	Pipeline  PipelineSpec  `yaml:"pipeline"`
	Unlock    UnlockSpec    `yaml:"unlock"`
	Reasoning ReasoningSpec `yaml:"reasoning"`
	Dispatch  DispatchSpec  `yaml:"dispatch"`
	Blob      BlobSpec      `yaml:"blob"`
	Worker    WorkerSpec    `yaml:"worker"`
}

type FrameCounts struct {
	Background int `yaml:"background"`
	Sprite     int `yaml:"sprite"`
}

type PipelineSpec struct {
	StationConcurrency int           `yaml:"station_concurrency"`
	JobTimeout         time.Duration `yaml:"job_timeout"`
	QueueWorkers       int           `yaml:"queue_workers"`
	QueueCapacity      int           `yaml:"queue_capacity"`
	EnqueueWait        time.Duration `yaml:"enqueue_wait"`
}

type UnlockSpec struct {
	WorldSlug string `yaml:"world_slug"`
}

type ReasoningSpec struct {
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	Timeout  time.Duration `yaml:"timeout"`
	// APIKey is only read from DREAMHEX_REASONING_API_KEY.
	APIKey string `yaml:"-"`
}

type DispatchSpec struct {
	WorkerURL string        `yaml:"worker_url"`
	Timeout   time.Duration `yaml:"timeout"`
}

type BlobSpec struct {
	Backend        string `yaml:"backend"`
	LocalDir       string `yaml:"local_dir"`
	PublicBaseURL  string `yaml:"public_base_url"`
	UploadAttempts int    `yaml:"upload_attempts"`
	R2             R2Spec `yaml:"r2"`
}

type R2Spec struct {
	Endpoint string `yaml:"endpoint"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	// Credentials are only read from the environment.
	AccessKeyID     string `yaml:"-"`
	SecretAccessKey string `yaml:"-"`
}

type WorkerSpec struct {
	InferenceURL string        `yaml:"inference_url"`
	Steps        int           `yaml:"steps"`
	Guidance     float64       `yaml:"guidance"`
	LoadTimeout  time.Duration `yaml:"load_timeout"`
}

const (
	BlobLocal = "local"
	BlobR2    = "r2"
)

// Load reads the YAML file at path (optional), applies DREAMHEX_* environment
// overrides, then normalizes and validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("dreamhex.yaml: %w", err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("dreamhex.yaml: %w", err)
	}
	return cfg, nil
}

func Defaults() Config {
	return Config{
		Frames:     FrameCounts{Background: 3, Sprite: 4},
		TestFrames: FrameCounts{Background: 2, Sprite: 2},
		Pipeline: PipelineSpec{
			StationConcurrency: 1,
			JobTimeout:         10 * time.Minute,
			QueueWorkers:       4,
			QueueCapacity:      256,
			EnqueueWait:        25 * time.Millisecond,
		},
		Unlock: UnlockSpec{WorldSlug: "demo-dream-id"},
		Reasoning: ReasoningSpec{
			Endpoint: "http://127.0.0.1:8000/v1/chat/completions",
			Model:    "default",
			Timeout:  90 * time.Second,
		},
		Dispatch: DispatchSpec{
			WorkerURL: "http://127.0.0.1:8081",
			Timeout:   15 * time.Minute,
		},
		Blob: BlobSpec{
			Backend:        BlobLocal,
			LocalDir:       "./data/assets",
			PublicBaseURL:  "http://localhost:8080/assets",
			UploadAttempts: 4,
		},
		Worker: WorkerSpec{
			InferenceURL: "http://127.0.0.1:7860",
			Steps:        2,
			Guidance:     0,
			LoadTimeout:  5 * time.Minute,
		},
	}
}

// ActiveFrames returns the frame counts for the current mode.
func (c Config) ActiveFrames() FrameCounts {
	if c.TestMode {
		return c.TestFrames
	}
	return c.Frames
}

func (c *Config) Normalize() {
	d := Defaults()
	if c.Frames.Background <= 0 {
		c.Frames.Background = d.Frames.Background
	}
	if c.Frames.Sprite <= 0 {
		c.Frames.Sprite = d.Frames.Sprite
	}
	if c.TestFrames.Background <= 0 {
		c.TestFrames.Background = d.TestFrames.Background
	}
	if c.TestFrames.Sprite <= 0 {
		c.TestFrames.Sprite = d.TestFrames.Sprite
	}
	if c.Pipeline.StationConcurrency <= 0 {
		c.Pipeline.StationConcurrency = 1
	}
	if c.Pipeline.JobTimeout <= 0 {
		c.Pipeline.JobTimeout = d.Pipeline.JobTimeout
	}
	if c.Pipeline.QueueWorkers <= 0 {
		c.Pipeline.QueueWorkers = d.Pipeline.QueueWorkers
	}
	if c.Pipeline.QueueCapacity <= 0 {
		c.Pipeline.QueueCapacity = d.Pipeline.QueueCapacity
	}
	if c.Pipeline.EnqueueWait <= 0 {
		c.Pipeline.EnqueueWait = d.Pipeline.EnqueueWait
	}
	c.Unlock.WorldSlug = strings.TrimSpace(c.Unlock.WorldSlug)
	if c.Reasoning.Timeout <= 0 {
		c.Reasoning.Timeout = d.Reasoning.Timeout
	}
	c.Dispatch.WorkerURL = strings.TrimRight(strings.TrimSpace(c.Dispatch.WorkerURL), "/")
	if c.Dispatch.Timeout <= 0 {
		c.Dispatch.Timeout = d.Dispatch.Timeout
	}
	c.Blob.Backend = strings.ToLower(strings.TrimSpace(c.Blob.Backend))
	if c.Blob.Backend == "" {
		c.Blob.Backend = BlobLocal
	}
	c.Blob.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.Blob.PublicBaseURL), "/")
	if c.Blob.UploadAttempts <= 0 {
		c.Blob.UploadAttempts = d.Blob.UploadAttempts
	}
	c.Blob.R2.Prefix = strings.Trim(strings.ReplaceAll(c.Blob.R2.Prefix, "\\", "/"), "/")
	c.Worker.InferenceURL = strings.TrimRight(strings.TrimSpace(c.Worker.InferenceURL), "/")
	if c.Worker.Steps <= 0 {
		c.Worker.Steps = d.Worker.Steps
	}
	if c.Worker.LoadTimeout <= 0 {
		c.Worker.LoadTimeout = d.Worker.LoadTimeout
	}
}

func (c Config) Validate() error {
	if c.Pipeline.StationConcurrency > 7 {
		return fmt.Errorf("pipeline.station_concurrency must be <= 7 (got %d)", c.Pipeline.StationConcurrency)
	}
	for name, n := range map[string]int{
		"frames.background":      c.Frames.Background,
		"frames.sprite":          c.Frames.Sprite,
		"test_frames.background": c.TestFrames.Background,
		"test_frames.sprite":     c.TestFrames.Sprite,
	} {
		if n > 64 {
			return fmt.Errorf("%s must be <= 64 (got %d)", name, n)
		}
	}
	if c.Worker.Guidance < 0 {
		return fmt.Errorf("worker.guidance must be >= 0")
	}
	switch c.Blob.Backend {
	case BlobLocal:
		if strings.TrimSpace(c.Blob.LocalDir) == "" {
			return fmt.Errorf("blob.local_dir is required for the local backend")
		}
	case BlobR2:
		if c.Blob.R2.Endpoint == "" || c.Blob.R2.Bucket == "" {
			return fmt.Errorf("blob.r2.endpoint and blob.r2.bucket are required for the r2 backend")
		}
	default:
		return fmt.Errorf("unsupported blob.backend %q", c.Blob.Backend)
	}
	return nil
}

// ApplyEnv overrides fields from DREAMHEX_* variables. getenv is injected so
// tests do not have to touch the process environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	get := func(key string) string { return strings.TrimSpace(getenv(key)) }

	c.TestMode = envBool(get("DREAMHEX_TEST_MODE"), c.TestMode)
	c.Frames.Background = envInt(get("DREAMHEX_FRAMES_BG"), c.Frames.Background)
	c.Frames.Sprite = envInt(get("DREAMHEX_FRAMES_SPRITE"), c.Frames.Sprite)
	c.TestFrames.Background = envInt(get("DREAMHEX_TEST_FRAMES_BG"), c.TestFrames.Background)
	c.TestFrames.Sprite = envInt(get("DREAMHEX_TEST_FRAMES_SPRITE"), c.TestFrames.Sprite)
	c.Pipeline.StationConcurrency = envInt(get("DREAMHEX_STATION_CONCURRENCY"), c.Pipeline.StationConcurrency)
	c.Pipeline.JobTimeout = envDuration(get("DREAMHEX_JOB_TIMEOUT"), c.Pipeline.JobTimeout)
	c.Pipeline.QueueWorkers = envInt(get("DREAMHEX_QUEUE_WORKERS"), c.Pipeline.QueueWorkers)
	if v := get("DREAMHEX_UNLOCK_WORLD"); v != "" {
		c.Unlock.WorldSlug = v
	}
	if v := get("DREAMHEX_REASONING_URL"); v != "" {
		c.Reasoning.Endpoint = v
	}
	if v := get("DREAMHEX_REASONING_MODEL"); v != "" {
		c.Reasoning.Model = v
	}
	c.Reasoning.APIKey = get("DREAMHEX_REASONING_API_KEY")
	if v := get("DREAMHEX_WORKER_URL"); v != "" {
		c.Dispatch.WorkerURL = v
	}
	if v := get("DREAMHEX_BLOB_BACKEND"); v != "" {
		c.Blob.Backend = v
	}
	if v := get("DREAMHEX_BLOB_LOCAL_DIR"); v != "" {
		c.Blob.LocalDir = v
	}
	if v := get("DREAMHEX_BLOB_PUBLIC_URL"); v != "" {
		c.Blob.PublicBaseURL = v
	}
	if v := get("DREAMHEX_R2_ENDPOINT"); v != "" {
		c.Blob.R2.Endpoint = v
	}
	if v := get("DREAMHEX_R2_BUCKET"); v != "" {
		c.Blob.R2.Bucket = v
	}
	if v := get("DREAMHEX_R2_PREFIX"); v != "" {
		c.Blob.R2.Prefix = v
	}
	c.Blob.R2.AccessKeyID = get("DREAMHEX_R2_ACCESS_KEY_ID")
	c.Blob.R2.SecretAccessKey = get("DREAMHEX_R2_SECRET_ACCESS_KEY")
	if v := get("DREAMHEX_INFERENCE_URL"); v != "" {
		c.Worker.InferenceURL = v
	}
	c.Worker.Steps = envInt(get("DREAMHEX_INFERENCE_STEPS"), c.Worker.Steps)
}

func envBool(v string, def bool) bool {
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
