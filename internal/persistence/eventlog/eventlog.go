// Package eventlog records generation runs as hourly-rotated zstd JSONL.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	RunStarted    = "run_started"
	JobStarted    = "job_started"
	JobFinished   = "job_finished"
	StatusChanged = "status_changed"
	RunFailed     = "run_failed"
	RunCompleted  = "run_completed"
	RunStale      = "run_stale"
	RegenStarted  = "regen_started"
	RegenFinished = "regen_finished"
	RegenFailed   = "regen_failed"
	RegenSkipped  = "regen_skipped"
)

type Event struct {
	Time       time.Time `json:"time"`
	Event      string    `json:"event"`
	Slug       string    `json:"slug"`
	Generation int64     `json:"generation,omitempty"`
	StationID  string    `json:"station_id,omitempty"`
	Kind       string    `json:"kind,omitempty"`
	Status     string    `json:"status,omitempty"`
	Frames     int       `json:"frames,omitempty"`
	RegenID    string    `json:"regen_id,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	if err := w.w.Flush(); err != nil {
		return err
	}
	// Flush the zstd block too so a concurrent reader sees the line.
	return w.enc.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 64*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// Log is the generation event log.
type Log struct{ w *JSONLZstdWriter }

func New(dir string) *Log {
	return &Log{w: NewJSONLZstdWriter(dir, "generation")}
}

// Emit stamps and appends one event. A nil Log discards events.
func (l *Log) Emit(ev Event) error {
	if l == nil {
		return nil
	}
	if ev.Time.IsZero() {
		ev.Time = l.w.now().UTC()
	}
	return l.w.Write(ev)
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	return l.w.Close()
}

// Files lists the log segments under dir, oldest first.
func Files(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "generation-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// ReadFile decodes one segment. A segment whose writer was not closed cleanly
// yields every complete line before the truncation.
func ReadFile(path string, fn func(Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 64*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var ev Event
			if jerr := json.Unmarshal(line, &ev); jerr != nil {
				return fmt.Errorf("%s: %w", filepath.Base(path), jerr)
			}
			if ferr := fn(ev); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// Filter selects events by slug (empty = all).
func Filter(dir, slug string, fn func(Event) error) error {
	files, err := Files(dir)
	if err != nil {
		return err
	}
	slug = strings.TrimSpace(slug)
	for _, path := range files {
		err := ReadFile(path, func(ev Event) error {
			if slug != "" && ev.Slug != slug {
				return nil
			}
			return fn(ev)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
