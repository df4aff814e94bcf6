package render

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Model is the image-to-image generator. SetPadding changes the convolution
// boundary mode for every following Generate call.
type Model interface {
	SetPadding(ctx context.Context, mode PaddingMode) error
	Generate(ctx context.Context, step Step) (image.Image, error)
}

// Step is one generator invocation within a job.
type Step struct {
	Prompt   string
	Init     image.Image
	Strength float64
	Width    int
	Height   int
	Steps    int
	Guidance float64
}

// Matting removes the background from a generated frame.
type Matting interface {
	Cutout(ctx context.Context, img image.Image) (image.Image, error)
}

// Loader loads the model and foreground-extraction session. It is called once
// by Open and again by Wake while the painter is unavailable.
type Loader interface {
	Load(ctx context.Context) (Model, Matting, error)
}

// Publisher uploads one encoded frame and returns a stable public reference.
type Publisher interface {
	Publish(ctx context.Context, path, contentType string, data []byte) (string, error)
}

// Dispatcher is the boundary callers generate through: the in-process
// Painter or a remote worker client.
type Dispatcher interface {
	GenerateFrames(ctx context.Context, job Job) ([]string, error)
	Wake(ctx context.Context) error
}

const placeholderPrefix = "placeholder://upload-failed/"

// PlaceholderRef is recorded in place of a frame whose upload failed.
func PlaceholderRef(path string) string { return placeholderPrefix + path }

func IsPlaceholder(ref string) bool { return strings.HasPrefix(ref, placeholderPrefix) }

type Options struct {
	Steps    int
	Guidance float64
	Style    Style
	Logger   *log.Logger
}

// Painter owns the loaded model, the matting session and the publisher.
// Configuration and inference for one job form a single critical section:
// a job's padding mode cannot be changed under it by a concurrent job.
// Available and Stats read atomics and never wait on a running job.
type Painter struct {
	loader Loader
	pub    Publisher
	opts   Options

	mu      sync.Mutex
	model   Model
	matting Matting
	loadErr error

	available atomic.Bool
	jobs      atomic.Uint64
	frames    atomic.Uint64
}

// Open loads the model once. A load failure does not fail Open: the painter
// is returned unavailable and every job yields no frames until Wake succeeds.
func Open(ctx context.Context, loader Loader, pub Publisher, opts Options) *Painter {
	if opts.Steps <= 0 {
		opts.Steps = 2
	}
	if opts.Style == (Style{}) {
		opts.Style = DefaultStyle
	}
	p := &Painter{loader: loader, pub: pub, opts: opts}
	p.mu.Lock()
	p.loadLocked(ctx)
	p.mu.Unlock()
	return p
}

func (p *Painter) loadLocked(ctx context.Context) {
	if p.loader == nil {
		p.loadErr = errors.New("no model loader configured")
		return
	}
	start := time.Now()
	model, matting, err := p.loader.Load(ctx)
	if err == nil && model == nil {
		err = errors.New("loader returned no model")
	}
	if err != nil {
		p.model, p.matting, p.loadErr = nil, nil, err
		p.available.Store(false)
		p.printf("model load failed err=%v", err)
		return
	}
	p.model, p.matting, p.loadErr = model, matting, nil
	p.available.Store(true)
	p.printf("model loaded in %s", time.Since(start).Round(time.Millisecond))
}

// Available reports whether the model loaded.
func (p *Painter) Available() bool {
	return p.available.Load()
}

// Wake is the pre-warm no-op. It retries loading when the painter is
// unavailable and otherwise does nothing.
func (p *Painter) Wake(ctx context.Context) error {
	if p.available.Load() {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.model == nil {
		p.loadLocked(ctx)
	}
	return p.loadErr
}

type Stats struct {
	Available bool
	Jobs      uint64
	Frames    uint64
}

func (p *Painter) Stats() Stats {
	return Stats{Available: p.available.Load(), Jobs: p.jobs.Load(), Frames: p.frames.Load()}
}

// Close releases the model and matting session if they hold resources. A
// backend serving as both is closed twice, so Close there must be idempotent.
func (p *Painter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if c, ok := p.model.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := p.matting.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	p.model, p.matting = nil, nil
	p.available.Store(false)
	p.loadErr = errors.New("painter closed")
	return errors.Join(errs...)
}

// GenerateFrames runs the feedback loop for one job and returns the frame
// references in generation order, which is also upload order.
//
// An unavailable model yields an empty list and no error. A generator or
// matting failure aborts the job with an error. An upload failure leaves a
// placeholder reference in that frame's slot and the job continues.
func (p *Painter) GenerateFrames(ctx context.Context, job Job) ([]string, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	geo, _ := job.Kind.Geometry()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.model == nil {
		p.printf("job skipped prefix=%s reason=model_unavailable err=%v", job.PathPrefix, p.loadErr)
		return []string{}, nil
	}
	p.jobs.Add(1)

	// Reapplied on every job: the same instance serves both kinds.
	if err := p.model.SetPadding(ctx, geo.Padding); err != nil {
		return nil, fmt.Errorf("set padding %s: %w", geo.Padding, err)
	}

	start := time.Now()
	refs := make([]string, 0, job.Frames)
	var canvas image.Image = NeutralCanvas(geo.Width, geo.Height)

	for i := 0; i < job.Frames; i++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		out, err := p.model.Generate(ctx, Step{
			Prompt:   p.opts.Style.Apply(job.Kind, job.PromptFor(i)),
			Init:     canvas,
			Strength: StrengthFor(i),
			Width:    geo.Width,
			Height:   geo.Height,
			Steps:    p.opts.Steps,
			Guidance: p.opts.Guidance,
		})
		if err != nil {
			return nil, fmt.Errorf("generate frame %d: %w", i, err)
		}
		if geo.Cutout {
			if p.matting == nil {
				return nil, fmt.Errorf("frame %d: no matting session for sprite job", i)
			}
			out, err = p.matting.Cutout(ctx, out)
			if err != nil {
				return nil, fmt.Errorf("cutout frame %d: %w", i, err)
			}
		}
		canvas = out

		path := job.FramePath(i)
		refs = append(refs, p.publish(ctx, path, geo, out))
		p.frames.Add(1)
	}

	p.printf("job done prefix=%s kind=%s frames=%d dur=%s", job.PathPrefix, job.Kind, len(refs), time.Since(start).Round(time.Millisecond))
	return refs, nil
}

func (p *Painter) publish(ctx context.Context, path string, geo Geometry, img image.Image) string {
	data, err := Encode(img, geo.ContentType)
	if err != nil {
		p.printf("encode failed path=%s err=%v", path, err)
		return PlaceholderRef(path)
	}
	if p.pub == nil {
		p.printf("publish skipped path=%s reason=no_publisher", path)
		return PlaceholderRef(path)
	}
	ref, err := p.pub.Publish(ctx, path, geo.ContentType, data)
	if err != nil {
		p.printf("publish failed path=%s err=%v", path, err)
		return PlaceholderRef(path)
	}
	return ref
}

func (p *Painter) printf(format string, args ...any) {
	if p.opts.Logger != nil {
		p.opts.Logger.Printf(format, args...)
	}
}
