package render

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Kind string

const (
	KindPanorama Kind = "panorama"
	KindSprite   Kind = "sprite"
)

// PaddingMode is the convolution boundary handling applied to the generator
// before a job runs.
type PaddingMode string

const (
	PaddingZeros    PaddingMode = "zeros"
	PaddingCircular PaddingMode = "circular"
)

// Geometry is everything about a job's output that follows from its kind.
type Geometry struct {
	Width       int
	Height      int
	Ext         string
	ContentType string
	Padding     PaddingMode
	// Cutout runs foreground extraction on every frame.
	Cutout bool
}

var geometries = map[Kind]Geometry{
	// Wide 2:1 for 360° wraparound; circular padding keeps the left and
	// right edges continuous.
	KindPanorama: {Width: 1024, Height: 512, Ext: "jpg", ContentType: "image/jpeg", Padding: PaddingCircular},
	KindSprite:   {Width: 512, Height: 512, Ext: "png", ContentType: "image/png", Padding: PaddingZeros, Cutout: true},
}

var ErrInvalidJob = errors.New("invalid generation job")

func (k Kind) Geometry() (Geometry, error) {
	g, ok := geometries[k]
	if !ok {
		return Geometry{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidJob, k)
	}
	return g, nil
}

// Strength of the first frame regenerates fully from the neutral canvas;
// later frames partially transform the previous one.
const (
	FirstFrameStrength = 1.0
	FeedbackStrength   = 0.5
)

// MaxFrames bounds a single job.
const MaxFrames = 64

// Job is one request to the synthesizer.
type Job struct {
	PromptA    string
	PromptB    string
	Kind       Kind
	Frames     int
	PathPrefix string
}

func (j Job) Validate() error {
	if strings.TrimSpace(j.PromptA) == "" {
		return fmt.Errorf("%w: empty prompt", ErrInvalidJob)
	}
	if _, err := j.Kind.Geometry(); err != nil {
		return err
	}
	if j.Frames <= 0 || j.Frames > MaxFrames {
		return fmt.Errorf("%w: frames=%d", ErrInvalidJob, j.Frames)
	}
	if strings.TrimSpace(j.PathPrefix) == "" {
		return fmt.Errorf("%w: empty path prefix", ErrInvalidJob)
	}
	return nil
}

// PromptFor picks the guiding prompt for frame i: the start prompt before
// the midpoint, the end prompt (if any) from the midpoint on.
func (j Job) PromptFor(i int) string {
	if i < j.Frames/2 || strings.TrimSpace(j.PromptB) == "" {
		return j.PromptA
	}
	return j.PromptB
}

func StrengthFor(i int) float64 {
	if i == 0 {
		return FirstFrameStrength
	}
	return FeedbackStrength
}

// FramePath is the blob path frame i is published under.
func (j Job) FramePath(i int) string {
	g, _ := j.Kind.Geometry()
	return j.PathPrefix + "_" + strconv.Itoa(i) + "." + g.Ext
}

// Style wraps the per-frame prompt with the house look.
type Style struct {
	Prefix         string
	PanoramaSuffix string
	SpriteSuffix   string
}

var DefaultStyle = Style{
	Prefix:         "Ink and watercolor, thick india ink lines, vintage paper texture, hazy. ",
	PanoramaSuffix: ", 360 equirectangular panorama, sepia",
	SpriteSuffix:   ", isolated cutout on white, cel shaded",
}

func (s Style) Apply(kind Kind, prompt string) string {
	suffix := s.SpriteSuffix
	if kind == KindPanorama {
		suffix = s.PanoramaSuffix
	}
	return s.Prefix + prompt + suffix
}
