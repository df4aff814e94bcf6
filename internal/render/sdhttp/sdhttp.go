// Package sdhttp drives an image-to-image diffusion server and a background
// removal endpoint over HTTP. Images travel as base64 PNG.
package sdhttp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"dreamhex.ai/internal/render"
)

const (
	pathLoad    = "/v1/load"
	pathImg2Img = "/v1/img2img"
	pathCutout  = "/v1/remove-background"
)

type LoadRequest struct {
	Steps    int     `json:"steps"`
	Guidance float64 `json:"guidance_scale"`
}

type Img2ImgRequest struct {
	Prompt      string  `json:"prompt"`
	Image       string  `json:"image"`
	Strength    float64 `json:"strength"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Steps       int     `json:"num_inference_steps"`
	Guidance    float64 `json:"guidance_scale"`
	PaddingMode string  `json:"padding_mode"`
}

type ImageRequest struct {
	Image string `json:"image"`
}

type ImageResponse struct {
	Image string `json:"image"`
}

// Backend is both the Loader and the loaded Model/Matting pair. The server
// is stateless, so the padding mode is held here and sent with every call.
type Backend struct {
	base string
	http *http.Client
	load LoadRequest

	mu      sync.Mutex
	padding render.PaddingMode
}

func New(baseURL string, timeout time.Duration, steps int, guidance float64) (*Backend, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("inference url is required")
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Backend{
		base:    base,
		http:    &http.Client{Timeout: timeout},
		load:    LoadRequest{Steps: steps, Guidance: guidance},
		padding: render.PaddingZeros,
	}, nil
}

// Load asks the server to load the pipeline and matting session and waits
// for it to report ready.
func (b *Backend) Load(ctx context.Context) (render.Model, render.Matting, error) {
	if err := b.post(ctx, pathLoad, b.load, nil); err != nil {
		return nil, nil, err
	}
	return b, b, nil
}

func (b *Backend) SetPadding(_ context.Context, mode render.PaddingMode) error {
	switch mode {
	case render.PaddingZeros, render.PaddingCircular:
	default:
		return fmt.Errorf("unknown padding mode %q", mode)
	}
	b.mu.Lock()
	b.padding = mode
	b.mu.Unlock()
	return nil
}

func (b *Backend) Generate(ctx context.Context, step render.Step) (image.Image, error) {
	src, err := encodePNG(step.Init)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	padding := b.padding
	b.mu.Unlock()

	var resp ImageResponse
	err = b.post(ctx, pathImg2Img, Img2ImgRequest{
		Prompt:      step.Prompt,
		Image:       src,
		Strength:    step.Strength,
		Width:       step.Width,
		Height:      step.Height,
		Steps:       step.Steps,
		Guidance:    step.Guidance,
		PaddingMode: string(padding),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return decodeImage(resp.Image)
}

func (b *Backend) Cutout(ctx context.Context, img image.Image) (image.Image, error) {
	in, err := encodePNG(img)
	if err != nil {
		return nil, err
	}
	var resp ImageResponse
	if err := b.post(ctx, pathCutout, ImageRequest{Image: in}, &resp); err != nil {
		return nil, err
	}
	return decodeImage(resp.Image)
}

func (b *Backend) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("inference %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("inference %s status=%d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("inference %s: decode: %w", path, err)
	}
	return nil
}

func encodePNG(img image.Image) (string, error) {
	if img == nil {
		return "", fmt.Errorf("nil image")
	}
	b, err := render.Encode(img, "image/png")
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func decodeImage(s string) (image.Image, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ","); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return render.Decode(raw)
}
