package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dreamhex.ai/internal/hex"
	"dreamhex.ai/internal/persistence/docstore"
	"dreamhex.ai/internal/persistence/eventlog"
	"dreamhex.ai/internal/render"
)

// errSuperseded aborts a regeneration merge after a newer interaction (or a
// reprocess) replaced the station's regen id.
var errSuperseded = errors.New("regeneration superseded")

// NewRegenID returns the 8-hex-char discriminator that keeps each
// regeneration's paths and references distinct.
func NewRegenID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func RegenPrefix(slug, stationID, regenID string) string {
	return slug + "/stations/" + stationID + "/regen-" + regenID + "/frame"
}

// CacheBust appends the discriminator so clients never reuse a cached frame
// from an earlier regeneration.
func CacheBust(refs []string, regenID string) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		sep := "?"
		if strings.Contains(r, "?") {
			sep = "&"
		}
		out[i] = r + sep + "t=" + regenID
	}
	return out
}

type regenRequest struct {
	Slug      string
	StationID string
	RegenID   string
	PromptA   string
	PromptB   string
}

// regenerate renders new sprites for one station and merges them in only if
// the station still carries this regeneration's id. Failures leave the
// previous sprites in place.
func (s *Service) regenerate(ctx context.Context, r regenRequest) error {
	ev := eventlog.Event{Slug: r.Slug, StationID: r.StationID, RegenID: r.RegenID, Kind: string(render.KindSprite)}
	ev.Event = eventlog.RegenStarted
	s.emit(ev)

	jobCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()
	start := time.Now()
	refs, err := s.gen.GenerateFrames(jobCtx, render.Job{
		PromptA:    r.PromptA,
		PromptB:    r.PromptB,
		Kind:       render.KindSprite,
		Frames:     s.frames.Sprite,
		PathPrefix: RegenPrefix(r.Slug, r.StationID, r.RegenID),
	})
	if err == nil && len(refs) == 0 {
		err = ErrNoFrames
	}
	ev.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		ev.Event, ev.Error = eventlog.RegenFailed, err.Error()
		s.emit(ev)
		s.regenFailed.Add(1)
		return fmt.Errorf("regenerate %s/%s: %w", r.Slug, r.StationID, err)
	}

	frames := CacheBust(refs, r.RegenID)
	_, err = s.store.UpdateStation(ctx, r.Slug, r.StationID, docstore.AnyGeneration, func(st *hex.Station) error {
		if st.RegenID != r.RegenID {
			return errSuperseded
		}
		return hex.CompleteStation(st, frames)
	})
	switch {
	case errors.Is(err, errSuperseded):
		ev.Event = eventlog.RegenSkipped
		s.emit(ev)
		s.printf("regen superseded slug=%s station=%s regen=%s", r.Slug, r.StationID, r.RegenID)
		return nil
	case err != nil:
		ev.Event, ev.Error = eventlog.RegenFailed, err.Error()
		s.emit(ev)
		s.regenFailed.Add(1)
		return fmt.Errorf("regenerate %s/%s: %w", r.Slug, r.StationID, err)
	}
	ev.Event, ev.Frames = eventlog.RegenFinished, len(frames)
	s.emit(ev)
	s.regenDone.Add(1)
	s.printf("regen done slug=%s station=%s regen=%s frames=%d", r.Slug, r.StationID, r.RegenID, len(frames))
	return nil
}
