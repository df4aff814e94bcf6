package hex

import (
	"fmt"
	"strconv"
	"strings"
)

// Normalize fills the defaults a freshly analyzed world needs before it can
// be validated and stored: slug filtering, station ids, empty asset fields,
// PENDING asset status, the start status.
func Normalize(w *World) {
	w.Slug = Slugify(w.Slug)
	w.Title = strings.TrimSpace(w.Title)
	if w.BackgroundFrames == nil {
		w.BackgroundFrames = []string{}
	}
	if w.Status == "" {
		w.Status = StatusAnalysisComplete
	}
	for i := range w.Stations {
		s := &w.Stations[i]
		s.EntityName = strings.TrimSpace(s.EntityName)
		if strings.TrimSpace(s.ID) == "" {
			s.ID = "s" + strconv.Itoa(s.PositionIndex)
		}
		if s.Stance == "" {
			s.Stance = StanceIdle
		}
		if s.InteractionOptions == nil {
			s.InteractionOptions = []string{}
		}
		if s.SpriteFrames == nil {
			s.SpriteFrames = []string{}
		}
		if s.AssetStatus == "" {
			s.AssetStatus = AssetPending
		}
	}
}

// Validate checks the structural constraints the pipeline relies on. A world
// that fails validation never gets a generation job issued for it.
func Validate(w *World) error {
	if w.Slug == "" || Slugify(w.Slug) != w.Slug {
		return fmt.Errorf("%w: bad slug %q", ErrInvalidWorld, w.Slug)
	}
	if strings.TrimSpace(w.Description360) == "" {
		return fmt.Errorf("%w: empty description_360", ErrInvalidWorld)
	}
	if !w.Status.Valid() {
		return fmt.Errorf("%w: bad status %q", ErrInvalidWorld, w.Status)
	}
	if len(w.Stations) != StationCount {
		return fmt.Errorf("%w: want %d stations, got %d", ErrInvalidWorld, StationCount, len(w.Stations))
	}
	seen := make(map[string]struct{}, StationCount)
	for i, s := range w.Stations {
		if s.PositionIndex != i {
			return fmt.Errorf("%w: station %d has position_index %d", ErrInvalidWorld, i, s.PositionIndex)
		}
		if s.ID == "" {
			return fmt.Errorf("%w: station %d has no id", ErrInvalidWorld, i)
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("%w: duplicate station id %q", ErrInvalidWorld, s.ID)
		}
		seen[s.ID] = struct{}{}
		if _, err := ParseStance(string(s.Stance)); err != nil {
			return fmt.Errorf("%w: station %s: %v", ErrInvalidWorld, s.ID, err)
		}
		if !s.Occupied() {
			continue
		}
		if strings.TrimSpace(s.StateStart) == "" {
			return fmt.Errorf("%w: station %s has no state_start", ErrInvalidWorld, s.ID)
		}
		if n := len(s.InteractionOptions); n < MinOptions || n > MaxOptions {
			return fmt.Errorf("%w: station %s has %d interaction options", ErrInvalidWorld, s.ID, n)
		}
	}
	if !w.Stations[0].Occupied() {
		return fmt.Errorf("%w: station 0 must hold the central entity", ErrInvalidWorld)
	}
	return nil
}

// ValidateReaction applies the same bounds to a reaction before it mutates a
// station.
func ValidateReaction(r Reaction) error {
	if strings.TrimSpace(r.StateStart) == "" {
		return fmt.Errorf("%w: reaction has no state_start", ErrInvalidWorld)
	}
	if n := len(r.Options); n < MinOptions || n > MaxOptions {
		return fmt.Errorf("%w: reaction has %d options", ErrInvalidWorld, n)
	}
	if _, err := ParseStance(string(r.Stance)); err != nil {
		return err
	}
	if _, err := ParseUnlockSignal(string(r.Unlock)); err != nil {
		return err
	}
	return nil
}
