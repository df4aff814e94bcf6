package hex

import (
	"errors"
	"fmt"
)

var (
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrUnknownStance     = errors.New("unknown stance")
	ErrUnknownUnlock     = errors.New("unknown unlock signal")
	ErrInvalidWorld      = errors.New("invalid world")
)

// CanTransition reports whether the world may move from its current status to
// next. Guards that depend on world content (background present, stations
// done) are checked here too so callers cannot skip them.
func CanTransition(w *World, next Status) error {
	from := w.Status
	switch next {
	case StatusGeneratingEntities:
		if from != StatusAnalysisComplete && from != StatusGeneratingEntities {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, next)
		}
		if len(w.BackgroundFrames) == 0 {
			return fmt.Errorf("%w: %s -> %s without background frames", ErrIllegalTransition, from, next)
		}
	case StatusComplete:
		if from != StatusGeneratingEntities && from != StatusComplete {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, next)
		}
		for _, i := range w.Occupied() {
			if w.Stations[i].AssetStatus != AssetComplete {
				return fmt.Errorf("%w: station %s still %s", ErrIllegalTransition, w.Stations[i].ID, w.Stations[i].AssetStatus)
			}
		}
	case StatusError:
		if from == StatusComplete {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, next)
		}
	case StatusAnalysisComplete:
		// Only Reset re-enters the start state.
		return fmt.Errorf("%w: use Reset to re-enter %s", ErrIllegalTransition, next)
	default:
		return fmt.Errorf("%w: unknown status %q", ErrIllegalTransition, next)
	}
	return nil
}

// Transition applies next after checking CanTransition.
func Transition(w *World, next Status) error {
	if err := CanTransition(w, next); err != nil {
		return err
	}
	w.Status = next
	return nil
}

// CompleteStation records a station's published sprite frames. Unoccupied
// stations are inert and empty frame lists are refused.
func CompleteStation(s *Station, frames []string) error {
	if !s.Occupied() {
		return fmt.Errorf("%w: station %s is unoccupied", ErrIllegalTransition, s.ID)
	}
	if len(frames) == 0 {
		return fmt.Errorf("%w: station %s has no sprite frames", ErrIllegalTransition, s.ID)
	}
	s.SpriteFrames = append([]string(nil), frames...)
	s.AssetStatus = AssetComplete
	return nil
}

// Reset returns the world to the start state for reprocessing: generated
// asset fields are cleared, slug and station identities are kept, and the
// generation counter advances so in-flight runs of the old generation go
// stale.
func Reset(w *World) {
	w.Status = StatusAnalysisComplete
	w.BackgroundFrames = []string{}
	for i := range w.Stations {
		w.Stations[i].SpriteFrames = []string{}
		w.Stations[i].AssetStatus = AssetPending
		w.Stations[i].RegenID = ""
	}
	w.Generation++
}
