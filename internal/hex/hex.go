package hex

import (
	"fmt"
	"strings"
	"time"
)

// StationCount is the fixed number of stations in every world. Station 0 is
// the central entity, 1..6 are the secondary slots.
const StationCount = 7

const (
	MinOptions = 1
	MaxOptions = 5
)

type Status string

const (
	StatusAnalysisComplete   Status = "ANALYSIS_COMPLETE"
	StatusGeneratingEntities Status = "GENERATING_ENTITIES"
	StatusComplete           Status = "COMPLETE"
	StatusError              Status = "ERROR"
)

func (s Status) Valid() bool {
	switch s {
	case StatusAnalysisComplete, StatusGeneratingEntities, StatusComplete, StatusError:
		return true
	}
	return false
}

// Terminal reports whether a generation run ends in s.
func (s Status) Terminal() bool { return s == StatusComplete || s == StatusError }

type AssetStatus string

const (
	AssetPending  AssetStatus = "PENDING"
	AssetComplete AssetStatus = "COMPLETE"
)

type Stance string

const (
	StanceIdle      Stance = "idle"
	StanceActive    Stance = "active"
	StanceResting   Stance = "resting"
	StanceHappy     Stance = "happy"
	StanceSad       Stance = "sad"
	StanceAngry     Stance = "angry"
	StanceSurprised Stance = "surprised"
)

var stances = []Stance{
	StanceIdle,
	StanceActive,
	StanceResting,
	StanceHappy,
	StanceSad,
	StanceAngry,
	StanceSurprised,
}

// Stances returns the closed stance enumeration in declaration order.
func Stances() []Stance { return append([]Stance(nil), stances...) }

// ParseStance maps free text from the reasoning service onto the enumeration.
// Out-of-set values are rejected rather than stored.
func ParseStance(s string) (Stance, error) {
	v := Stance(strings.ToLower(strings.TrimSpace(s)))
	if v == "" {
		return StanceIdle, nil
	}
	for _, st := range stances {
		if st == v {
			return v, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStance, s)
}

// UnlockSignal is the optional side-effect marker attached to a reaction.
type UnlockSignal string

const (
	UnlockNone     UnlockSignal = ""
	UnlockNewDream UnlockSignal = "UNLOCK_NEW_DREAM"
)

func ParseUnlockSignal(s string) (UnlockSignal, error) {
	switch v := UnlockSignal(strings.TrimSpace(s)); v {
	case UnlockNone, UnlockNewDream:
		return v, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownUnlock, s)
	}
}

type Station struct {
	ID                 string      `json:"id"`
	PositionIndex      int         `json:"position_index"`
	EntityName         string      `json:"entity_name,omitempty"`
	StateStart         string      `json:"state_start,omitempty"`
	StateEnd           string      `json:"state_end,omitempty"`
	EntityGreeting     string      `json:"entity_greeting,omitempty"`
	Monologue          string      `json:"monologue,omitempty"`
	InteractionOptions []string    `json:"interaction_options"`
	Stance             Stance      `json:"stance"`
	SpriteFrames       []string    `json:"sprite_frames"`
	AssetStatus        AssetStatus `json:"asset_status"`
	RegenID            string      `json:"regen_id,omitempty"`
}

// Occupied reports whether the slot holds an entity. Unoccupied slots are
// skipped by generation and never change asset status.
func (s Station) Occupied() bool { return strings.TrimSpace(s.EntityName) != "" }

// World is one generated hex: a background plus seven stations.
type World struct {
	Slug             string    `json:"id"`
	OwnerID          string    `json:"owner_id,omitempty"`
	Title            string    `json:"title"`
	Description360   string    `json:"description_360"`
	CentralImagery   string    `json:"central_imagery,omitempty"`
	Summary          string    `json:"summary,omitempty"`
	Stations         []Station `json:"stations"`
	BackgroundFrames []string  `json:"background_frames"`
	Status           Status    `json:"status"`
	Generation       int64     `json:"generation"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// StationByID returns the index of the station with id, or -1.
func (w *World) StationByID(id string) int {
	for i := range w.Stations {
		if w.Stations[i].ID == id {
			return i
		}
	}
	return -1
}

// Occupied returns the indices of occupied stations in position order.
func (w *World) Occupied() []int {
	out := make([]int, 0, len(w.Stations))
	for i := range w.Stations {
		if w.Stations[i].Occupied() {
			out = append(out, i)
		}
	}
	return out
}

// Clone returns a deep copy so callers can mutate without aliasing slices.
func (w World) Clone() World {
	out := w
	out.BackgroundFrames = append([]string(nil), w.BackgroundFrames...)
	out.Stations = make([]Station, len(w.Stations))
	for i, s := range w.Stations {
		s.InteractionOptions = append([]string(nil), s.InteractionOptions...)
		s.SpriteFrames = append([]string(nil), s.SpriteFrames...)
		out.Stations[i] = s
	}
	return out
}

// Reaction is the reasoning service's response to a user command against
// one station.
type Reaction struct {
	StateStart string
	StateEnd   string
	Greeting   string
	Monologue  string
	Stance     Stance
	Options    []string
	Unlock     UnlockSignal
}
