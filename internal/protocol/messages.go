package protocol

import "dreamhex.ai/internal/hex"

// POST /api/dreams/report
type ReportRequest struct {
	UserID     string `json:"user_id"`
	ReportText string `json:"report_text"`
}

// POST /api/dreams/interact
type InteractRequest struct {
	UserID      string `json:"user_id"`
	DreamID     string `json:"dream_id"`
	StationID   string `json:"station_id"`
	UserCommand string `json:"user_command"`
}

type InteractResponse struct {
	Station hex.Station `json:"station"`
	Unlock  bool        `json:"unlock"`
}

// POST /api/warmup
type WarmupRequest struct {
	UserID string `json:"user_id,omitempty"`
}

// DELETE /api/dreams/{id}, POST /api/dreams/reprocess/{id}
type DreamAction struct {
	UserID string `json:"user_id"`
}

type DreamSummary struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      hex.Status `json:"status"`
	Thumbnail   *string    `json:"thumbnail"`
}

type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Worker wire format for one generation job.
type GenerateRequest struct {
	PromptA    string  `json:"prompt_a"`
	PromptB    *string `json:"prompt_b"`
	Type       string  `json:"type"`
	Frames     int     `json:"frames"`
	PathPrefix string  `json:"path_prefix"`
}

type GenerateResponse struct {
	Frames []string `json:"frames"`
}

// AnalysisPayload is what the reasoning service returns for a narrative.
type AnalysisPayload struct {
	Hex     AnalysisHex `json:"hex"`
	Summary string      `json:"summary"`
}

type AnalysisHex struct {
	Title          string            `json:"title"`
	Slug           string            `json:"slug"`
	Description360 string            `json:"description_360"`
	CentralImagery string            `json:"central_imagery"`
	Stations       []AnalysisStation `json:"stations"`
}

type AnalysisStation struct {
	ID                 string   `json:"id"`
	PositionIndex      int      `json:"position_index"`
	EntityName         *string  `json:"entity_name"`
	StateStart         *string  `json:"state_start"`
	StateEnd           *string  `json:"state_end"`
	EntityGreeting     *string  `json:"entity_greeting"`
	Monologue          *string  `json:"monologue"`
	Stance             *string  `json:"stance"`
	InteractionOptions []string `json:"interaction_options"`
}

// ReactionPayload is what the reasoning service returns for a command.
type ReactionPayload struct {
	NewStateStart string   `json:"new_state_start"`
	NewStateEnd   string   `json:"new_state_end"`
	NewGreeting   string   `json:"new_greeting"`
	NewMonologue  *string  `json:"new_monologue"`
	NewStance     *string  `json:"new_stance"`
	NewOptions    []string `json:"new_options"`
	UnlockTrigger *string  `json:"unlock_trigger"`
}

// WatchMsg is pushed on the websocket stream whenever a world changes.
type WatchMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	World           *hex.World `json:"world,omitempty"`
}
