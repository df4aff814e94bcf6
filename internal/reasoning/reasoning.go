// Package reasoning talks to the text reasoning service: one call turns a
// dream narrative into a hex, another computes an entity's reaction to a
// user command. The service is reached through an OpenAI-compatible chat
// completions endpoint that returns a JSON object.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dreamhex.ai/internal/hex"
	"dreamhex.ai/internal/protocol"
)

// ErrMalformed means the service answered but the payload failed schema or
// domain validation.
var ErrMalformed = errors.New("malformed reasoning response")

// ErrUnavailable means the service could not be reached or refused the call.
var ErrUnavailable = errors.New("reasoning service unavailable")

const analyzeInstructions = `You map a dream narrative onto a single hexagonal scene with exactly 7 stations.
Describe the surrounding environment in description_360; it is used as the panorama prompt.
Station 0 holds the central image of the dream. Stations 1-6 hold other entities or null entity_name.
Give each occupied station up to 5 interaction_options, a state_start and state_end animation prompt,
a greeting, and a stance from: idle, active, resting, happy, sad, angry, surprised.
Provide a kebab-case slug. Reply with one JSON object {"hex": {...}, "summary": "..."}.`

const reactInstructions = `You compute how a dream entity reacts to the user's action.
Write new_state_start and new_state_end as animation prompts built on active verbs.
Give 1-5 new_options. new_stance is one of: idle, active, resting, happy, sad, angry, surprised.
If the action uncovers a hidden secret or achieves a significant breakthrough set unlock_trigger
to "UNLOCK_NEW_DREAM", otherwise null. Reply with one JSON object.`

type Options struct {
	Endpoint   string
	Model      string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type Client struct {
	endpoint string
	model    string
	apiKey   string
	http     *http.Client
}

func New(opts Options) (*Client, error) {
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("reasoning endpoint is required")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("reasoning model is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 90 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		endpoint: endpoint,
		model:    strings.TrimSpace(opts.Model),
		apiKey:   strings.TrimSpace(opts.APIKey),
		http:     hc,
	}, nil
}

// Analysis is a freshly analyzed world plus the narrative summary.
type Analysis struct {
	World   hex.World
	Summary string
}

// Analyze turns a narrative into a world in ANALYSIS_COMPLETE with every
// station PENDING. The slug is filtered but not yet made unique.
func (c *Client) Analyze(ctx context.Context, narrative string) (Analysis, error) {
	narrative = strings.TrimSpace(narrative)
	if narrative == "" {
		return Analysis{}, fmt.Errorf("%w: empty narrative", ErrMalformed)
	}
	raw, err := c.complete(ctx, analyzeInstructions, narrative)
	if err != nil {
		return Analysis{}, err
	}
	if err := protocol.Validate(protocol.SchemaAnalysis, raw); err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var p protocol.AnalysisPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	w, err := WorldFromAnalysis(p)
	if err != nil {
		return Analysis{}, err
	}
	return Analysis{World: w, Summary: strings.TrimSpace(p.Summary)}, nil
}

// WorldFromAnalysis converts the wire payload and checks it against the
// world invariants.
func WorldFromAnalysis(p protocol.AnalysisPayload) (hex.World, error) {
	w := hex.World{
		Slug:           p.Hex.Slug,
		Title:          p.Hex.Title,
		Description360: strings.TrimSpace(p.Hex.Description360),
		CentralImagery: strings.TrimSpace(p.Hex.CentralImagery),
		Summary:        strings.TrimSpace(p.Summary),
		Status:         hex.StatusAnalysisComplete,
		Stations:       make([]hex.Station, 0, len(p.Hex.Stations)),
	}
	if hex.Slugify(w.Slug) == "" {
		w.Slug = hex.Slugify(strings.ReplaceAll(w.Title, " ", "-"))
	}
	if hex.Slugify(w.Slug) == "" {
		w.Slug = hex.DefaultSlug
	}
	for _, s := range p.Hex.Stations {
		st := hex.Station{
			ID:                 strings.TrimSpace(s.ID),
			PositionIndex:      s.PositionIndex,
			EntityName:         deref(s.EntityName),
			StateStart:         deref(s.StateStart),
			StateEnd:           deref(s.StateEnd),
			EntityGreeting:     deref(s.EntityGreeting),
			Monologue:          deref(s.Monologue),
			InteractionOptions: trimAll(s.InteractionOptions),
		}
		stance, err := hex.ParseStance(deref(s.Stance))
		if err != nil {
			return hex.World{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		st.Stance = stance
		if !st.Occupied() {
			// An empty slot carries no dialogue.
			st.InteractionOptions = []string{}
		}
		w.Stations = append(w.Stations, st)
	}
	hex.Normalize(&w)
	if err := hex.Validate(&w); err != nil {
		return hex.World{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return w, nil
}

// Scene is what the reasoning service is told about the world an entity
// lives in.
type Scene struct {
	Title       string
	Description string
	Entity      string
	State       string
	Stance      hex.Stance
}

func SceneFor(w hex.World, st hex.Station) Scene {
	return Scene{
		Title:       w.Title,
		Description: w.Description360,
		Entity:      st.EntityName,
		State:       st.StateStart,
		Stance:      st.Stance,
	}
}

func (c *Client) React(ctx context.Context, scene Scene, command string) (hex.Reaction, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return hex.Reaction{}, fmt.Errorf("%w: empty command", ErrMalformed)
	}
	query := fmt.Sprintf("World: %s. %s\nEntity: %s (%s, %s).\nUser Action: %s",
		scene.Title, scene.Description, scene.Entity, scene.State, scene.Stance, command)
	raw, err := c.complete(ctx, reactInstructions, query)
	if err != nil {
		return hex.Reaction{}, err
	}
	return ParseReaction(raw)
}

// ParseReaction validates a raw reaction payload and maps it onto the
// closed stance and unlock enumerations.
func ParseReaction(raw []byte) (hex.Reaction, error) {
	if err := protocol.Validate(protocol.SchemaReaction, raw); err != nil {
		return hex.Reaction{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var p protocol.ReactionPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return hex.Reaction{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	stance, err := hex.ParseStance(deref(p.NewStance))
	if err != nil {
		return hex.Reaction{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	unlock, err := hex.ParseUnlockSignal(deref(p.UnlockTrigger))
	if err != nil {
		return hex.Reaction{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	r := hex.Reaction{
		StateStart: strings.TrimSpace(p.NewStateStart),
		StateEnd:   strings.TrimSpace(p.NewStateEnd),
		Greeting:   strings.TrimSpace(p.NewGreeting),
		Monologue:  deref(p.NewMonologue),
		Stance:     stance,
		Options:    trimAll(p.NewOptions),
		Unlock:     unlock,
	}
	if err := hex.ValidateReaction(r); err != nil {
		return hex.Reaction{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return r, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// complete sends one system+user exchange and returns the JSON object the
// model produced.
func (c *Client) complete(ctx context.Context, system, user string) ([]byte, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: map[string]string{"type": "json_object"},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal reasoning request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build reasoning request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, res.StatusCode, strings.TrimSpace(string(b)))
	}

	var payload chatResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", ErrMalformed, err)
	}
	if len(payload.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", ErrMalformed)
	}
	content := strings.TrimSpace(payload.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("%w: empty content", ErrMalformed)
	}
	return []byte(content), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
