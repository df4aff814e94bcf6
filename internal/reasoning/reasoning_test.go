package reasoning

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"dreamhex.ai/internal/hex"
	"dreamhex.ai/internal/protocol"
)

const analysisJSON = `{
  "summary": "A chase through a glass cathedral.",
  "hex": {
    "title": "Chased by a Golden Serpent",
    "slug": "Chased By A Golden Serpent!",
    "description_360": "a glass cathedral at dusk, shattered windows",
    "central_imagery": "serpent",
    "stations": [
      {"id":"s0","position_index":0,"entity_name":"golden serpent","state_start":"coiled on the altar","state_end":"rearing up","entity_greeting":"Hsss.","monologue":null,"stance":"angry","interaction_options":["run","hide","speak"]},
      {"id":"s1","position_index":1,"entity_name":null,"state_start":null,"state_end":null,"entity_greeting":null,"monologue":null,"stance":null,"interaction_options":[]},
      {"id":"s2","position_index":2,"entity_name":"stained-glass monk","state_start":"praying","state_end":"turning","entity_greeting":"Peace.","stance":"resting","interaction_options":["bow"]},
      {"position_index":3,"entity_name":null,"interaction_options":[]},
      {"position_index":4,"entity_name":null,"interaction_options":[]},
      {"position_index":5,"entity_name":null,"interaction_options":[]},
      {"position_index":6,"entity_name":null,"interaction_options":[]}
    ]
  }
}`

func chatServer(t *testing.T, content string, seen *chatRequest) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if seen != nil {
			_ = json.NewDecoder(r.Body).Decode(seen)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"role": "assistant", "content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(Options{Endpoint: url, Model: "test-model", APIKey: "sk-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestAnalyze_BuildsPendingWorld(t *testing.T) {
	var seen chatRequest
	srv := chatServer(t, analysisJSON, &seen)
	c := newTestClient(t, srv.URL)

	a, err := c.Analyze(context.Background(), "I was chased by a golden serpent through a cathedral.")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	w := a.World
	if w.Slug != "chasedbyagoldenserpent" {
		t.Fatalf("slug=%q", w.Slug)
	}
	if w.Status != hex.StatusAnalysisComplete || len(w.Stations) != 7 || len(w.BackgroundFrames) != 0 {
		t.Fatalf("world=%+v", w)
	}
	if w.Stations[3].ID != "s3" || w.Stations[1].Stance != hex.StanceIdle {
		t.Fatalf("normalization missing: %+v %+v", w.Stations[3], w.Stations[1])
	}
	for _, st := range w.Stations {
		if st.AssetStatus != hex.AssetPending {
			t.Fatalf("station %s asset=%s", st.ID, st.AssetStatus)
		}
	}
	if got := w.Occupied(); len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("occupied=%v", got)
	}
	if a.Summary != "A chase through a glass cathedral." {
		t.Fatalf("summary=%q", a.Summary)
	}
	if seen.Model != "test-model" || len(seen.Messages) != 2 || seen.Messages[1].Role != "user" {
		t.Fatalf("request=%+v", seen)
	}
	if seen.ResponseFormat["type"] != "json_object" {
		t.Fatalf("response_format=%v", seen.ResponseFormat)
	}
}

func TestAnalyze_RejectsWrongStationCount(t *testing.T) {
	var p map[string]any
	_ = json.Unmarshal([]byte(analysisJSON), &p)
	h := p["hex"].(map[string]any)
	h["stations"] = h["stations"].([]any)[:6]
	b, _ := json.Marshal(p)

	srv := chatServer(t, string(b), nil)
	c := newTestClient(t, srv.URL)
	if _, err := c.Analyze(context.Background(), "short dream"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestAnalyze_RejectsUnknownStance(t *testing.T) {
	bad := strings.Replace(analysisJSON, `"stance":"angry"`, `"stance":"smug"`, 1)
	srv := chatServer(t, bad, nil)
	c := newTestClient(t, srv.URL)
	if _, err := c.Analyze(context.Background(), "dream"); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestReact_ParsesReaction(t *testing.T) {
	var seen chatRequest
	srv := chatServer(t, "```json\n"+`{"new_state_start":"serpent uncoils","new_state_end":"serpent bows","new_greeting":"You are brave.","new_monologue":"It has been long.","new_stance":"surprised","new_options":["bow back","flee"],"unlock_trigger":"UNLOCK_NEW_DREAM"}`+"\n```", &seen)
	c := newTestClient(t, srv.URL)

	r, err := c.React(context.Background(), Scene{Title: "Chased", Entity: "golden serpent", State: "coiled", Stance: hex.StanceAngry}, "bow")
	if err != nil {
		t.Fatalf("React: %v", err)
	}
	if r.Stance != hex.StanceSurprised || r.Unlock != hex.UnlockNewDream || len(r.Options) != 2 || r.Monologue != "It has been long." {
		t.Fatalf("reaction=%+v", r)
	}
	if !strings.Contains(seen.Messages[1].Content, "golden serpent") || !strings.Contains(seen.Messages[1].Content, "User Action: bow") {
		t.Fatalf("query=%q", seen.Messages[1].Content)
	}
}

func TestParseReaction_Rejects(t *testing.T) {
	cases := map[string]string{
		"no options":    `{"new_state_start":"a","new_state_end":"b","new_greeting":"c","new_options":[]}`,
		"bad unlock":    `{"new_state_start":"a","new_state_end":"b","new_greeting":"c","new_options":["x"],"unlock_trigger":"WIN"}`,
		"empty start":   `{"new_state_start":"","new_state_end":"b","new_greeting":"c","new_options":["x"]}`,
		"not an object": `["x"]`,
		"blank options": `{"new_state_start":"a","new_state_end":"b","new_greeting":"c","new_options":["  "]}`,
	}
	for name, raw := range cases {
		if _, err := ParseReaction([]byte(raw)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: expected ErrMalformed, got %v", name, err)
		}
	}
	r, err := ParseReaction([]byte(`{"new_state_start":"a","new_state_end":"b","new_greeting":"c","new_options":["x"],"new_stance":null,"unlock_trigger":null}`))
	if err != nil {
		t.Fatalf("nulls: %v", err)
	}
	if r.Stance != hex.StanceIdle || r.Unlock != hex.UnlockNone {
		t.Fatalf("defaults: %+v", r)
	}
}

func TestComplete_ServiceErrorIsNotMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)
	_, err := c.React(context.Background(), Scene{Entity: "x"}, "poke")
	if !errors.Is(err, ErrUnavailable) || errors.Is(err, ErrMalformed) || !strings.Contains(err.Error(), "503") {
		t.Fatalf("err=%v", err)
	}
}

func TestWorldFromAnalysis_EmptySlugFallsBack(t *testing.T) {
	var p protocol.AnalysisPayload
	if err := json.Unmarshal([]byte(analysisJSON), &p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	p.Hex.Slug = "蛇の夢"
	p.Hex.Title = "蛇の夢"

	w, err := WorldFromAnalysis(p)
	if err != nil {
		t.Fatalf("WorldFromAnalysis: %v", err)
	}
	if w.Slug != hex.DefaultSlug || w.Title != "蛇の夢" {
		t.Fatalf("slug=%q title=%q", w.Slug, w.Title)
	}
}
