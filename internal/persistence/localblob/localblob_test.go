package localblob

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestPublish_WritesAndServes(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "http://localhost:8080/assets/")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ref, err := s.Publish(context.Background(), "serpent/background/bg_0.jpg", "image/jpeg", []byte("jpeg-bytes"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if ref != "http://localhost:8080/assets/serpent/background/bg_0.jpg" {
		t.Fatalf("ref=%q", ref)
	}
	b, err := os.ReadFile(filepath.Join(dir, "serpent", "background", "bg_0.jpg"))
	if err != nil || string(b) != "jpeg-bytes" {
		t.Fatalf("file content=%q err=%v", b, err)
	}
	entries, _ := os.ReadDir(filepath.Join(dir, "serpent", "background"))
	if len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}

	srv := httptest.NewServer(http.StripPrefix("/assets", s.Handler()))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/assets/serpent/background/bg_0.jpg")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "jpeg-bytes" {
		t.Fatalf("status=%d body=%q", resp.StatusCode, body)
	}

	dirResp, err := http.Get(srv.URL + "/assets/serpent/")
	if err != nil {
		t.Fatalf("get dir: %v", err)
	}
	dirResp.Body.Close()
	if dirResp.StatusCode != http.StatusNotFound {
		t.Fatalf("directory listing should be hidden, status=%d", dirResp.StatusCode)
	}

	if st := s.Stats(); st.Written != 1 || st.Bytes != uint64(len("jpeg-bytes")) {
		t.Fatalf("stats=%+v", st)
	}
}

func TestPublish_RejectsTraversal(t *testing.T) {
	s, _ := New(t.TempDir(), "http://x")
	for _, p := range []string{"", "../escape.png", "/"} {
		if _, err := s.Publish(context.Background(), p, "image/png", []byte("x")); err == nil {
			t.Fatalf("path %q should be rejected", p)
		}
	}
}
