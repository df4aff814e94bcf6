// Package localblob publishes frames to a directory served over HTTP, for
// single-host deployments without an object store.
package localblob

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"
)

type Store struct {
	dir        string
	publicBase string

	written atomic.Uint64
	bytes   atomic.Uint64
}

func New(dir, publicBaseURL string) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("localblob: empty dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Store{dir: dir, publicBase: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/")}, nil
}

// Publish writes data atomically (temp file + rename) so a reader never sees
// a partial frame.
func (s *Store) Publish(ctx context.Context, objectPath, contentType string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := cleanKey(objectPath)
	if key == "" {
		return "", fmt.Errorf("localblob: invalid path %q", objectPath)
	}
	dst := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".frame-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		_ = os.Remove(tmp.Name())
		return "", err
	}
	s.written.Add(1)
	s.bytes.Add(uint64(len(data)))
	return s.URL(key), nil
}

func (s *Store) URL(key string) string {
	parts := strings.Split(key, "/")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	return s.publicBase + "/" + strings.Join(parts, "/")
}

// Handler serves the stored frames. Mount it with http.StripPrefix. Frame
// paths carry the run generation or regeneration id and are written once.
func (s *Store) Handler() http.Handler {
	fs := http.FileServer(http.Dir(s.dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		fs.ServeHTTP(w, r)
	})
}

type Stats struct {
	Written uint64
	Bytes   uint64
}

func (s *Store) Stats() Stats {
	return Stats{Written: s.written.Load(), Bytes: s.bytes.Load()}
}

func cleanKey(key string) string {
	key = strings.TrimSpace(strings.ReplaceAll(key, "\\", "/"))
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return ""
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return ""
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || clean == "." || strings.HasPrefix(clean, "../") {
		return ""
	}
	return clean
}
