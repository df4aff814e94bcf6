// Package blob opens the configured frame store.
package blob

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"

	"dreamhex.ai/internal/config"
	"dreamhex.ai/internal/persistence/localblob"
	"dreamhex.ai/internal/persistence/r2s3"
)

// Store wraps whichever backend the config selects. Exactly one of Local
// and R2 is set.
type Store struct {
	Backend string
	Local   *localblob.Store
	R2      *r2s3.Publisher
}

func Open(spec config.BlobSpec, logger *log.Logger) (*Store, error) {
	switch spec.Backend {
	case config.BlobLocal, "":
		local, err := localblob.New(spec.LocalDir, spec.PublicBaseURL)
		if err != nil {
			return nil, err
		}
		return &Store{Backend: config.BlobLocal, Local: local}, nil
	case config.BlobR2:
		if spec.R2.AccessKeyID == "" || spec.R2.SecretAccessKey == "" {
			return nil, fmt.Errorf("blob.backend=r2 but DREAMHEX_R2_ACCESS_KEY_ID/DREAMHEX_R2_SECRET_ACCESS_KEY are not set")
		}
		client, err := r2s3.New(spec.R2.Endpoint, spec.R2.Bucket, spec.R2.AccessKeyID, spec.R2.SecretAccessKey)
		if err != nil {
			return nil, err
		}
		pub := r2s3.NewPublisher(client, spec.R2.Prefix, spec.PublicBaseURL, spec.UploadAttempts, logger)
		return &Store{Backend: config.BlobR2, R2: pub}, nil
	default:
		return nil, fmt.Errorf("unsupported blob backend: %s", spec.Backend)
	}
}

func (s *Store) Publish(ctx context.Context, path, contentType string, data []byte) (string, error) {
	if s.R2 != nil {
		return s.R2.Publish(ctx, path, contentType, data)
	}
	return s.Local.Publish(ctx, path, contentType, data)
}

// Assets serves published frames when they live on local disk, else nil.
func (s *Store) Assets() http.Handler {
	if s.Local == nil {
		return nil
	}
	return s.Local.Handler()
}

// WriteMetrics appends the backend's counters in Prometheus text format.
func (s *Store) WriteMetrics(w io.Writer, ns string) {
	if s.R2 != nil {
		st := s.R2.Stats()
		fmt.Fprintf(w, "# HELP %s_blob_upload_success_total Total successful frame uploads.\n", ns)
		fmt.Fprintf(w, "# TYPE %s_blob_upload_success_total counter\n", ns)
		fmt.Fprintf(w, "%s_blob_upload_success_total{backend=%q} %d\n", ns, s.Backend, st.UploadSuccessTotal)
		fmt.Fprintf(w, "# HELP %s_blob_upload_fail_total Total frame uploads that failed after retry.\n", ns)
		fmt.Fprintf(w, "# TYPE %s_blob_upload_fail_total counter\n", ns)
		fmt.Fprintf(w, "%s_blob_upload_fail_total{backend=%q} %d\n", ns, s.Backend, st.UploadFailTotal)
		fmt.Fprintf(w, "# HELP %s_blob_upload_retry_total Total upload retries.\n", ns)
		fmt.Fprintf(w, "# TYPE %s_blob_upload_retry_total counter\n", ns)
		fmt.Fprintf(w, "%s_blob_upload_retry_total{backend=%q} %d\n", ns, s.Backend, st.RetryTotal)
		fmt.Fprintf(w, "# HELP %s_blob_last_success_unix Unix timestamp of the last successful upload.\n", ns)
		fmt.Fprintf(w, "# TYPE %s_blob_last_success_unix gauge\n", ns)
		fmt.Fprintf(w, "%s_blob_last_success_unix{backend=%q} %d\n", ns, s.Backend, st.LastSuccessUnix)
		return
	}
	st := s.Local.Stats()
	fmt.Fprintf(w, "# HELP %s_blob_frames_written_total Total frames written to local disk.\n", ns)
	fmt.Fprintf(w, "# TYPE %s_blob_frames_written_total counter\n", ns)
	fmt.Fprintf(w, "%s_blob_frames_written_total{backend=%q} %d\n", ns, s.Backend, st.Written)
	fmt.Fprintf(w, "# HELP %s_blob_bytes_written_total Total bytes written to local disk.\n", ns)
	fmt.Fprintf(w, "# TYPE %s_blob_bytes_written_total counter\n", ns)
	fmt.Fprintf(w, "%s_blob_bytes_written_total{backend=%q} %d\n", ns, s.Backend, st.Bytes)
}
