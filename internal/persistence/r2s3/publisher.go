package r2s3

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"sync/atomic"
	"time"
)

type Stats struct {
	UploadSuccessTotal uint64
	UploadFailTotal    uint64
	RetryTotal         uint64
	LastSuccessUnix    int64
	LastErrorUnix      int64
}

// Publisher writes rendered frames to the bucket and hands back their public
// URL. Uploads are synchronous so the reference exists before it is recorded.
type Publisher struct {
	client     *Client
	prefix     string
	publicBase string
	attempts   int
	logger     *log.Logger

	// sleep is swapped in tests.
	sleep func(context.Context, time.Duration) error

	uploadSuccessTotal atomic.Uint64
	uploadFailTotal    atomic.Uint64
	retryTotal         atomic.Uint64
	lastSuccessUnix    atomic.Int64
	lastErrorUnix      atomic.Int64
}

func NewPublisher(client *Client, prefix, publicBaseURL string, attempts int, logger *log.Logger) *Publisher {
	if attempts <= 0 {
		attempts = 4
	}
	return &Publisher{
		client:     client,
		prefix:     strings.Trim(strings.ReplaceAll(prefix, "\\", "/"), "/"),
		publicBase: strings.TrimRight(strings.TrimSpace(publicBaseURL), "/"),
		attempts:   attempts,
		logger:     logger,
		sleep:      sleepCtx,
	}
}

func (p *Publisher) Publish(ctx context.Context, objectPath, contentType string, data []byte) (string, error) {
	key := normalizeObjectKey(objectPath)
	if key == "" {
		return "", fmt.Errorf("invalid object path %q", objectPath)
	}
	if p.prefix != "" {
		key = path.Join(p.prefix, key)
	}
	if err := p.putWithRetry(ctx, key, contentType, data); err != nil {
		p.uploadFailTotal.Add(1)
		p.lastErrorUnix.Store(time.Now().UTC().Unix())
		p.printf("r2 upload failed key=%s bytes=%d err=%v", key, len(data), err)
		return "", err
	}
	p.uploadSuccessTotal.Add(1)
	p.lastSuccessUnix.Store(time.Now().UTC().Unix())
	return p.PublicURL(key), nil
}

// PublicURL maps an object key to its public address. Without a public base
// the bucket path on the endpoint is used.
func (p *Publisher) PublicURL(key string) string {
	escaped := escapePath(key)
	if p.publicBase != "" {
		return p.publicBase + "/" + escaped
	}
	return p.client.endpoint + "/" + p.client.bucket + "/" + escaped
}

func (p *Publisher) putWithRetry(ctx context.Context, key, contentType string, data []byte) error {
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		err := p.client.PutObject(ctx, key, contentType, data)
		if err == nil {
			return nil
		}
		lastErr = err
		var pe *PutError
		if ctx.Err() != nil || (errors.As(err, &pe) && !pe.Retryable()) {
			return lastErr
		}
		if attempt < p.attempts {
			p.retryTotal.Add(1)
			backoff := time.Duration(attempt*attempt) * 200 * time.Millisecond
			if err := p.sleep(ctx, backoff); err != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

func (p *Publisher) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	return Stats{
		UploadSuccessTotal: p.uploadSuccessTotal.Load(),
		UploadFailTotal:    p.uploadFailTotal.Load(),
		RetryTotal:         p.retryTotal.Load(),
		LastSuccessUnix:    p.lastSuccessUnix.Load(),
		LastErrorUnix:      p.lastErrorUnix.Load(),
	}
}

func (p *Publisher) printf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
