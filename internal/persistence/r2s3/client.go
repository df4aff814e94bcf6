package r2s3

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"time"
)

const (
	sigV4Algorithm = "AWS4-HMAC-SHA256"
	sigV4Region    = "auto"
	sigV4Service   = "s3"
)

// Client is a minimal S3-compatible object writer (Cloudflare R2, MinIO).
type Client struct {
	endpoint   string
	bucket     string
	creds      credentials
	httpClient *http.Client
	now        func() time.Time
}

type credentials struct {
	accessKeyID     string
	secretAccessKey string
}

// PutError is a non-2xx answer from the bucket.
type PutError struct {
	Status int
	Key    string
	Body   string
}

func (e *PutError) Error() string {
	return fmt.Sprintf("r2 put failed status=%d key=%s body=%s", e.Status, e.Key, e.Body)
}

// Retryable reports whether the bucket may accept the same request later.
func (e *PutError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func New(endpoint, bucket, accessKeyID, secretAccessKey string) (*Client, error) {
	endpoint = strings.TrimSpace(endpoint)
	bucket = strings.TrimSpace(bucket)
	creds := credentials{
		accessKeyID:     strings.TrimSpace(accessKeyID),
		secretAccessKey: strings.TrimSpace(secretAccessKey),
	}
	if endpoint == "" || bucket == "" || creds.accessKeyID == "" || creds.secretAccessKey == "" {
		return nil, fmt.Errorf("endpoint/bucket/access key/secret key are required")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint: %s", endpoint)
	}
	return &Client{
		endpoint:   strings.TrimRight(u.String(), "/"),
		bucket:     bucket,
		creds:      creds,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		now:        time.Now,
	}, nil
}

// PutObject uploads one encoded frame under objectKey.
func (c *Client) PutObject(ctx context.Context, objectKey, contentType string, data []byte) error {
	objectKey = normalizeObjectKey(objectKey)
	if objectKey == "" {
		return fmt.Errorf("empty object key")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	canonicalURI := "/" + c.bucket + "/" + escapePath(objectKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.endpoint+canonicalURI, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(data))
	req.Header.Set("Content-Type", contentType)
	c.sign(req, canonicalURI, sha256Hex(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8*1024))
	return &PutError{Status: resp.StatusCode, Key: objectKey, Body: strings.TrimSpace(string(body))}
}

// sign adds the SigV4 headers. Every header already set on req is signed
// along with host.
func (c *Client) sign(req *http.Request, canonicalURI, payloadHash string) {
	now := c.now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("x-amz-date", amzDate)

	values := map[string]string{"host": req.URL.Host}
	for k, v := range req.Header {
		values[strings.ToLower(k)] = strings.TrimSpace(strings.Join(v, ","))
	}
	names := make([]string, 0, len(values))
	for k := range values {
		names = append(names, k)
	}
	sort.Strings(names)

	var canonicalHeaders strings.Builder
	for _, k := range names {
		canonicalHeaders.WriteString(k + ":" + values[k] + "\n")
	}
	signedHeaders := strings.Join(names, ";")

	canonicalRequest := strings.Join([]string{
		req.Method,
		canonicalURI,
		req.URL.RawQuery,
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	scope := strings.Join([]string{dateStamp, sigV4Region, sigV4Service, "aws4_request"}, "/")
	stringToSign := strings.Join([]string{
		sigV4Algorithm,
		amzDate,
		scope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	key := deriveSigningKey(c.creds.secretAccessKey, dateStamp)
	signature := hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))
	req.Header.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sigV4Algorithm, c.creds.accessKeyID, scope, signedHeaders, signature,
	))
}

// normalizeObjectKey returns "" for keys that are empty or climb out of the
// bucket root.
func normalizeObjectKey(key string) string {
	key = strings.TrimPrefix(strings.TrimSpace(strings.ReplaceAll(key, "\\", "/")), "/")
	if key == "" {
		return ""
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return ""
		}
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "." || clean == "" {
		return ""
	}
	return clean
}

func escapePath(p string) string {
	parts := strings.Split(p, "/")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	return strings.Join(parts, "/")
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func deriveSigningKey(secret, date string) []byte {
	k := hmacSHA256([]byte("AWS4"+secret), []byte(date))
	for _, part := range []string{sigV4Region, sigV4Service, "aws4_request"} {
		k = hmacSHA256(k, []byte(part))
	}
	return k
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	_, _ = h.Write(data)
	return h.Sum(nil)
}
