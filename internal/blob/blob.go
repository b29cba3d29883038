// Package blob stores recording audio behind an interchangeable backend.
// Which backend runs is a pure configuration decision made once at startup;
// "none configured" degrades to inlining audio into the local store, with the
// capacity cost that implies.
package blob

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrUploadFailed = errors.New("upload failed")
)

// ProgressFunc reports upload progress for large files.
type ProgressFunc func(transferred, total int64)

// Backend is the 3-operation storage contract for audio blobs.
type Backend interface {
	Configured() bool
	Upload(ctx context.Context, recordingID, mimeType string, audio []byte, progress ProgressFunc) (string, error)
	Delete(ctx context.Context, recordingID, audioURL string) bool
	PublicURL(recordingID string) string
}

type Logger interface {
	Warn(msg any, keyvals ...any)
	Error(msg any, keyvals ...any)
}

type nopLogger struct{}

func (nopLogger) Warn(any, ...any)  {}
func (nopLogger) Error(any, ...any) {}

// QuotaChecker guards inline storage against overflowing the local store.
type QuotaChecker interface {
	CheckHeadroom(n int64) error
}

type FactoryOptions struct {
	AccessKey string
	SecretKey string
	Bucket    string
	PublicURL string
	Quota     QuotaChecker
	Logger    Logger
}

type BackendFactory func(dsn string, opts FactoryOptions) (Backend, error)

var backendRegistry = struct {
	mu        sync.RWMutex
	factories map[string]BackendFactory
}{
	factories: map[string]BackendFactory{},
}

func RegisterBackendFactory(scheme string, factory BackendFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	backendRegistry.mu.Lock()
	defer backendRegistry.mu.Unlock()
	backendRegistry.factories[scheme] = factory
}

// BuildBackendFromDSN picks the audio backend. An empty DSN selects the
// inline fallback.
func BuildBackendFromDSN(dsn string, opts FactoryOptions) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewInlineBackend(opts.Quota, opts.Logger), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	backendRegistry.mu.RLock()
	factory, ok := backendRegistry.factories[scheme]
	backendRegistry.mu.RUnlock()
	if ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "s3", "minio", "minios":
		endpoint := parsed.Host
		useSSL := scheme == "minios" || parsed.Query().Get("ssl") == "true"
		bucket := opts.Bucket
		if bucket == "" {
			bucket = strings.Trim(parsed.Path, "/")
		}
		return NewMinIOBackend(MinIOOptions{
			Endpoint:  endpoint,
			AccessKey: opts.AccessKey,
			SecretKey: opts.SecretKey,
			Bucket:    bucket,
			UseSSL:    useSSL,
			PublicURL: opts.PublicURL,
			Logger:    opts.Logger,
		})
	case "inline", "local":
		return NewInlineBackend(opts.Quota, opts.Logger), nil
	default:
		return nil, fmt.Errorf("unsupported blob backend scheme: %s", scheme)
	}
}

func objectName(recordingID, mimeType string) string {
	return "recordings/" + recordingID + "." + audioExt(mimeType)
}

func audioExt(mimeType string) string {
	switch {
	case strings.Contains(mimeType, "mpeg"), strings.Contains(mimeType, "mp3"):
		return "mp3"
	case strings.Contains(mimeType, "ogg"):
		return "ogg"
	case strings.Contains(mimeType, "wav"):
		return "wav"
	case strings.Contains(mimeType, "mp4"):
		return "m4a"
	default:
		return "webm"
	}
}
