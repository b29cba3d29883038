package blob

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
)

// InlineBackend is the fallback when no object store is configured: audio is
// encoded as a data URL and lives inside the recording row itself. That keeps
// everything working locally but eats local quota fast, so uploads are checked
// against the store's headroom first.
type InlineBackend struct {
	quota  QuotaChecker
	logger Logger
}

func NewInlineBackend(quota QuotaChecker, logger Logger) *InlineBackend {
	if logger == nil {
		logger = nopLogger{}
	}
	return &InlineBackend{quota: quota, logger: logger}
}

func (b *InlineBackend) Configured() bool { return false }

func (b *InlineBackend) Upload(ctx context.Context, recordingID, mimeType string, audio []byte, progress ProgressFunc) (string, error) {
	if recordingID == "" || len(audio) == 0 {
		return "", fmt.Errorf("%w: recording id and audio are required", ErrInvalidInput)
	}
	if mimeType == "" {
		mimeType = "audio/webm"
	}
	encoded := base64.StdEncoding.EncodeToString(audio)
	if b.quota != nil {
		if err := b.quota.CheckHeadroom(int64(len(encoded))); err != nil {
			return "", err
		}
	}
	total := int64(len(audio))
	if progress != nil {
		progress(total, total)
	}
	b.logger.Warn("no audio backend configured, storing audio inline", "recording", recordingID, "bytes", total)
	return "data:" + mimeType + ";base64," + encoded, nil
}

// Delete is trivially successful: inline audio disappears with its row.
func (b *InlineBackend) Delete(ctx context.Context, recordingID, audioURL string) bool {
	return true
}

// PublicURL has no meaningful answer for inline audio; callers should use the
// stored data URL directly.
func (b *InlineBackend) PublicURL(recordingID string) string { return "" }

// DecodeDataURL recovers raw audio bytes from an inline data URL.
func DecodeDataURL(audioURL string) (mimeType string, audio []byte, err error) {
	rest, ok := strings.CutPrefix(audioURL, "data:")
	if !ok {
		return "", nil, fmt.Errorf("%w: not a data url", ErrInvalidInput)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: malformed data url", ErrInvalidInput)
	}
	mimeType = strings.TrimSuffix(meta, ";base64")
	audio, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return mimeType, audio, nil
}

var _ Backend = (*InlineBackend)(nil)
