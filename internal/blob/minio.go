package blob

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	multipartThreshold = 5 << 20
	multipartPartSize  = 5 << 20
	maxPartAttempts    = 3
	partRetryDelay     = 500 * time.Millisecond
)

type MinIOOptions struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL overrides the base URL used for download links. When empty,
	// links point straight at the endpoint.
	PublicURL string
	Logger    Logger
}

// MinIOBackend stores audio in an S3-compatible bucket. Uploads above the
// multipart threshold go part by part so a flaky connection only repeats the
// failed part, not the whole file.
type MinIOBackend struct {
	core      *minio.Core
	bucket    string
	publicURL string
	logger    Logger
}

func NewMinIOBackend(opts MinIOOptions) (*MinIOBackend, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("%w: minio backend needs endpoint and bucket", ErrInvalidInput)
	}
	core, err := minio.NewCore(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	publicURL := strings.TrimRight(opts.PublicURL, "/")
	if publicURL == "" {
		scheme := "http"
		if opts.UseSSL {
			scheme = "https"
		}
		publicURL = scheme + "://" + opts.Endpoint + "/" + opts.Bucket
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &MinIOBackend{
		core:      core,
		bucket:    opts.Bucket,
		publicURL: publicURL,
		logger:    logger,
	}, nil
}

func (b *MinIOBackend) Configured() bool { return true }

func (b *MinIOBackend) EnsureBucket(ctx context.Context) error {
	exists, err := b.core.Client.BucketExists(ctx, b.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return b.core.Client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{})
}

func (b *MinIOBackend) Upload(ctx context.Context, recordingID, mimeType string, audio []byte, progress ProgressFunc) (string, error) {
	if recordingID == "" || len(audio) == 0 {
		return "", fmt.Errorf("%w: recording id and audio are required", ErrInvalidInput)
	}
	object := objectName(recordingID, mimeType)
	total := int64(len(audio))
	if progress != nil {
		progress(0, total)
	}

	var err error
	if total <= multipartThreshold {
		err = b.uploadSingle(ctx, object, mimeType, audio)
	} else {
		err = b.uploadMultipart(ctx, object, mimeType, audio, progress)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if progress != nil {
		progress(total, total)
	}
	return b.PublicURL(recordingID) + "." + audioExt(mimeType), nil
}

func (b *MinIOBackend) uploadSingle(ctx context.Context, object, mimeType string, audio []byte) error {
	_, err := b.core.Client.PutObject(ctx, b.bucket, object, bytes.NewReader(audio), int64(len(audio)), minio.PutObjectOptions{
		ContentType: mimeType,
	})
	return err
}

func (b *MinIOBackend) uploadMultipart(ctx context.Context, object, mimeType string, audio []byte, progress ProgressFunc) error {
	uploadID, err := b.core.NewMultipartUpload(ctx, b.bucket, object, minio.PutObjectOptions{
		ContentType: mimeType,
	})
	if err != nil {
		return err
	}

	total := int64(len(audio))
	var parts []minio.CompletePart
	var sent int64
	for offset, partNumber := int64(0), 1; offset < total; offset, partNumber = offset+multipartPartSize, partNumber+1 {
		end := offset + multipartPartSize
		if end > total {
			end = total
		}
		chunk := audio[offset:end]

		part, err := b.putPartWithRetry(ctx, object, uploadID, partNumber, chunk)
		if err != nil {
			if abortErr := b.core.AbortMultipartUpload(context.WithoutCancel(ctx), b.bucket, object, uploadID); abortErr != nil {
				b.logger.Warn("could not abort multipart upload", "object", object, "error", abortErr)
			}
			return err
		}
		parts = append(parts, minio.CompletePart{PartNumber: part.PartNumber, ETag: part.ETag})
		sent += int64(len(chunk))
		if progress != nil {
			progress(sent, total)
		}
	}

	_, err = b.core.CompleteMultipartUpload(ctx, b.bucket, object, uploadID, parts, minio.PutObjectOptions{})
	if err != nil {
		if abortErr := b.core.AbortMultipartUpload(context.WithoutCancel(ctx), b.bucket, object, uploadID); abortErr != nil {
			b.logger.Warn("could not abort multipart upload", "object", object, "error", abortErr)
		}
	}
	return err
}

func (b *MinIOBackend) putPartWithRetry(ctx context.Context, object, uploadID string, partNumber int, chunk []byte) (minio.ObjectPart, error) {
	var lastErr error
	for attempt := 1; attempt <= maxPartAttempts; attempt++ {
		part, err := b.core.PutObjectPart(ctx, b.bucket, object, uploadID, partNumber, bytes.NewReader(chunk), int64(len(chunk)), minio.PutObjectPartOptions{})
		if err == nil {
			return part, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		b.logger.Warn("part upload failed, retrying", "object", object, "part", partNumber, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return minio.ObjectPart{}, ctx.Err()
		case <-time.After(partRetryDelay * time.Duration(attempt)):
		}
	}
	return minio.ObjectPart{}, lastErr
}

// Delete removes the stored object. It reports success for inline data URLs
// since those have nothing server-side to remove, and treats "already gone"
// as success so cleanup stays idempotent.
func (b *MinIOBackend) Delete(ctx context.Context, recordingID, audioURL string) bool {
	if strings.HasPrefix(audioURL, "data:") {
		return true
	}
	object := objectFromURL(audioURL)
	if object == "" {
		object = objectName(recordingID, "")
	}
	err := b.core.Client.RemoveObject(ctx, b.bucket, object, minio.RemoveObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return true
		}
		b.logger.Warn("could not delete audio object", "object", object, "error", err)
		return false
	}
	return true
}

func (b *MinIOBackend) PublicURL(recordingID string) string {
	return b.publicURL + "/recordings/" + recordingID
}

func objectFromURL(audioURL string) string {
	idx := strings.Index(audioURL, "/recordings/")
	if idx < 0 {
		return ""
	}
	return strings.TrimPrefix(audioURL[idx:], "/")
}

var _ Backend = (*MinIOBackend)(nil)
