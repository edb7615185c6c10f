package media

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/eringen/skyposter/article"
	"github.com/eringen/skyposter/atproto"
	"github.com/eringen/skyposter/fetch"
)

// Upload stages, reported in StageError.
const (
	StageExtension = "extension"
	StageResolve   = "resolve"
	StageFetch     = "fetch"
	StageMIME      = "mime"
	StageSize      = "size"
	StageUpload    = "upload"
)

var allowedExtensions = map[string]bool{
	"jpg": true, "jpeg": true, "png": true, "gif": true,
	"webp": true, "avif": true, "bmp": true,
}

var allowedTypes = map[string]bool{
	"image/jpeg": true, "image/png": true, "image/gif": true,
	"image/webp": true, "image/avif": true, "image/bmp": true,
}

const acceptImages = "image/avif,image/webp,image/png,image/jpeg,image/gif,image/bmp;q=0.9,*/*;q=0.5"

// StageError is returned when an image is rejected. The post continues
// without it.
type StageError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("image %s: %s", e.Stage, e.Reason)
}

func (e *StageError) Unwrap() error { return e.Err }

// BlobUploader stores raw bytes as a blob in the user's repository.
type BlobUploader interface {
	UploadBlob(ctx context.Context, token string, data []byte, mimeType string) (*atproto.Blob, error)
}

// Logger receives progress lines.
type Logger interface {
	Logf(format string, args ...any)
}

// Uploader downloads images from the site and re-uploads them as blobs.
type Uploader struct {
	Fetcher *fetch.Fetcher
	Blobs   BlobUploader
	// Base resolves relative image URLs.
	Base *url.URL
	// MaxBlob is the size above which an image is re-encoded; defaults to
	// MaxBlobSize.
	MaxBlob int
	Log     Logger
}

func (u *Uploader) logf(format string, args ...any) {
	if u.Log != nil {
		u.Log.Logf(format, args...)
	}
}

// Upload fetches rawURL and uploads it. Any failure is a *StageError.
func (u *Uploader) Upload(ctx context.Context, rawURL, token string) (*atproto.Blob, error) {
	ref, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, &StageError{Stage: StageExtension, Reason: "invalid URL " + rawURL, Err: err}
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(ref.Path), "."))
	if !allowedExtensions[ext] {
		return nil, &StageError{Stage: StageExtension, Reason: "unsupported image extension: " + ext}
	}

	if !ref.IsAbs() || ref.Host == "" {
		if u.Base == nil {
			return nil, &StageError{Stage: StageResolve, Reason: "relative URL without a site base: " + rawURL}
		}
		ref = u.Base.ResolveReference(ref)
		u.logf("Converting relative image URL to absolute: %s", ref)
	}

	resp, err := u.Fetcher.Get(ctx, ref.String(), acceptImages)
	if err != nil {
		return nil, &StageError{Stage: StageFetch, Reason: fetchReason(err), Err: err}
	}

	ct := resp.Header.Get("Content-Type")
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil || !allowedTypes[strings.ToLower(mediaType)] {
		return nil, &StageError{Stage: StageMIME, Reason: "unsupported image MIME type: " + ct}
	}
	mediaType = strings.ToLower(mediaType)

	data := resp.Body
	limit := u.MaxBlob
	if limit <= 0 {
		limit = MaxBlobSize
	}
	if len(data) > limit {
		small, err := shrink(data, limit)
		if err != nil {
			return nil, &StageError{Stage: StageSize, Reason: fmt.Sprintf("%d bytes over the %d byte limit: %v", len(data), limit, err), Err: err}
		}
		u.logf("Re-encoded %s from %d to %d bytes", ref, len(data), len(small))
		data, mediaType = small, "image/jpeg"
	}

	blob, err := u.Blobs.UploadBlob(ctx, token, data, mediaType)
	if err != nil {
		return nil, &StageError{Stage: StageUpload, Reason: err.Error(), Err: err}
	}
	return blob, nil
}

func fetchReason(err error) string {
	var se *fetch.StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("failed to fetch image: HTTP %d", se.Status)
	}
	return "failed to fetch image: " + err.Error()
}

// UploadImages uploads images in order and returns up to MaxImages embeds.
// Failed images are logged and skipped.
func (u *Uploader) UploadImages(ctx context.Context, images []article.Image, token string) []atproto.ImageEmbed {
	var out []atproto.ImageEmbed
	for _, img := range images {
		if len(out) >= MaxImages {
			break
		}
		blob, err := u.Upload(ctx, img.URL, token)
		if err != nil {
			u.logf("Skipping image %s: %v", img.URL, err)
			continue
		}
		out = append(out, atproto.ImageEmbed{Alt: img.Alt, Image: blob})
	}
	return out
}
