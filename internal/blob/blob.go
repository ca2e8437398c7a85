// Package blob decodes inline images carried in pushed rows and uploads
// them to external storage, leaving only a reference path in the row.
package blob

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"
	"time"
)

//go:generate mockgen -destination=mocks/mock_uploader.go -package=mocks -source=blob.go Uploader

// MaxImageBytes bounds the decoded size of one inline image.
const MaxImageBytes = 5 << 20

// minBareBase64 is the shortest value without a data URI prefix that is
// considered as a possible image. Shorter strings are ordinary field values.
const minBareBase64 = 128

var (
	// ErrNotInlineImage is returned for values that are not base64 images
	ErrNotInlineImage = errors.New("value is not an inline image")

	// ErrImageTooLarge is returned for images above MaxImageBytes
	ErrImageTooLarge = errors.New("image exceeds maximum size")

	// ErrDisabled is returned by the uploader used when no blob store is configured
	ErrDisabled = errors.New("blob storage is not configured")
)

var dataURIPattern = regexp.MustCompile(`^data:([a-zA-Z0-9.+-]+/[a-zA-Z0-9.+-]+)?(;[^,]*)?;base64,`)

// Image is a decoded inline image.
type Image struct {
	Data     []byte
	MimeType string
}

// UploadInput describes one object to store.
type UploadInput struct {
	Buffer       []byte
	MimeType     string
	ID           string
	FolderPrefix string
	Name         string
	OwnerID      string
}

// UploadResult references a stored object.
type UploadResult struct {
	FilePath string
}

// Uploader stores image buffers.
type Uploader interface {
	UploadBuffer(ctx context.Context, in UploadInput) (*UploadResult, error)
}

// sniffChars is how much of a bare payload is decoded to recognise an image.
const sniffChars = 512

// IsInlineImage reports whether v carries an inline image rather than a
// reference to one that was already uploaded. Only the shape of the value and
// its leading bytes are inspected; a payload that fails to decode in full is
// still an inline image and DecodeBase64Image reports why.
func IsInlineImage(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		return dataURIPattern.MatchString(s)
	}
	if len(s) < minBareBase64 || !looksLikeBase64(s) {
		return false
	}
	head, err := decodeBase64(leadingBlock(s))
	if err != nil || len(head) == 0 {
		return false
	}
	return strings.HasPrefix(http.DetectContentType(head), "image/")
}

// leadingBlock returns the first whole base64 quanta of s, whitespace removed.
func leadingBlock(s string) string {
	var b strings.Builder
	for _, r := range s {
		if b.Len() >= sniffChars {
			break
		}
		switch r {
		case '\n', '\r', ' ', '\t':
			continue
		}
		b.WriteRune(r)
	}
	head := b.String()
	if len(head) == len(s) {
		return head
	}
	head = head[:len(head)-len(head)%4]
	return strings.TrimRight(head, "=")
}

// DecodeBase64Image decodes a data URI or bare base64 payload. The MIME type
// is taken from the data URI when present and sniffed otherwise.
func DecodeBase64Image(payload string) (*Image, error) {
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil, ErrNotInlineImage
	}

	var declared string
	if m := dataURIPattern.FindStringSubmatch(payload); m != nil {
		declared = strings.ToLower(m[1])
		payload = payload[len(m[0]):]
	}

	if base64.StdEncoding.DecodedLen(len(payload)) > MaxImageBytes+3 {
		return nil, ErrImageTooLarge
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotInlineImage, err)
	}
	if len(data) == 0 {
		return nil, ErrNotInlineImage
	}
	if len(data) > MaxImageBytes {
		return nil, ErrImageTooLarge
	}

	mimeType := declared
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("%w: content is %s", ErrNotInlineImage, mimeType)
	}

	return &Image{Data: data, MimeType: mimeType}, nil
}

func decodeBase64(payload string) ([]byte, error) {
	payload = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, payload)

	var firstErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		data, err := enc.DecodeString(payload)
		if err == nil {
			return data, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func looksLikeBase64(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r == '+', r == '/', r == '=', r == '-', r == '_', r == '\n', r == '\r':
		default:
			return false
		}
	}
	return true
}

// extensions maps image MIME types to file extensions.
var extensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
	"image/bmp":  "bmp",
}

// ObjectPath returns the folder relative path of an upload:
// <folder>/<owner or id>.FOTO.<unix millis>.<ext>, or <folder>/<name> when a
// name is given.
func ObjectPath(in UploadInput, defaultFolder string, now time.Time) string {
	folder := strings.Trim(in.FolderPrefix, "/")
	if folder == "" {
		folder = strings.Trim(defaultFolder, "/")
	}

	name := path.Base(strings.TrimSpace(in.Name))
	if name == "" || name == "." || name == ".." || name == "/" {
		owner := in.OwnerID
		if owner == "" {
			owner = in.ID
		}
		ext, ok := extensions[in.MimeType]
		if !ok {
			ext = "jpg"
		}
		name = fmt.Sprintf("%s.FOTO.%d.%s", sanitizeSegment(owner), now.UnixMilli(), ext)
	}

	if folder == "" {
		return name
	}
	return folder + "/" + name
}

func sanitizeSegment(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "sem_id"
	}
	return b.String()
}

// Disabled is the uploader used when no blob store is configured. Every
// upload fails, so photo fields carrying inline images are dropped.
type Disabled struct{}

// UploadBuffer implements Uploader.
func (Disabled) UploadBuffer(context.Context, UploadInput) (*UploadResult, error) {
	return nil, ErrDisabled
}
