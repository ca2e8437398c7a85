package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LocalUploader writes images below a directory of the local filesystem.
type LocalUploader struct {
	dir          string
	folderPrefix string
	now          func() time.Time
}

// NewLocalUploader creates an uploader rooted at dir.
func NewLocalUploader(dir, folderPrefix string) (*LocalUploader, error) {
	if dir == "" {
		return nil, fmt.Errorf("local blob directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &LocalUploader{dir: abs, folderPrefix: folderPrefix, now: time.Now}, nil
}

// UploadBuffer implements Uploader. The returned path is relative to the
// uploader directory.
func (u *LocalUploader) UploadBuffer(ctx context.Context, in UploadInput) (*UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(in.Buffer) == 0 {
		return nil, fmt.Errorf("empty image buffer")
	}

	rel := ObjectPath(in, u.folderPrefix, u.now())
	target := filepath.Join(u.dir, filepath.FromSlash(rel))
	if !filepath.IsLocal(filepath.FromSlash(rel)) {
		return nil, fmt.Errorf("refusing to write outside blob directory: %s", rel)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create folder for %s: %w", rel, err)
	}
	if err := os.WriteFile(target, in.Buffer, 0o640); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", rel, err)
	}

	return &UploadResult{FilePath: rel}, nil
}
