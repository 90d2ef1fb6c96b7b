package stages

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/stridesense/gait-backend/internal/platform/gcp"
)

// workspace is a per-item scratch directory. Stages download their
// inputs here, run the collaborator on local files and upload the
// results; Close removes everything.
type workspace struct {
	bucket gcp.BucketService
	dir    string
}

func newWorkspace(bucket gcp.BucketService, jobID string) (*workspace, error) {
	safe := strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' {
			return '-'
		}
		return r
	}, jobID)
	dir, err := os.MkdirTemp("", "gait-"+safe+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	return &workspace{bucket: bucket, dir: dir}, nil
}

func (ws *workspace) Path(name string) string {
	return filepath.Join(ws.dir, name)
}

// Fetch downloads the object at key into the workspace under name and
// returns the local path.
func (ws *workspace) Fetch(ctx context.Context, key, name string) (string, error) {
	r, err := ws.bucket.Download(ctx, key)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %q: %w", key, err)
	}
	defer r.Close()

	local := ws.Path(name)
	f, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("failed to create %q: %w", local, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("failed to write %q: %w", local, err)
	}
	return local, nil
}

// Store uploads the local file to the object store under key.
func (ws *workspace) Store(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %q: %w", localPath, err)
	}
	defer f.Close()
	if err := ws.bucket.Upload(ctx, key, f); err != nil {
		return fmt.Errorf("failed to upload %q: %w", key, err)
	}
	return nil
}

func (ws *workspace) Close() {
	_ = os.RemoveAll(ws.dir)
}
