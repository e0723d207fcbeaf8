package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Local archives into a directory tree using file:// URIs. It backs
// development setups without a bucket.
type Local struct {
	root string
}

// NewLocal creates root if needed.
func NewLocal(root string) (*Local, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve archive dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Local{root: abs}, nil
}

// Close implements Archive.
func (l *Local) Close() error { return nil }

// PutRawMessage implements Archive.
func (l *Local) PutRawMessage(ctx context.Context, owner, externalID string, body []byte) (string, error) {
	return l.write(RawMessageObject(owner, externalID), body)
}

// PutReceipt implements Archive.
func (l *Local) PutReceipt(ctx context.Context, owner, id, mimeType string, data []byte) (string, error) {
	return l.write(ReceiptObject(owner, id, mimeType), data)
}

func (l *Local) write(object string, data []byte) (string, error) {
	p := filepath.Join(l.root, filepath.FromSlash(object))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dir for %s: %w", object, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", object, err)
	}
	return "file://" + filepath.ToSlash(p), nil
}

// Fetch implements Archive. Only paths below the root are readable.
func (l *Local) Fetch(ctx context.Context, uri string) ([]byte, error) {
	if !strings.HasPrefix(uri, "file://") {
		return nil, fmt.Errorf("invalid file URI: %s", uri)
	}
	p := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(uri, "file://")))
	if rel, err := filepath.Rel(l.root, p); err != nil || strings.HasPrefix(rel, "..") {
		return nil, fmt.Errorf("path outside archive: %s", uri)
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("Fetch: %w", err)
	}
	return data, nil
}

var _ Archive = (*Local)(nil)
