package messaging

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultMaxMediaBytes caps the size of a fetched media reference.
const DefaultMaxMediaBytes = 16 << 20

// MediaFetcher resolves a media reference to its bytes and MIME type.
type MediaFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, string, error)
}

// HTTPFetcher fetches http(s) references. Other references are read from
// the local filesystem only when they resolve inside MediaDir; with MediaDir
// empty every local reference is refused.
type HTTPFetcher struct {
	Client   *http.Client
	MaxBytes int64
	MediaDir string
}

// NewHTTPFetcher returns a fetcher with a bounded client timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client:   &http.Client{Timeout: 30 * time.Second},
		MaxBytes: DefaultMaxMediaBytes,
	}
}

func isRemoteRef(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// Fetch returns the referenced bytes. Every failure wraps ErrMediaUnreachable.
func (f *HTTPFetcher) Fetch(ctx context.Context, ref string) ([]byte, string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, "", fmt.Errorf("%w: empty reference", ErrMediaUnreachable)
	}
	if !isRemoteRef(ref) {
		path, err := f.localPath(strings.TrimPrefix(ref, "file://"))
		if err != nil {
			return nil, "", err
		}
		return f.readFile(path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMediaUnreachable, err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMediaUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: %s returned %s", ErrMediaUnreachable, ref, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMediaUnreachable, err)
	}
	if int64(len(data)) > f.MaxBytes {
		return nil, "", fmt.Errorf("%w: %s exceeds %d bytes", ErrMediaUnreachable, ref, f.MaxBytes)
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}

// localPath resolves ref against MediaDir. Relative refs are taken relative
// to MediaDir; symlinks are followed before the containment check.
func (f *HTTPFetcher) localPath(ref string) (string, error) {
	if f.MediaDir == "" {
		return "", fmt.Errorf("%w: local media %q is disabled", ErrMediaUnreachable, ref)
	}
	root, err := filepath.EvalSymlinks(f.MediaDir)
	if err != nil {
		return "", fmt.Errorf("%w: media dir: %v", ErrMediaUnreachable, err)
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: media dir: %v", ErrMediaUnreachable, err)
	}
	path := ref
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMediaUnreachable, err)
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q is outside the media dir", ErrMediaUnreachable, ref)
	}
	return resolved, nil
}

func (f *HTTPFetcher) readFile(path string) ([]byte, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMediaUnreachable, err)
	}
	if info.Size() > f.MaxBytes {
		return nil, "", fmt.Errorf("%w: %s exceeds %d bytes", ErrMediaUnreachable, path, f.MaxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrMediaUnreachable, err)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	return data, mimeType, nil
}
