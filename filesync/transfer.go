package filesync

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/maxpert/sitesync/protocol"
)

const filesPath = "/sync/files/"

// Transferer moves one attachment between the site and central
type Transferer interface {
	Transfer(ctx context.Context, e Entry) error
}

// HTTPTransfer stores attachments as files named by id under a directory
// and moves them over the central transport
type HTTPTransfer struct {
	transport *protocol.HTTPTransport
	dir       string
}

var _ Transferer = (*HTTPTransfer)(nil)

// NewHTTPTransfer creates a transfer rooted at dir
func NewHTTPTransfer(transport *protocol.HTTPTransport, dir string) *HTTPTransfer {
	return &HTTPTransfer{transport: transport, dir: dir}
}

// Path is where an attachment lives locally
func Path(dir, fileID string) (string, error) {
	if fileID == "" || fileID != filepath.Base(fileID) || fileID == "." || fileID == ".." {
		return "", fmt.Errorf("invalid file id %q", fileID)
	}
	return filepath.Join(dir, fileID), nil
}

func (h *HTTPTransfer) Transfer(ctx context.Context, e Entry) error {
	path, err := Path(h.dir, e.FileID)
	if err != nil {
		return err
	}
	remote := filesPath + url.PathEscape(e.FileID)

	switch e.Direction {
	case Upload:
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read attachment %s: %w", e.FileID, err)
		}
		return h.transport.PutBytes(ctx, "file_upload", remote, data)

	case Download:
		data, err := h.transport.GetBytes(ctx, "file_download", remote)
		if err != nil {
			return err
		}
		return writeAtomic(path, data)
	}
	return fmt.Errorf("unknown transfer direction %q", e.Direction)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create files directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
