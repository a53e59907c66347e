package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// NewTempFileStore creates a FileStore rooted at a fresh directory under the
// OS temp dir, named "ybroker-<prefix>-" plus a random suffix. Useful for
// tests and for deployments that treat the update log as disposable cache
// rather than durable storage.
//
// Grounded on original_source/ypy_websocket/ystore.py's TempFileYStore,
// which also keeps its files under the system temp dir. The directory here
// is not deterministic: it differs on every call, so two stores created
// with the same prefix do not share files, and a restarted process does not
// find the logs an earlier process wrote.
func NewTempFileStore(prefix string) (*FileStore, error) {
	dir, err := os.MkdirTemp("", fmt.Sprintf("ybroker-%s-*", prefix))
	if err != nil {
		return nil, fmt.Errorf("store: tempfile mkdir: %w", err)
	}
	return NewFileStore(filepath.Clean(dir))
}
