package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
)

// Workspace is a directory owned by exactly one execution.
type Workspace struct {
	ID   string
	Path string
}

// WorkspaceManager hands out uniquely named directories under a scratch root.
type WorkspaceManager struct {
	logger *zap.Logger
	root   string
	fs     FileSystem
}

// NewWorkspaceManager creates the scratch root if needed. Calling it again for the
// same root is harmless.
func NewWorkspaceManager(logger *zap.Logger, root string, fs FileSystem) (*WorkspaceManager, error) {
	if root == "" {
		return nil, fmt.Errorf("scratch root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve scratch root: %w", err)
	}
	if err := fs.MkdirAll(abs, DirPermission); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}
	return &WorkspaceManager{logger: logger, root: abs, fs: fs}, nil
}

// Root returns the absolute scratch root.
func (m *WorkspaceManager) Root() string {
	return m.root
}

// Acquire creates a fresh workspace named with 128 random bits.
func (m *WorkspaceManager) Acquire() (*Workspace, error) {
	id, err := randomName()
	if err != nil {
		return nil, resourceError(err, "failed to create workspace")
	}

	ws := &Workspace{ID: id, Path: filepath.Join(m.root, id)}
	// Mkdir, not MkdirAll: an existing directory means a collision and must fail.
	if err := m.fs.Mkdir(ws.Path, DirPermission); err != nil {
		return nil, resourceError(err, "failed to create workspace")
	}
	return ws, nil
}

// Release removes the workspace recursively. Failures are logged, never returned.
func (m *WorkspaceManager) Release(ws *Workspace) {
	if ws == nil {
		return
	}
	if err := m.fs.RemoveAll(ws.Path); err != nil {
		m.logger.Warn("failed to remove workspace", zap.String("path", ws.Path), zap.Error(err))
	}
}

func randomName() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf[:]), nil
}
