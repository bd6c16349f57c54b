package external

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/thc1006/testenv/pkg/resource"
)

// ErrPathEscapesSandbox is returned for any path that would resolve outside
// the sandbox root.
var ErrPathEscapesSandbox = errors.New("path escapes sandbox root")

// ErrFileTooLarge is returned when a write exceeds the configured maximum.
var ErrFileTooLarge = errors.New("file exceeds sandbox size limit")

// SandboxConfig controls the isolated directory.
type SandboxConfig struct {
	// MaxFileSize caps a single write, in bytes.
	MaxFileSize int64
	// Parent, when set, hosts the temporary root instead of the system
	// default temp directory.
	Parent string
}

// DefaultSandboxConfig allows files up to 10 MiB.
func DefaultSandboxConfig() SandboxConfig {
	return SandboxConfig{MaxFileSize: 10 << 20}
}

// Sandbox is an isolated temporary directory. Every operation is confined to
// the root, every created path is tracked for usage accounting, and cleanup
// removes the whole tree.
type Sandbox struct {
	*resource.Resource

	cfg    SandboxConfig
	logger *zap.Logger
	root   string

	mu         sync.Mutex
	paths      map[string]int64 // relative path -> size in bytes
	totalBytes int64
}

// NewSandbox creates the temporary root and registers recursive removal as
// cleanup.
func NewSandbox(id string, cfg SandboxConfig, logger *zap.Logger) (*Sandbox, error) {
	base, err := resource.New(id, resource.KindSandbox, logger)
	if err != nil {
		return nil, err
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 10 << 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	root, err := os.MkdirTemp(cfg.Parent, "sandbox-"+id+"-")
	if err != nil {
		return nil, fmt.Errorf("create sandbox root: %w", err)
	}

	sb := &Sandbox{
		Resource: base,
		cfg:      cfg,
		logger:   logger.With(zap.String("sandbox", id)),
		root:     root,
		paths:    make(map[string]int64),
	}
	base.AddCleanup(func(context.Context) error {
		return os.RemoveAll(root)
	})
	return sb, nil
}

// Root returns the sandbox root directory.
func (sb *Sandbox) Root() string { return sb.root }

// resolve maps a caller-supplied relative path inside the root, rejecting
// absolute paths and any traversal that would leave it.
func (sb *Sandbox) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesSandbox, rel)
	}
	abs := filepath.Join(sb.root, filepath.Clean(rel))
	inside, err := filepath.Rel(sb.root, abs)
	if err != nil || inside == ".." || strings.HasPrefix(inside, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesSandbox, rel)
	}
	return abs, nil
}

// CreateFile writes data to the given relative path, creating parent
// directories as needed, and returns the absolute path.
func (sb *Sandbox) CreateFile(rel string, data []byte) (string, error) {
	if !sb.Active() {
		return "", resource.ErrInactive
	}
	sb.Touch()

	if int64(len(data)) > sb.cfg.MaxFileSize {
		return "", fmt.Errorf("%w: %d > %d bytes", ErrFileTooLarge, len(data), sb.cfg.MaxFileSize)
	}
	abs, err := sb.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", fmt.Errorf("write sandbox file: %w", err)
	}

	sb.mu.Lock()
	if prev, ok := sb.paths[rel]; ok {
		sb.totalBytes -= prev
	}
	sb.paths[rel] = int64(len(data))
	sb.totalBytes += int64(len(data))
	sb.mu.Unlock()

	return abs, nil
}

// ReadFile reads a previously created file by its relative path.
func (sb *Sandbox) ReadFile(rel string) ([]byte, error) {
	if !sb.Active() {
		return nil, resource.ErrInactive
	}
	sb.Touch()

	abs, err := sb.resolve(rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(abs)
}

// CreateDirectory creates a directory (and parents) inside the sandbox and
// returns its absolute path.
func (sb *Sandbox) CreateDirectory(rel string) (string, error) {
	if !sb.Active() {
		return "", resource.ErrInactive
	}
	sb.Touch()

	abs, err := sb.resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create sandbox directory: %w", err)
	}

	sb.mu.Lock()
	if _, ok := sb.paths[rel]; !ok {
		sb.paths[rel] = 0
	}
	sb.mu.Unlock()

	return abs, nil
}

// Usage returns the number of tracked paths and total bytes written.
func (sb *Sandbox) Usage() (paths int, bytes int64) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return len(sb.paths), sb.totalBytes
}
