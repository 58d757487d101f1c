// Package sandbox manages the single ephemeral runtime instance backing a
// workspace's scratch filesystem. The runtime boots at most once per manager
// lifetime; concurrent acquirers share one in-flight boot.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mosaic/sync/internal/util"
)

// ErrUnsupported means the host cannot run the sandbox runtime. Callers must
// not retry without the environment changing.
var ErrUnsupported = errors.New("sandbox runtime unsupported in this environment")

// Capabilities probes the two hard preconditions of the sandbox runtime.
type Capabilities interface {
	SharedMemory() bool
	Isolated() bool
}

// Handle is the booted runtime instance.
type Handle struct {
	ID        string
	Root      string
	StartedAt time.Time
}

// BootFunc boots a fresh runtime instance.
type BootFunc func(ctx context.Context) (*Handle, error)

// Manager owns the process-wide singleton handle. Instance and in-flight boot
// state live on the manager, not in package globals, so tests can inject and
// reset them.
type Manager struct {
	caps Capabilities
	boot BootFunc

	mu       sync.Mutex
	handle   *Handle
	inflight chan struct{}
	bootErr  error
}

func NewManager(caps Capabilities, boot BootFunc) *Manager {
	return &Manager{caps: caps, boot: boot}
}

// Supported reports whether the runtime can function here: the shared-memory
// primitive and an isolated origin are both required.
func (m *Manager) Supported() bool {
	return m.caps.SharedMemory() && m.caps.Isolated()
}

// Acquire returns the booted singleton, joining an in-flight boot if one is
// already running. The first caller boots; everyone else waits on the same
// outcome. Fails with ErrUnsupported when Supported() is false.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	if !m.Supported() {
		return nil, ErrUnsupported
	}

	m.mu.Lock()
	if m.handle != nil {
		handle := m.handle
		m.mu.Unlock()
		return handle, nil
	}
	if m.inflight != nil {
		done := m.inflight
		m.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		m.mu.Lock()
		handle, err := m.handle, m.bootErr
		m.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return handle, nil
	}

	done := make(chan struct{})
	m.inflight = done
	m.mu.Unlock()

	handle, err := m.boot(ctx)

	m.mu.Lock()
	if err != nil {
		// A failed boot clears the in-flight state so a later Acquire can try
		// again; only the successful handle is held for the lifetime.
		m.bootErr = fmt.Errorf("boot sandbox: %w", err)
		m.inflight = nil
	} else {
		m.handle = handle
		m.bootErr = nil
	}
	result, resultErr := m.handle, m.bootErr
	m.mu.Unlock()
	close(done)

	if resultErr != nil {
		return nil, resultErr
	}
	return result, nil
}

// Teardown clears the singleton and any in-flight marker so the next Acquire
// boots fresh. The underlying runtime offers no destroy primitive, so nothing
// is released here.
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handle = nil
	m.inflight = nil
	m.bootErr = nil
}

// EnvCapabilities probes the host the service actually runs on: a usable
// shared-memory mount and a scratch root this process exclusively owns.
type EnvCapabilities struct {
	Root string
}

func (c EnvCapabilities) SharedMemory() bool {
	info, err := os.Stat("/dev/shm")
	return err == nil && info.IsDir()
}

func (c EnvCapabilities) Isolated() bool {
	if c.Root == "" {
		return false
	}
	if err := os.MkdirAll(c.Root, 0o700); err != nil {
		return false
	}
	info, err := os.Stat(c.Root)
	return err == nil && info.IsDir()
}

// DirBoot returns a BootFunc that provisions a fresh scratch directory under
// root for each booted instance.
func DirBoot(root string) BootFunc {
	return func(ctx context.Context) (*Handle, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := util.NewID("sbx")
		dir := filepath.Join(root, id)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("provision scratch dir: %w", err)
		}
		return &Handle{ID: id, Root: dir, StartedAt: time.Now()}, nil
	}
}
