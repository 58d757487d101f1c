package sandbox

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeCaps struct {
	sharedMemory bool
	isolated     bool
}

func (c fakeCaps) SharedMemory() bool { return c.sharedMemory }
func (c fakeCaps) Isolated() bool     { return c.isolated }

func countingBoot(boots *atomic.Int32, delay time.Duration) BootFunc {
	return func(ctx context.Context) (*Handle, error) {
		time.Sleep(delay)
		n := boots.Add(1)
		return &Handle{ID: string(rune('a' + n)), Root: "/tmp/sbx", StartedAt: time.Now()}, nil
	}
}

func TestUnsupportedEnvironment(t *testing.T) {
	var boots atomic.Int32
	m := NewManager(fakeCaps{sharedMemory: true, isolated: false}, countingBoot(&boots, 0))

	if m.Supported() {
		t.Error("expected Supported()=false without isolation")
	}
	_, err := m.Acquire(context.Background())
	if !errors.Is(err, ErrUnsupported) {
		t.Errorf("expected ErrUnsupported, got %v", err)
	}
	if boots.Load() != 0 {
		t.Errorf("boot must not run in unsupported environment, ran %d times", boots.Load())
	}
}

func TestAcquireReturnsSingleton(t *testing.T) {
	var boots atomic.Int32
	m := NewManager(fakeCaps{sharedMemory: true, isolated: true}, countingBoot(&boots, 0))

	first, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	second, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if first != second {
		t.Error("expected the same handle on repeat Acquire")
	}
	if boots.Load() != 1 {
		t.Errorf("expected exactly one boot, got %d", boots.Load())
	}
}

func TestConcurrentAcquireBootsOnce(t *testing.T) {
	var boots atomic.Int32
	m := NewManager(fakeCaps{sharedMemory: true, isolated: true}, countingBoot(&boots, 20*time.Millisecond))

	const callers = 10
	handles := make([]*Handle, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := m.Acquire(context.Background())
			if err != nil {
				t.Errorf("Acquire %d failed: %v", i, err)
				return
			}
			handles[i] = h
		}(i)
	}
	wg.Wait()

	if boots.Load() != 1 {
		t.Fatalf("expected one boot across %d concurrent callers, got %d", callers, boots.Load())
	}
	for i := 1; i < callers; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("caller %d got a different handle", i)
		}
	}
}

func TestTeardownAllowsFreshBoot(t *testing.T) {
	var boots atomic.Int32
	m := NewManager(fakeCaps{sharedMemory: true, isolated: true}, countingBoot(&boots, 0))

	first, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	m.Teardown()
	second, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after Teardown failed: %v", err)
	}
	if first == second {
		t.Error("expected a fresh handle after Teardown")
	}
	if boots.Load() != 2 {
		t.Errorf("expected two boots, got %d", boots.Load())
	}
}

func TestFailedBootCanBeRetried(t *testing.T) {
	var attempts atomic.Int32
	boot := func(ctx context.Context) (*Handle, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("runtime crashed")
		}
		return &Handle{ID: "ok"}, nil
	}
	m := NewManager(fakeCaps{sharedMemory: true, isolated: true}, boot)

	if _, err := m.Acquire(context.Background()); err == nil {
		t.Fatal("expected first Acquire to fail")
	}
	handle, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("retry Acquire failed: %v", err)
	}
	if handle.ID != "ok" {
		t.Errorf("unexpected handle %+v", handle)
	}
}

func TestDirBootProvisionsScratchDir(t *testing.T) {
	root := t.TempDir()
	m := NewManager(EnvCapabilities{Root: root}, DirBoot(root))
	if !m.caps.Isolated() {
		t.Skip("scratch root not usable in this environment")
	}

	handle, err := m.Acquire(context.Background())
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			t.Skip("no shared memory mount in this environment")
		}
		t.Fatalf("Acquire failed: %v", err)
	}
	if handle.Root == "" || handle.ID == "" {
		t.Errorf("incomplete handle %+v", handle)
	}
}
