package codec

import (
	"errors"
	"fmt"
	"testing"
)

// fakeBackend is a scriptable decoder for pipeline tests
type fakeBackend struct {
	name     string
	hardware bool
	decode   func(au []byte) (*Frame, error)
	closed   bool
}

func (f *fakeBackend) Name() string   { return f.name }
func (f *fakeBackend) Hardware() bool { return f.hardware }
func (f *fakeBackend) Close() error   { f.closed = true; return nil }
func (f *fakeBackend) Decode(au []byte) (*Frame, error) {
	if f.decode != nil {
		return f.decode(au)
	}
	return &Frame{Width: 640, Height: 480}, nil
}

func TestOpenWith_TriesCandidatesInOrder(t *testing.T) {
	var tried []string
	factory := func(name string, hardware bool, cfg BackendConfig) (Backend, error) {
		tried = append(tried, name)
		if name != HardwareCandidates[2] {
			return nil, fmt.Errorf("%s not present", name)
		}
		return &fakeBackend{name: name, hardware: hardware}, nil
	}

	p, err := OpenWith(factory, BackendConfig{Width: 640, Height: 480}, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer p.Close()

	want := []string{HardwareCandidates[0], HardwareCandidates[1], HardwareCandidates[2]}
	if len(tried) != len(want) {
		t.Fatalf("expected %d attempts, got %v", len(want), tried)
	}
	for i, name := range want {
		if tried[i] != name {
			t.Errorf("attempt %d: expected %s, got %s", i, name, tried[i])
		}
	}
	if p.BackendName() != HardwareCandidates[2] || !p.Hardware() {
		t.Errorf("expected hardware backend %s, got %s", HardwareCandidates[2], p.BackendName())
	}
}

func TestOpenWith_FirstCandidateShortCircuits(t *testing.T) {
	var tried []string
	factory := func(name string, hardware bool, cfg BackendConfig) (Backend, error) {
		tried = append(tried, name)
		return &fakeBackend{name: name, hardware: hardware}, nil
	}

	p, err := OpenWith(factory, BackendConfig{Width: 640, Height: 480}, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer p.Close()

	if len(tried) != 1 || tried[0] != HardwareCandidates[0] {
		t.Errorf("expected a single attempt on %s, got %v", HardwareCandidates[0], tried)
	}
}

func TestOpenWith_SoftwareFallback(t *testing.T) {
	factory := func(name string, hardware bool, cfg BackendConfig) (Backend, error) {
		if hardware {
			return nil, errors.New("no accelerator")
		}
		return &fakeBackend{name: name, hardware: false}, nil
	}

	p, err := OpenWith(factory, BackendConfig{Width: 640, Height: 480}, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer p.Close()

	if p.BackendName() != SoftwareBackend || p.Hardware() {
		t.Errorf("expected software fallback %s, got %s (hardware: %v)", SoftwareBackend, p.BackendName(), p.Hardware())
	}
}

func TestOpenWith_AllBackendsFail(t *testing.T) {
	factory := func(name string, hardware bool, cfg BackendConfig) (Backend, error) {
		return nil, fmt.Errorf("%s unavailable", name)
	}

	_, err := OpenWith(factory, BackendConfig{Width: 640, Height: 480}, nil)
	if err == nil {
		t.Fatal("expected an error when every backend fails")
	}

	var openErr *OpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("expected OpenError, got %T: %v", err, err)
	}
	if len(openErr.Tried) != len(HardwareCandidates)+1 {
		t.Errorf("expected %d tried names, got %v", len(HardwareCandidates)+1, openErr.Tried)
	}
	if openErr.Tried[len(openErr.Tried)-1] != SoftwareBackend {
		t.Errorf("software backend should be the last attempt, got %v", openErr.Tried)
	}
}

func TestPush_DecodeErrorKeepsBackendOpen(t *testing.T) {
	fail := true
	backend := &fakeBackend{
		name: SoftwareBackend,
		decode: func(au []byte) (*Frame, error) {
			if fail {
				return nil, errors.New("corrupt access unit")
			}
			return &Frame{Width: 640, Height: 480}, nil
		},
	}
	factory := func(name string, hardware bool, cfg BackendConfig) (Backend, error) {
		if hardware {
			return nil, errors.New("no accelerator")
		}
		return backend, nil
	}

	p, err := OpenWith(factory, BackendConfig{Width: 640, Height: 480}, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer p.Close()

	err = p.Push([]byte{0, 0, 0, 1, 0x65})
	var decErr *DecodeError
	if !errors.As(err, &decErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if backend.closed {
		t.Fatal("a decode error must not close the backend")
	}

	// Next push on the same backend should succeed
	fail = false
	if err := p.Push([]byte{0, 0, 0, 1, 0x65}); err != nil {
		t.Fatalf("push after decode error failed: %v", err)
	}
	if _, ok := p.Slot().Consume(); !ok {
		t.Error("expected a decoded frame in the slot")
	}
}

func TestPush_NeedsMoreInput(t *testing.T) {
	calls := 0
	frames := 0
	backend := &fakeBackend{
		name: SoftwareBackend,
		decode: func(au []byte) (*Frame, error) {
			calls++
			if calls < 3 {
				return nil, nil // buffering
			}
			return &Frame{Width: 640, Height: 480}, nil
		},
	}
	factory := func(name string, hardware bool, cfg BackendConfig) (Backend, error) {
		if hardware {
			return nil, errors.New("no accelerator")
		}
		return backend, nil
	}

	sink := func(w, h int, planes [3][]byte, strides [3]int) { frames++ }
	p, err := OpenWith(factory, BackendConfig{Width: 640, Height: 480}, sink)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer p.Close()

	for i := 0; i < 3; i++ {
		if err := p.Push([]byte{0, 0, 0, 1}); err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
	}

	if frames != 1 {
		t.Errorf("expected exactly 1 frame after buffering, got %d", frames)
	}
}

func TestClose_Idempotent(t *testing.T) {
	backend := &fakeBackend{name: SoftwareBackend}
	factory := func(name string, hardware bool, cfg BackendConfig) (Backend, error) {
		if hardware {
			return nil, errors.New("no accelerator")
		}
		return backend, nil
	}

	p, err := OpenWith(factory, BackendConfig{Width: 640, Height: 480}, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !backend.closed {
		t.Fatal("backend should be closed")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close should be a no-op, got: %v", err)
	}
}

func TestPush_SinkDrainsSlot(t *testing.T) {
	backend := &fakeBackend{name: SoftwareBackend}
	factory := func(name string, hardware bool, cfg BackendConfig) (Backend, error) {
		if hardware {
			return nil, errors.New("no accelerator")
		}
		return backend, nil
	}

	frames := 0
	sink := func(w, h int, planes [3][]byte, strides [3]int) { frames++ }
	p, err := OpenWith(factory, BackendConfig{Width: 640, Height: 480}, sink)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer p.Close()

	for i := 0; i < 5; i++ {
		if err := p.Push([]byte{0, 0, 0, 1, 0x65}); err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
	}

	if frames != 5 {
		t.Errorf("expected 5 delivered frames, got %d", frames)
	}
	// Delivery goes through the slot, so nothing counts as skipped
	if p.Skipped() != 0 {
		t.Errorf("sink-drained frames must not count as skipped, got %d", p.Skipped())
	}
	if _, ok := p.Slot().Consume(); ok {
		t.Error("slot should be empty after sink delivery")
	}
}

func TestPush_NoSinkCountsOverwrites(t *testing.T) {
	backend := &fakeBackend{name: SoftwareBackend}
	factory := func(name string, hardware bool, cfg BackendConfig) (Backend, error) {
		if hardware {
			return nil, errors.New("no accelerator")
		}
		return backend, nil
	}

	p, err := OpenWith(factory, BackendConfig{Width: 640, Height: 480}, nil)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer p.Close()

	for i := 0; i < 3; i++ {
		if err := p.Push([]byte{0, 0, 0, 1, 0x65}); err != nil {
			t.Fatalf("push %d failed: %v", i, err)
		}
	}

	// Without a consumer the second and third frames overwrite the first
	if p.Skipped() != 2 {
		t.Errorf("expected 2 skipped frames, got %d", p.Skipped())
	}
	if _, ok := p.Slot().Consume(); !ok {
		t.Error("latest frame should still be consumable")
	}
}
