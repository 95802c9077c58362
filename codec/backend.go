package codec

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Backend is one concrete decoder bound to a session. All calls must come
// from the session's dedicated worker: the underlying context is not
// relocatable across goroutines once opened.
type Backend interface {
	Name() string
	Hardware() bool
	// Decode sends one access unit, then drains at most one completed
	// picture. A nil frame with nil error means the decoder needs more
	// input.
	Decode(au []byte) (*Frame, error)
	Close() error
}

// BackendConfig carries the stream geometry from the device metadata
type BackendConfig struct {
	Width  int
	Height int
}

// BackendFactory opens a named decoder backend. The default is the
// GStreamer factory; tests substitute their own.
type BackendFactory func(name string, hardware bool, cfg BackendConfig) (Backend, error)

// HardwareCandidates are tried in priority order before falling back to
// the guaranteed software decoder.
var HardwareCandidates = []string{"vaapih264dec", "nvh264dec", "d3d11h264dec"}

// SoftwareBackend is the always-available H264 fallback
const SoftwareBackend = "avdec_h264"

// Settle delays applied after a successful open, before the first push:
// decode calls issued immediately after open race the backend's internal
// initialization. The software decoder needs longer.
const (
	hardwareSettleDelay = 100 * time.Millisecond
	softwareSettleDelay = 500 * time.Millisecond
)

// openCloseMu serializes backend open/close process-wide. The decoder
// library's initialization path touches process-global tables and is not
// safe under concurrent open/close from multiple sessions; steady-state
// Decode calls on an already-open backend are independent and take no
// cross-session lock.
var openCloseMu sync.Mutex

// gpuSlots bounds concurrent accelerator context creation across all
// sessions, independent of total session count.
var gpuSlots = semaphore.NewWeighted(4)

const gpuSlotWait = 10 * time.Second

// OpenError reports that every backend candidate was exhausted. Terminal
// for the session.
type OpenError struct {
	Tried []string
	Err   error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("no decoder backend available (tried %s): %v", strings.Join(e.Tried, ", "), e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }

// DecodeError reports a single failed push/pull cycle. The backend stays
// valid; the caller decides whether to tear the session down.
type DecodeError struct {
	Backend string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error on %s: %v", e.Backend, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// openOne runs one backend-open attempt under the process-wide lock.
// Hardware attempts additionally hold a shared accelerator-context slot.
func openOne(factory BackendFactory, name string, hardware bool, cfg BackendConfig) (Backend, error) {
	if hardware {
		ctx, cancel := context.WithTimeout(context.Background(), gpuSlotWait)
		defer cancel()
		if err := gpuSlots.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("accelerator context slot: %w", err)
		}
		defer gpuSlots.Release(1)
	}

	openCloseMu.Lock()
	defer openCloseMu.Unlock()
	return factory(name, hardware, cfg)
}

func closeBackend(b Backend) error {
	openCloseMu.Lock()
	defer openCloseMu.Unlock()
	return b.Close()
}
