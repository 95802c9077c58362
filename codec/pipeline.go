package codec

import (
	"log"
	"time"
)

// Pipeline consumes the video byte stream as discrete access units, feeds
// them to the selected backend and publishes completed pictures through
// the session's frame slot.
type Pipeline struct {
	backend Backend
	slot    *FrameSlot
	sink    FrameSink
	closed  bool
}

// Open selects a backend for the session using the default GStreamer
// factory and the standard candidate order.
func Open(cfg BackendConfig, sink FrameSink) (*Pipeline, error) {
	return OpenWith(newGstBackend, cfg, sink)
}

// OpenWith tries every hardware candidate exactly once, in priority
// order; a successful attempt short-circuits the rest. Each failed
// attempt is fully rolled back by its factory before the next name is
// tried. If all hardware names fail, the software H264 backend is the
// guaranteed fallback. After a successful open the settle delay elapses
// before the pipeline is returned for its first push.
func OpenWith(factory BackendFactory, cfg BackendConfig, sink FrameSink) (*Pipeline, error) {
	var (
		backend Backend
		tried   []string
		lastErr error
	)

	for _, name := range HardwareCandidates {
		b, err := openOne(factory, name, true, cfg)
		tried = append(tried, name)
		if err != nil {
			log.Printf("⚠️ Decoder %s unavailable: %v", name, err)
			lastErr = err
			continue
		}
		backend = b
		break
	}

	if backend == nil {
		b, err := openOne(factory, SoftwareBackend, false, cfg)
		tried = append(tried, SoftwareBackend)
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return nil, &OpenError{Tried: tried, Err: err}
		}
		backend = b
	}

	if backend.Hardware() {
		time.Sleep(hardwareSettleDelay)
	} else {
		time.Sleep(softwareSettleDelay)
	}

	log.Printf("🎞️ Decoder backend open: %s (hardware: %v)", backend.Name(), backend.Hardware())
	return &Pipeline{backend: backend, slot: &FrameSlot{}, sink: sink}, nil
}

// Push sends one access unit through the backend. A completed picture is
// published to the frame slot (overwriting an unconsumed frame); an
// attached sink drains the slot immediately, so the skip counter only
// grows when frames genuinely go undelivered. A DecodeError does not
// close the backend.
func (p *Pipeline) Push(au []byte) error {
	frame, err := p.backend.Decode(au)
	if err != nil {
		return &DecodeError{Backend: p.backend.Name(), Err: err}
	}
	if frame == nil {
		// decoder needs more input
		return nil
	}

	p.slot.Publish(frame)
	if p.sink != nil {
		if f, ok := p.slot.Consume(); ok {
			p.sink(f.Width, f.Height, f.Planes, f.Strides)
		}
	}
	return nil
}

// Slot exposes the session's frame slot to the consumer side
func (p *Pipeline) Slot() *FrameSlot { return p.slot }

// BackendName reports the selected backend
func (p *Pipeline) BackendName() string { return p.backend.Name() }

// Hardware reports whether the hardware transfer path is engaged
func (p *Pipeline) Hardware() bool { return p.backend.Hardware() }

// Skipped returns the slot's overwrite count
func (p *Pipeline) Skipped() uint64 { return p.slot.Skipped() }

// Close releases the backend, idempotently. Must run on the same worker
// that opened the pipeline.
func (p *Pipeline) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return closeBackend(p.backend)
}
