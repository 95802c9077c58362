package service

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"fleetmirror/adb"
	"fleetmirror/codec"
)

// streamingCmds extends the recorder with a device side: once the relay
// process "starts", it dials into the reverse listener and plays an
// annex-B stream.
type streamingCmds struct {
	fakeCmds
	port   int
	stream []byte
}

func (f *streamingCmds) EnableReverse(serial, remoteSocket string, localPort int) error {
	f.port = localPort
	return f.fakeCmds.EnableReverse(serial, remoteSocket, localPort)
}

func (f *streamingCmds) StartRelay(serial string, args []string) (adb.Process, error) {
	proc, err := f.fakeCmds.StartRelay(serial, args)
	if err != nil {
		return nil, err
	}

	go func() {
		conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", itoa(f.port)))
		if err != nil {
			return
		}
		defer conn.Close()
		conn.Write(buildMetaHeader("test-device", CodecH264, 640, 480))
		conn.Write(f.stream)
		time.Sleep(500 * time.Millisecond)
	}()
	return proc, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var b [8]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

// countingBackend turns every access unit into one frame
type countingBackend struct{ closed bool }

func (b *countingBackend) Name() string   { return "fake" }
func (b *countingBackend) Hardware() bool { return false }
func (b *countingBackend) Close() error   { b.closed = true; return nil }
func (b *countingBackend) Decode(au []byte) (*codec.Frame, error) {
	return &codec.Frame{Width: 640, Height: 480}, nil
}

func fakeBackendFactory(name string, hardware bool, cfg codec.BackendConfig) (codec.Backend, error) {
	if hardware {
		return nil, errors.New("no accelerator")
	}
	return &countingBackend{}, nil
}

func annexBStream() []byte {
	sps := []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x0a, 0xf8, 0x41, 0xa2}
	pps := []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xce, 0x38, 0x80}
	idr := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0x10}
	var stream []byte
	stream = append(stream, sps...)
	stream = append(stream, pps...)
	for i := 0; i < 5; i++ {
		stream = append(stream, idr...)
	}
	return stream
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(20 * time.Millisecond)
	}
	return false
}

func TestSession_ReverseEndToEnd(t *testing.T) {
	cmds := &streamingCmds{stream: annexBStream()}
	s := NewDeviceSession(cmds, "test-device", ProfileFor(1), SessionConfig{
		Artifact: "./relay.jar",
		Backends: fakeBackendFactory,
	})

	s.Start()
	defer s.Close()

	if !waitFor(t, 5*time.Second, func() bool { return s.State() == StateRunning }) {
		t.Fatalf("session never reached RUNNING, state: %s", s.State())
	}
	if !waitFor(t, 5*time.Second, func() bool { return s.Frames() >= 3 }) {
		t.Fatalf("expected decoded frames, got %d", s.Frames())
	}

	if s.TunnelMode() != TunnelReverse {
		t.Errorf("expected reverse tunnel, got %s", s.TunnelMode())
	}

	s.Close()
	if s.State() != StateClosed {
		t.Errorf("expected CLOSED after close, got %s", s.State())
	}
}

func TestSession_PushFailureExhaustsRestarts(t *testing.T) {
	cmds := &fakeCmds{failPush: true}
	s := NewDeviceSession(cmds, "dev1", ProfileFor(1), SessionConfig{
		Artifact: "./relay.jar",
		Backends: fakeBackendFactory,
	})

	s.Start()

	// Initial attempt plus one restart after backoff
	if !waitFor(t, 6*time.Second, func() bool { return s.State() == StateFailed }) {
		t.Fatalf("expected FAILED, got %s", s.State())
	}
	if s.Restarts() != maxRestarts {
		t.Errorf("expected %d restart, got %d", maxRestarts, s.Restarts())
	}
}

func TestSession_CloseDuringBackoff(t *testing.T) {
	cmds := &fakeCmds{failPush: true}
	s := NewDeviceSession(cmds, "dev1", ProfileFor(1), SessionConfig{
		Artifact: "./relay.jar",
		Backends: fakeBackendFactory,
	})

	s.Start()

	// Let the first attempt fail and the backoff sleep begin
	time.Sleep(200 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close should interrupt the restart backoff")
	}
	if s.State() != StateClosed {
		t.Errorf("expected CLOSED, got %s", s.State())
	}
}

func TestSession_CloseUnstarted(t *testing.T) {
	s := NewDeviceSession(&fakeCmds{}, "dev1", ProfileFor(1), SessionConfig{})
	s.Close() // must not block waiting for a worker that never ran
	if s.State() != StateClosed {
		t.Errorf("expected CLOSED, got %s", s.State())
	}
}

func TestExtractAccessUnit(t *testing.T) {
	sps := []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x0a}
	idr := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84}

	var buf []byte
	buf = append(buf, sps...)
	buf = append(buf, idr...)

	au, remaining := extractAccessUnit(buf)
	if !bytes.Equal(au, sps) {
		t.Errorf("expected SPS unit, got % x", au)
	}
	if !bytes.Equal(remaining, idr) {
		t.Errorf("expected IDR left in buffer, got % x", remaining)
	}

	// The trailing unit stays buffered until a following start code
	au, remaining = extractAccessUnit(remaining)
	if au != nil {
		t.Errorf("trailing unit should stay buffered, got % x", au)
	}
	if !bytes.Equal(remaining, idr) {
		t.Errorf("buffer should be unchanged, got % x", remaining)
	}
}

func TestExtractAccessUnit_ThreeByteStartCode(t *testing.T) {
	first := []byte{0x00, 0x00, 0x01, 0x67, 0x42}
	second := []byte{0x00, 0x00, 0x01, 0x65, 0x88}

	var buf []byte
	buf = append(buf, first...)
	buf = append(buf, second...)

	au, remaining := extractAccessUnit(buf)
	if !bytes.Equal(au, first) {
		t.Errorf("expected first unit, got % x", au)
	}
	if !bytes.Equal(remaining, second) {
		t.Errorf("expected second unit buffered, got % x", remaining)
	}
}

func TestFindStartCodeIndex(t *testing.T) {
	cases := []struct {
		data []byte
		want int
	}{
		{[]byte{0x00, 0x00, 0x01, 0x67}, 0},
		{[]byte{0x00, 0x00, 0x00, 0x01, 0x67}, 0},
		{[]byte{0xff, 0x00, 0x00, 0x01}, 1},
		{[]byte{0xff, 0xff, 0xff}, -1},
		{nil, -1},
	}

	for i, tc := range cases {
		if got := findStartCodeIndex(tc.data); got != tc.want {
			t.Errorf("case %d: expected %d, got %d", i, tc.want, got)
		}
	}
}

// recordingHub captures broadcast session events
type recordingHub struct {
	mu     sync.Mutex
	events []map[string]interface{}
}

func (h *recordingHub) BroadcastToDevice(serial string, message interface{}) {
	if m, ok := message.(map[string]interface{}); ok {
		h.mu.Lock()
		h.events = append(h.events, m)
		h.mu.Unlock()
	}
}

func (h *recordingHub) BroadcastToAll(message interface{}) {}

func (h *recordingHub) states() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var states []string
	for _, m := range h.events {
		if m["type"] == "state" {
			states = append(states, m["state"].(string))
		}
	}
	return states
}

func TestSession_CloseBroadcastsFinalState(t *testing.T) {
	hub := &recordingHub{}
	s := NewDeviceSession(&fakeCmds{}, "dev1", ProfileFor(1), SessionConfig{Hub: hub})

	s.Close()

	states := hub.states()
	if len(states) != 1 || states[0] != StateClosed.String() {
		t.Fatalf("expected a single CLOSED state event, got %v", states)
	}
}

func TestSession_CloseDoesNotRepeatWorkerTransition(t *testing.T) {
	hub := &recordingHub{}
	cmds := &streamingCmds{stream: annexBStream()}
	s := NewDeviceSession(cmds, "test-device", ProfileFor(1), SessionConfig{
		Artifact: "./relay.jar",
		Hub:      hub,
		Backends: fakeBackendFactory,
	})

	s.Start()
	if !waitFor(t, 5*time.Second, func() bool { return s.State() == StateRunning }) {
		t.Fatalf("session never reached RUNNING, state: %s", s.State())
	}

	s.Close()

	closed := 0
	for _, state := range hub.states() {
		if state == StateClosed.String() {
			closed++
		}
	}
	if closed != 1 {
		t.Errorf("expected exactly one CLOSED event, got %d (%v)", closed, hub.states())
	}
}
