package service

import (
	"errors"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"fleetmirror/codec"
)

// SessionState is the lifecycle state of a device session
type SessionState int

const (
	StateIdle           SessionState = iota // created, not started
	StatePushing                            // relay artifact push in progress
	StateTunnelEnable                       // tunnel redirection being set up
	StateStartingRemote                     // remote process start + transport connect
	StateRunning                            // streaming and decoding
	StateClosed                             // released by explicit disconnect
	StateFailed                             // absorbing failure state
)

func (s SessionState) String() string {
	return [...]string{"IDLE", "PUSHING", "TUNNEL_ENABLE", "STARTING_REMOTE", "RUNNING", "CLOSED", "FAILED"}[s]
}

// Broadcaster pushes session events to attached observers
// (interface here to avoid an import cycle with api)
type Broadcaster interface {
	BroadcastToDevice(serial string, message interface{})
	BroadcastToAll(message interface{})
}

const (
	maxRestarts    = 1
	acceptWait     = 10 * time.Second
	dialAttempts   = 10
	dialRetryDelay = 300 * time.Millisecond
	statsInterval  = time.Second
)

// SessionConfig wires a session's collaborators. Hub, Ledger, Metrics and
// Sink are optional; Backends overrides the decoder factory (tests).
type SessionConfig struct {
	Artifact      string
	PreferForward bool
	Control       bool
	Hub           Broadcaster
	Ledger        *Ledger
	Metrics       *Metrics
	Sink          codec.FrameSink
	Backends      codec.BackendFactory
}

// DeviceSession owns the full connect-decode-stream lifecycle for one
// device. All codec calls happen on its dedicated worker goroutine.
type DeviceSession struct {
	Serial  string
	profile QualityProfile
	cmds    RelayCommands
	cfg     SessionConfig

	mu        sync.Mutex
	state     SessionState
	launcher  *RelayLauncher
	transport *TransportPair
	restarts  int
	createdAt time.Time
	started   bool

	frames    atomic.Uint64
	skipped   atomic.Uint64
	interrupt atomic.Bool
	quit      chan struct{}
	quitOnce  sync.Once
	done      chan struct{}
}

// NewDeviceSession creates a session in Idle; Start spawns its worker
func NewDeviceSession(cmds RelayCommands, serial string, profile QualityProfile, cfg SessionConfig) *DeviceSession {
	return &DeviceSession{
		Serial:    serial,
		profile:   profile,
		cmds:      cmds,
		cfg:       cfg,
		state:     StateIdle,
		createdAt: time.Now(),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state
func (s *DeviceSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Profile returns the quality profile the session launched with
func (s *DeviceSession) Profile() QualityProfile { return s.profile }

// CreatedAt returns the session creation time
func (s *DeviceSession) CreatedAt() time.Time { return s.createdAt }

// TunnelMode reports the mode in effect, forward after fallback
func (s *DeviceSession) TunnelMode() TunnelMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launcher == nil {
		return TunnelReverse
	}
	return s.launcher.Mode()
}

// LocalPort returns the assigned tunnel port, 0 before launch
func (s *DeviceSession) LocalPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.launcher == nil {
		return 0
	}
	return s.launcher.LocalPort()
}

// Frames returns the decoded-frame count
func (s *DeviceSession) Frames() uint64 { return s.frames.Load() }

// Skipped returns the overwritten-before-consumption count
func (s *DeviceSession) Skipped() uint64 { return s.skipped.Load() }

// Restarts returns how many whole-sequence restarts have run
func (s *DeviceSession) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

func (s *DeviceSession) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()

	log.Printf("🔁 [%s] Session state -> %s", s.Serial, state)
	if s.cfg.Ledger != nil {
		s.cfg.Ledger.Record(s.Serial, "state", state.String())
	}
	if s.cfg.Hub != nil {
		s.cfg.Hub.BroadcastToDevice(s.Serial, map[string]interface{}{
			"type":   "state",
			"serial": s.Serial,
			"state":  state.String(),
		})
	}
}

// Start spawns the session worker. Safe to call once; subsequent calls
// are no-ops.
func (s *DeviceSession) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run()
}

// Close tears the session down. Safe to call while the worker is mid
// decode: the interrupt flag is observed at the top of the stream loop and
// the close path waits for in-flight work before the backend is released.
func (s *DeviceSession) Close() {
	s.interrupt.Store(true)
	s.quitOnce.Do(func() { close(s.quit) })

	// Closing the sockets unblocks a worker stuck in a read; closing the
	// tunnel listener unblocks one stuck in an accept
	s.mu.Lock()
	tp := s.transport
	launcher := s.launcher
	wasStarted := s.started
	s.mu.Unlock()
	if tp != nil {
		tp.Close()
	}
	if launcher != nil {
		if ln := launcher.Listener(); ln != nil {
			ln.Close()
		}
	}

	if wasStarted {
		<-s.done
	}

	// Final transition goes through setState so observers and the ledger
	// see it; the worker may already have recorded it
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateFailed && state != StateClosed {
		s.setState(StateClosed)
	}
}

// run is the session worker: the whole launch sequence plus the decode
// loop, with one bounded whole-sequence restart before permanent failure.
func (s *DeviceSession) run() {
	defer close(s.done)

	for attempt := 0; attempt <= maxRestarts; attempt++ {
		if s.interrupt.Load() {
			s.setState(StateClosed)
			return
		}

		if attempt > 0 {
			s.mu.Lock()
			s.restarts++
			s.mu.Unlock()
			if s.cfg.Metrics != nil {
				s.cfg.Metrics.RestartsTotal.Inc()
			}
			backoff := time.Duration(1<<attempt) * time.Second
			log.Printf("🔄 [%s] Restart attempt %d/%d in %v", s.Serial, attempt, maxRestarts, backoff)
			select {
			case <-s.quit:
				s.setState(StateClosed)
				return
			case <-time.After(backoff):
			}
		}

		err := s.runOnce()
		if err == nil || s.interrupt.Load() {
			s.setState(StateClosed)
			return
		}

		log.Printf("❌ [%s] Session attempt %d failed: %v", s.Serial, attempt+1, err)
		if s.cfg.Ledger != nil {
			s.cfg.Ledger.Record(s.Serial, "error", err.Error())
		}
	}

	log.Printf("❌ [%s] Giving up after %d restart attempts", s.Serial, maxRestarts)
	s.setState(StateFailed)
}

// runOnce executes one full launch-connect-decode cycle. Partial teardown
// always runs before it returns, so a restart never leaks sockets or
// tunnels.
func (s *DeviceSession) runOnce() error {
	launcher := NewRelayLauncher(s.cmds, s.Serial, s.cfg.Artifact)
	s.mu.Lock()
	s.launcher = launcher
	s.mu.Unlock()

	// Release order on every exit: sockets, tunnel, process
	var tp *TransportPair
	var pipeline *codec.Pipeline
	defer func() {
		if pipeline != nil {
			pipeline.Close()
		}
		if tp != nil {
			tp.Close()
		}
		launcher.Teardown()
	}()

	s.setState(StatePushing)
	if err := launcher.Push(); err != nil {
		s.countLaunchFailure("push")
		return err
	}

	s.setState(StateTunnelEnable)
	if err := launcher.EnableTunnel(s.cfg.PreferForward); err != nil {
		s.countLaunchFailure("tunnel")
		return err
	}

	s.setState(StateStartingRemote)
	args := RelayArgs{Profile: s.profile, Control: s.cfg.Control}
	if err := launcher.Start(args); err != nil {
		s.countLaunchFailure("start")
		return err
	}

	var err error
	if launcher.Mode() == TunnelReverse {
		tp, err = acceptStreams(s.Serial, launcher.Listener(), s.cfg.Control, acceptWait)
	} else {
		tp, err = dialStreams(s.Serial, launcher.LocalPort(), s.cfg.Control, dialAttempts, dialRetryDelay)
	}
	if err != nil {
		s.countLaunchFailure("handshake")
		return err
	}
	tuneTCP(tp.Video)

	s.mu.Lock()
	s.transport = tp
	s.mu.Unlock()

	s.setState(StateRunning)

	factory := s.cfg.Backends
	if factory == nil {
		pipeline, err = codec.Open(codec.BackendConfig{Width: tp.Meta.Width, Height: tp.Meta.Height}, s.sink())
	} else {
		pipeline, err = codec.OpenWith(factory, codec.BackendConfig{Width: tp.Meta.Width, Height: tp.Meta.Height}, s.sink())
	}
	if err != nil {
		s.countLaunchFailure("decoder")
		return err
	}

	s.consumeStream(tp.Video, pipeline)

	s.mu.Lock()
	s.transport = nil
	s.mu.Unlock()
	return nil
}

// sink wraps the configured frame sink with per-session counters
func (s *DeviceSession) sink() codec.FrameSink {
	return func(width, height int, planes [3][]byte, strides [3]int) {
		s.frames.Add(1)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.FramesTotal.Inc()
		}
		if s.cfg.Sink != nil {
			s.cfg.Sink(width, height, planes, strides)
		}
	}
}

func (s *DeviceSession) countLaunchFailure(step string) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.LaunchFailuresTotal.WithLabelValues(step).Inc()
	}
}

// consumeStream reads the raw H.264 elementary stream and pushes one
// access unit at a time into the codec pipeline. Returns when the stream
// ends or the interrupt flag is observed.
func (s *DeviceSession) consumeStream(r net.Conn, pipeline *codec.Pipeline) {
	log.Printf("🎬 [%s] Consuming H.264 stream", s.Serial)

	accBuf := make([]byte, 0, 1024*1024)
	readBuf := make([]byte, 65536)
	var framesAtTick uint64
	statsTick := time.Now().Add(statsInterval)

	for {
		if s.interrupt.Load() {
			log.Printf("⏹️ [%s] Stream interrupted", s.Serial)
			return
		}

		r.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, err := r.Read(readBuf)
		if n > 0 {
			accBuf = append(accBuf, readBuf[:n]...)
		}

		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			errStr := err.Error()
			if errors.Is(err, io.EOF) {
				log.Printf("⚠️ [%s] Stream closed by remote device (EOF)", s.Serial)
			} else if !strings.Contains(errStr, "use of closed network connection") {
				log.Printf("❌ [%s] Stream read error: %v", s.Serial, err)
			}
			return
		}

		for {
			au, remaining := extractAccessUnit(accBuf)
			if au == nil {
				break
			}
			accBuf = remaining

			if err := pipeline.Push(au); err != nil {
				// per-call failure: report, keep the backend alive
				var decErr *codec.DecodeError
				if errors.As(err, &decErr) {
					log.Printf("⚠️ [%s] %v", s.Serial, decErr)
					if s.cfg.Metrics != nil {
						s.cfg.Metrics.DecodeErrorsTotal.Inc()
					}
					continue
				}
				log.Printf("❌ [%s] Pipeline push failed: %v", s.Serial, err)
				return
			}
		}

		if now := time.Now(); now.After(statsTick) {
			statsTick = now.Add(statsInterval)
			s.skipped.Store(pipeline.Skipped())
			frames := s.frames.Load()
			fps := frames - framesAtTick
			framesAtTick = frames
			if s.cfg.Hub != nil {
				s.cfg.Hub.BroadcastToDevice(s.Serial, map[string]interface{}{
					"type":    "stats",
					"serial":  s.Serial,
					"fps":     fps,
					"frames":  frames,
					"skipped": pipeline.Skipped(),
					"backend": pipeline.BackendName(),
				})
			}
		}
	}
}

// extractAccessUnit extracts a single start-code delimited unit from buf
func extractAccessUnit(buf []byte) (au []byte, remaining []byte) {
	if len(buf) < 4 {
		return nil, buf
	}

	startIdx := findStartCodeIndex(buf)
	if startIdx < 0 {
		return nil, buf
	}

	searchStart := startIdx + 3
	if len(buf) > startIdx+3 && buf[startIdx+2] == 0 {
		searchStart = startIdx + 4
	}

	nextIdx := -1
	for i := searchStart; i < len(buf)-2; i++ {
		if buf[i] == 0 && buf[i+1] == 0 && (buf[i+2] == 1 || (buf[i+2] == 0 && i+3 < len(buf) && buf[i+3] == 1)) {
			nextIdx = i
			break
		}
	}

	if nextIdx > 0 {
		return buf[startIdx:nextIdx], buf[nextIdx:]
	}

	if len(buf) > 1024*100 {
		return buf[startIdx:], nil
	}

	return nil, buf
}

// findStartCodeIndex finds the position of 00 00 01 or 00 00 00 01
func findStartCodeIndex(data []byte) int {
	n := len(data)
	for i := 0; i < n-2; i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if i > 0 && data[i-1] == 0 {
				return i - 1
			}
			return i
		}
	}
	return -1
}
