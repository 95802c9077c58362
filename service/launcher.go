package service

import (
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"

	"fleetmirror/adb"
)

// TunnelMode selects how the relay's sockets reach the controller
type TunnelMode int

const (
	TunnelReverse TunnelMode = iota // device dials out to the controller
	TunnelForward                   // controller dials into the device
)

func (m TunnelMode) String() string {
	if m == TunnelForward {
		return "forward"
	}
	return "reverse"
}

// RelayCommands is the external command channel driven by the launcher.
// *adb.Client satisfies it; tests substitute a recorder.
type RelayCommands interface {
	PushRelay(serial, localPath, remotePath string) error
	EnableForward(serial string, localPort int, remoteSocket string) error
	DisableForward(serial string, localPort int) error
	EnableReverse(serial, remoteSocket string, localPort int) error
	DisableReverse(serial, remoteSocket string) error
	StartRelay(serial string, args []string) (adb.Process, error)
}

// LaunchError reports which step of the launch sequence failed
type LaunchError struct {
	Step   string // push | tunnel | start
	Serial string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch failed at %s for %s: %v", e.Step, e.Serial, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

const (
	relayRemotePath = "/data/local/tmp/fleetmirror-relay.jar"
	relayMainClass  = "com.fleetmirror.relay.Server"
	relayVersion    = "1.0"

	pushAttempts = 2
)

// RelayArgs are the launch parameters serialized onto the remote process
// argument list.
type RelayArgs struct {
	Profile         QualityProfile
	LockOrientation bool
	Orientation     int
	Crop            string // "w:h:x:y" or empty
	Control         bool
	CodecOptions    string
	Encoder         string
}

// RelayLauncher drives the linear external-command sequence for one
// device: push artifact, enable tunnel (reverse first unless forced
// forward), start remote process. If reverse tunnel setup fails, the
// sequence falls back to forward mode and restarts from the tunnel step;
// the artifact is not pushed again.
type RelayLauncher struct {
	cmds     RelayCommands
	serial   string
	artifact string
	scid     uint32

	mu         sync.Mutex // guards mode, tunnel and process state
	mode       TunnelMode
	socketName string
	localPort  int
	listener   net.Listener // reverse mode only
	tunnelUp   bool
	process    adb.Process
}

// NewRelayLauncher creates a launcher for one device. The session
// correlation id is a random 31-bit value: the remote side parses it as
// signed 32-bit hex, so bit 31 must stay clear.
func NewRelayLauncher(cmds RelayCommands, serial, artifact string) *RelayLauncher {
	scid := rand.Uint32() & 0x7FFFFFFF
	return &RelayLauncher{
		cmds:       cmds,
		serial:     serial,
		artifact:   artifact,
		scid:       scid,
		mode:       TunnelReverse,
		socketName: fmt.Sprintf("fleetmirror_%08x", scid),
	}
}

// Mode returns the tunnel mode in effect after EnableTunnel
func (l *RelayLauncher) Mode() TunnelMode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// SCID returns the session correlation id
func (l *RelayLauncher) SCID() uint32 { return l.scid }

// Listener returns the reverse-mode accept socket, nil in forward mode
func (l *RelayLauncher) Listener() net.Listener {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listener
}

// LocalPort returns the tunnel's controller-side TCP port
func (l *RelayLauncher) LocalPort() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localPort
}

// Launch runs the whole sequence: push -> tunnel -> start
func (l *RelayLauncher) Launch(args RelayArgs, preferForward bool) error {
	if err := l.Push(); err != nil {
		return err
	}
	if err := l.EnableTunnel(preferForward); err != nil {
		return err
	}
	return l.Start(args)
}

// Push sends the relay artifact to the device, retrying the external
// command a bounded number of times.
func (l *RelayLauncher) Push() error {
	log.Printf("📦 [%s] Pushing relay artifact...", l.serial)

	var err error
	for i := 0; i < pushAttempts; i++ {
		if err = l.cmds.PushRelay(l.serial, l.artifact, relayRemotePath); err == nil {
			log.Printf("✅ [%s] Relay artifact pushed", l.serial)
			return nil
		}
	}
	return &LaunchError{Step: "push", Serial: l.serial, Err: err}
}

// EnableTunnel sets up the network redirection. Reverse is tried first
// unless the caller forces forward; a reverse failure tears the partial
// tunnel down and falls back to forward before surfacing anything.
func (l *RelayLauncher) EnableTunnel(preferForward bool) error {
	if preferForward {
		l.setMode(TunnelForward)
	}

	if l.Mode() == TunnelReverse {
		err := l.enableReverse()
		if err == nil {
			return nil
		}
		log.Printf("⚠️ [%s] Reverse tunnel failed (%v), falling back to forward", l.serial, err)
		l.teardownTunnel()
		l.setMode(TunnelForward)
	}

	if err := l.enableForward(); err != nil {
		l.teardownTunnel()
		return &LaunchError{Step: "tunnel", Serial: l.serial, Err: err}
	}
	return nil
}

func (l *RelayLauncher) setMode(m TunnelMode) {
	l.mu.Lock()
	l.mode = m
	l.mu.Unlock()
}

func (l *RelayLauncher) enableReverse() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("reverse listen failed: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if err := l.cmds.EnableReverse(l.serial, l.socketName, port); err != nil {
		ln.Close()
		return err
	}

	l.mu.Lock()
	l.listener = ln
	l.localPort = port
	l.tunnelUp = true
	l.mu.Unlock()
	log.Printf("🔌 [%s] Reverse tunnel on port %d (socket: %s)", l.serial, port, l.socketName)
	return nil
}

func (l *RelayLauncher) enableForward() error {
	port := findFreePort()
	if port == 0 {
		return fmt.Errorf("failed to find free port")
	}

	if err := l.cmds.EnableForward(l.serial, port, l.socketName); err != nil {
		return err
	}

	l.mu.Lock()
	l.localPort = port
	l.tunnelUp = true
	l.mu.Unlock()
	log.Printf("🔌 [%s] Forward tunnel on port %d (socket: %s)", l.serial, port, l.socketName)
	return nil
}

// Start launches the remote relay process
func (l *RelayLauncher) Start(args RelayArgs) error {
	log.Printf("🚀 [%s] Starting relay process (%s mode)...", l.serial, l.mode)

	proc, err := l.cmds.StartRelay(l.serial, l.buildArgs(args))
	if err != nil {
		l.Teardown()
		return &LaunchError{Step: "start", Serial: l.serial, Err: err}
	}
	l.mu.Lock()
	l.process = proc
	l.mu.Unlock()
	log.Printf("✅ [%s] Relay process started", l.serial)
	return nil
}

// buildArgs serializes the launch parameters for the remote process
func (l *RelayLauncher) buildArgs(a RelayArgs) []string {
	args := []string{
		"CLASSPATH=" + relayRemotePath,
		"app_process",
		"/",
		relayMainClass,
		relayVersion,
		fmt.Sprintf("scid=%08x", l.scid), // HEX format, 8 chars, no 0x prefix
		"video=true",
		"audio=false",
		fmt.Sprintf("video_bit_rate=%d", a.Profile.BitRate),
	}
	if a.Profile.MaxSize > 0 {
		args = append(args, fmt.Sprintf("max_size=%d", a.Profile.MaxSize))
	}
	if a.Profile.MaxFPS > 0 {
		args = append(args, fmt.Sprintf("max_fps=%d", a.Profile.MaxFPS))
	}
	if a.LockOrientation {
		args = append(args, fmt.Sprintf("lock_video_orientation=%d", a.Orientation))
	}
	if a.Crop != "" {
		args = append(args, "crop="+a.Crop)
	}
	args = append(args, fmt.Sprintf("control=%t", a.Control))
	if a.CodecOptions != "" {
		args = append(args, "codec_options="+a.CodecOptions)
	}
	if a.Encoder != "" {
		args = append(args, "encoder_name="+a.Encoder)
	}
	if l.Mode() == TunnelForward {
		args = append(args, "tunnel_forward=true")
	}
	return args
}

// Teardown releases tunnel resources and the remote process handle, in
// that order, idempotently. Sockets belong to the TransportPair and are
// closed by the session before this runs.
func (l *RelayLauncher) Teardown() {
	l.teardownTunnel()

	l.mu.Lock()
	proc := l.process
	l.process = nil
	l.mu.Unlock()
	if proc != nil {
		log.Printf("🛑 [%s] Killing relay process...", l.serial)
		proc.Kill()
		proc.Wait()
	}
}

func (l *RelayLauncher) teardownTunnel() {
	l.mu.Lock()
	ln := l.listener
	l.listener = nil
	up := l.tunnelUp
	mode := l.mode
	port := l.localPort
	l.tunnelUp = false
	l.localPort = 0
	l.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	if !up {
		return
	}

	if mode == TunnelReverse {
		if err := l.cmds.DisableReverse(l.serial, l.socketName); err != nil {
			log.Printf("⚠️ [%s] Failed to remove reverse tunnel: %v", l.serial, err)
		}
	} else if port > 0 {
		if err := l.cmds.DisableForward(l.serial, port); err != nil {
			log.Printf("⚠️ [%s] Failed to remove forward tunnel: %v", l.serial, err)
		}
	}
}

// findFreePort finds an available TCP port
func findFreePort() int {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port
}
