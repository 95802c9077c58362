package service

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"time"
)

// Device metadata header, read once per session after transport connect:
// fixed 64-byte NUL-padded device name, then big-endian codec id, frame
// width and frame height (4 bytes each).
const (
	deviceNameLen = 64
	metaHeaderLen = deviceNameLen + 12
)

// CodecH264 is the only codec identifier currently interpreted ("h264").
const CodecH264 = 0x68323634

const (
	acceptPollInterval = 500 * time.Millisecond
	metaReadTimeout    = 5 * time.Second
)

// HandshakeError covers accept/dial timeouts and malformed or incomplete
// device metadata. Terminal for the session.
type HandshakeError struct {
	Reason string
	Err    error
}

func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("handshake failed (%s)", e.Reason)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// DeviceMeta is the parsed metadata header
type DeviceMeta struct {
	DeviceName string
	CodecID    uint32
	Width      int
	Height     int
}

// TransportPair holds the live sockets for a session plus the parsed
// device metadata. Closed exactly once on teardown.
type TransportPair struct {
	Video   net.Conn
	Control net.Conn // nil in video-only sessions
	Meta    DeviceMeta

	closeOnce sync.Once
}

// Close releases both sockets, idempotently
func (t *TransportPair) Close() {
	t.closeOnce.Do(func() {
		if t.Video != nil {
			t.Video.Close()
		}
		if t.Control != nil {
			t.Control.Close()
		}
	})
}

func parseDeviceMeta(buf []byte) (DeviceMeta, error) {
	if len(buf) < metaHeaderLen {
		return DeviceMeta{}, &HandshakeError{Reason: fmt.Sprintf("short metadata header: %d bytes", len(buf))}
	}

	meta := DeviceMeta{
		DeviceName: string(bytes.TrimRight(buf[:deviceNameLen], "\x00")),
		CodecID:    binary.BigEndian.Uint32(buf[deviceNameLen : deviceNameLen+4]),
		Width:      int(binary.BigEndian.Uint32(buf[deviceNameLen+4 : deviceNameLen+8])),
		Height:     int(binary.BigEndian.Uint32(buf[deviceNameLen+8 : deviceNameLen+12])),
	}

	if meta.CodecID != CodecH264 {
		return DeviceMeta{}, &HandshakeError{Reason: fmt.Sprintf("unsupported codec id 0x%08x", meta.CodecID)}
	}
	if meta.Width == 0 || meta.Height == 0 {
		return DeviceMeta{}, &HandshakeError{Reason: fmt.Sprintf("invalid frame size %dx%d", meta.Width, meta.Height)}
	}
	return meta, nil
}

// readDeviceMeta reads the fixed-length metadata header from the video
// socket. The header may arrive in fragments across multiple read events,
// so partial reads are buffered until the full length is available.
func readDeviceMeta(conn net.Conn, timeout time.Duration) (DeviceMeta, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 0, metaHeaderLen)
	tmp := make([]byte, metaHeaderLen)
	for len(buf) < metaHeaderLen {
		n, err := conn.Read(tmp[:metaHeaderLen-len(buf)])
		if n > 0 {
			buf = append(buf, tmp[:n]...)
		}
		if err != nil && len(buf) < metaHeaderLen {
			return DeviceMeta{}, &HandshakeError{Reason: fmt.Sprintf("incomplete metadata (%d/%d bytes)", len(buf), metaHeaderLen), Err: err}
		}
	}
	return parseDeviceMeta(buf)
}

// acceptStreams waits on the reverse-mode listener for the device to dial
// in, polling at a low frequency until the wait budget elapses. The first
// accepted connection carries video; the second, when control is enabled,
// carries control.
func acceptStreams(serial string, ln net.Listener, wantControl bool, wait time.Duration) (*TransportPair, error) {
	deadline := time.Now().Add(wait)

	video, err := acceptWithin(ln, deadline)
	if err != nil {
		return nil, &HandshakeError{Reason: "no video connection accepted", Err: err}
	}

	var control net.Conn
	if wantControl {
		control, err = acceptWithin(ln, deadline)
		if err != nil {
			video.Close()
			return nil, &HandshakeError{Reason: "no control connection accepted", Err: err}
		}
	}

	meta, err := readDeviceMeta(video, metaReadTimeout)
	if err != nil {
		video.Close()
		if control != nil {
			control.Close()
		}
		return nil, err
	}

	log.Printf("🤝 [%s] Reverse transport up - %s @ %dx%d (control: %v)", serial, meta.DeviceName, meta.Width, meta.Height, control != nil)
	return &TransportPair{Video: video, Control: control, Meta: meta}, nil
}

func acceptWithin(ln net.Listener, deadline time.Time) (net.Conn, error) {
	type deadliner interface {
		SetDeadline(time.Time) error
	}

	for {
		if dl, ok := ln.(deadliner); ok {
			dl.SetDeadline(time.Now().Add(acceptPollInterval))
		}
		conn, err := ln.Accept()
		if err == nil {
			if dl, ok := ln.(deadliner); ok {
				dl.SetDeadline(time.Time{})
			}
			return conn, nil
		}
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() && time.Now().Before(deadline) {
			continue
		}
		return nil, err
	}
}

// dialStreams connects out to the forward tunnel. The device sends one
// throwaway sentinel byte per channel before the real stream begins; both
// are consumed here.
func dialStreams(serial string, port int, wantControl bool, attempts int, delay time.Duration) (*TransportPair, error) {
	video, err := dialWithRetry(serial, port, attempts, delay)
	if err != nil {
		return nil, &HandshakeError{Reason: "video dial exhausted", Err: err}
	}
	if err := readSentinel(video); err != nil {
		video.Close()
		return nil, &HandshakeError{Reason: "video sentinel", Err: err}
	}

	var control net.Conn
	if wantControl {
		control, err = dialWithRetry(serial, port, attempts/2, delay)
		if err != nil {
			video.Close()
			return nil, &HandshakeError{Reason: "control dial exhausted", Err: err}
		}
		if err := readSentinel(control); err != nil {
			video.Close()
			control.Close()
			return nil, &HandshakeError{Reason: "control sentinel", Err: err}
		}
	}

	meta, err := readDeviceMeta(video, metaReadTimeout)
	if err != nil {
		video.Close()
		if control != nil {
			control.Close()
		}
		return nil, err
	}

	log.Printf("🤝 [%s] Forward transport up - %s @ %dx%d (control: %v)", serial, meta.DeviceName, meta.Width, meta.Height, control != nil)
	return &TransportPair{Video: video, Control: control, Meta: meta}, nil
}

// dialWithRetry attempts to connect to the forward tunnel with retries
func dialWithRetry(serial string, port int, maxRetries int, delay time.Duration) (net.Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	for i := 0; i < maxRetries; i++ {
		conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
		if err == nil {
			return conn, nil
		}
		log.Printf("⏳ [%s] Connection attempt %d/%d failed, retrying...", serial, i+1, maxRetries)
		time.Sleep(delay)
	}

	return nil, fmt.Errorf("failed to connect after %d retries", maxRetries)
}

func readSentinel(conn net.Conn) error {
	conn.SetReadDeadline(time.Now().Add(metaReadTimeout))
	defer conn.SetReadDeadline(time.Time{})

	one := make([]byte, 1)
	if _, err := conn.Read(one); err != nil {
		return err
	}
	return nil
}

// tuneTCP applies streaming-friendly socket options to the video channel
func tuneTCP(conn net.Conn) {
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetReadBuffer(1 << 20)
		tc.SetWriteBuffer(1 << 20)
	}
}
