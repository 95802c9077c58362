package service

import (
	"encoding/binary"
	"net"
	"testing"
	"time"
)

func buildMetaHeader(name string, codecID uint32, width, height int) []byte {
	buf := make([]byte, metaHeaderLen)
	copy(buf[:deviceNameLen], name)
	binary.BigEndian.PutUint32(buf[deviceNameLen:], codecID)
	binary.BigEndian.PutUint32(buf[deviceNameLen+4:], uint32(width))
	binary.BigEndian.PutUint32(buf[deviceNameLen+8:], uint32(height))
	return buf
}

func TestParseDeviceMeta(t *testing.T) {
	buf := buildMetaHeader("Pixel 7", CodecH264, 1280, 720)

	meta, err := parseDeviceMeta(buf)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if meta.DeviceName != "Pixel 7" {
		t.Errorf("expected device name without NUL padding, got %q", meta.DeviceName)
	}
	if meta.CodecID != CodecH264 {
		t.Errorf("expected codec id 0x%08x, got 0x%08x", uint32(CodecH264), meta.CodecID)
	}
	if meta.Width != 1280 || meta.Height != 720 {
		t.Errorf("expected 1280x720, got %dx%d", meta.Width, meta.Height)
	}
}

func TestParseDeviceMeta_Rejects(t *testing.T) {
	cases := []struct {
		name string
		buf  []byte
	}{
		{"short header", make([]byte, metaHeaderLen-1)},
		{"unknown codec", buildMetaHeader("dev", 0x12345678, 1280, 720)},
		{"zero width", buildMetaHeader("dev", CodecH264, 0, 720)},
		{"zero height", buildMetaHeader("dev", CodecH264, 1280, 0)},
	}

	for _, tc := range cases {
		if _, err := parseDeviceMeta(tc.buf); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

func TestReadDeviceMeta_FragmentedDelivery(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	header := buildMetaHeader("emulator-5554", CodecH264, 1920, 1080)

	// Deliver the header in three fragments with small gaps
	go func() {
		server.Write(header[:10])
		time.Sleep(10 * time.Millisecond)
		server.Write(header[10:70])
		time.Sleep(10 * time.Millisecond)
		server.Write(header[70:])
	}()

	meta, err := readDeviceMeta(client, time.Second)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if meta.DeviceName != "emulator-5554" || meta.Width != 1920 || meta.Height != 1080 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
}

func TestReadDeviceMeta_Truncated(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		server.Write(buildMetaHeader("dev", CodecH264, 640, 480)[:30])
		server.Close()
	}()

	_, err := readDeviceMeta(client, time.Second)
	if err == nil {
		t.Fatal("expected an error for a truncated header")
	}
	if _, ok := err.(*HandshakeError); !ok {
		t.Errorf("expected HandshakeError, got %T", err)
	}
}

func TestAcceptStreams_VideoAndControl(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	addr := ln.Addr().String()
	header := buildMetaHeader("test-device", CodecH264, 800, 600)

	// Device side: dials twice, video first, then writes the header
	go func() {
		video, err := net.Dial("tcp", addr)
		if err != nil {
			return
		}
		control, err := net.Dial("tcp", addr)
		if err != nil {
			video.Close()
			return
		}
		video.Write(header)
		time.Sleep(200 * time.Millisecond)
		video.Close()
		control.Close()
	}()

	tp, err := acceptStreams("test-device", ln, true, 5*time.Second)
	if err != nil {
		t.Fatalf("accept failed: %v", err)
	}
	defer tp.Close()

	if tp.Control == nil {
		t.Fatal("expected a control connection")
	}
	if tp.Meta.DeviceName != "test-device" || tp.Meta.Width != 800 || tp.Meta.Height != 600 {
		t.Errorf("unexpected metadata: %+v", tp.Meta)
	}
}

func TestAcceptStreams_Timeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()

	// Nothing ever dials in
	_, err = acceptStreams("ghost", ln, false, time.Second)
	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if _, ok := err.(*HandshakeError); !ok {
		t.Errorf("expected HandshakeError, got %T", err)
	}
}

func TestDialStreams_SentinelAndMeta(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	header := buildMetaHeader("fwd-device", CodecH264, 1024, 768)

	// Tunnel side: each accepted channel gets its sentinel byte first,
	// then the video channel carries the header
	go func() {
		video, err := ln.Accept()
		if err != nil {
			return
		}
		video.Write([]byte{0x00})
		video.Write(header)

		control, err := ln.Accept()
		if err != nil {
			video.Close()
			return
		}
		control.Write([]byte{0x00})
		time.Sleep(200 * time.Millisecond)
		video.Close()
		control.Close()
	}()

	tp, err := dialStreams("fwd-device", port, true, 4, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer tp.Close()

	if tp.Control == nil {
		t.Fatal("expected a control connection")
	}
	if tp.Meta.DeviceName != "fwd-device" || tp.Meta.Width != 1024 {
		t.Errorf("unexpected metadata: %+v", tp.Meta)
	}
}

func TestTransportPair_CloseIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	tp := &TransportPair{Video: client}
	tp.Close()
	tp.Close() // must not panic on the second call
}
