package codec

import (
	"fmt"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// gstBackend wraps a per-session GStreamer decode pipeline:
//
//	appsrc → h264parse → <decoder> → videoconvert → capsfilter(I420) → appsink
//
// Hardware decoders leave pictures in accelerator memory; the Map/copy in
// Decode is the transfer into the reusable host buffer. The software
// decoder writes host memory directly, so the copy is just the slot fill.
type gstBackend struct {
	name     string
	hardware bool
	width    int
	height   int

	pipeline *gst.Pipeline
	src      *app.Source
	sink     *app.Sink

	// single reusable decode-target buffer for this session
	host  []byte
	frame Frame

	closed bool
}

// newGstBackend allocates and binds one decoder attempt. Any step failing
// rolls the whole attempt back before returning.
func newGstBackend(name string, hardware bool, cfg BackendConfig) (Backend, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	rollback := func() {
		pipeline.SetState(gst.StateNull)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		rollback()
		return nil, fmt.Errorf("failed to create appsrc: %w", err)
	}
	src.SetCaps(gst.NewCapsFromString("video/x-h264,stream-format=byte-stream,alignment=au"))
	src.SetProperty("is-live", true)

	parser, err := gst.NewElement("h264parse")
	if err != nil {
		rollback()
		return nil, fmt.Errorf("failed to create h264parse: %w", err)
	}

	decoder, err := gst.NewElement(name)
	if err != nil {
		rollback()
		return nil, fmt.Errorf("decoder %s unavailable: %w", name, err)
	}

	// One external worker per session; sessions are parallel already, so
	// the decoder's own pool stays minimal. Low-latency where exposed.
	if hardware {
		decoder.SetProperty("low-latency", true)
	} else {
		decoder.SetProperty("max-threads", 1)
		decoder.SetProperty("output-corrupt", false)
	}

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		rollback()
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 1)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		rollback()
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsStr := fmt.Sprintf("video/x-raw,format=I420,width=%d,height=%d", cfg.Width, cfg.Height)
	capsfilter.SetProperty("caps", gst.NewCapsFromString(capsStr))

	sink, err := app.NewAppSink()
	if err != nil {
		rollback()
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1) // keep only the latest picture
	sink.SetProperty("drop", true)

	if err := pipeline.AddMany(src.Element, parser, decoder, converter, capsfilter, sink.Element); err != nil {
		rollback()
		return nil, fmt.Errorf("failed to add elements: %w", err)
	}
	if err := gst.ElementLinkMany(src.Element, parser, decoder, converter, capsfilter, sink.Element); err != nil {
		rollback()
		return nil, fmt.Errorf("failed to link elements: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		rollback()
		return nil, fmt.Errorf("failed to start decode pipeline: %w", err)
	}

	return &gstBackend{
		name:     name,
		hardware: hardware,
		width:    cfg.Width,
		height:   cfg.Height,
		pipeline: pipeline,
		src:      src,
		sink:     sink,
	}, nil
}

func (b *gstBackend) Name() string   { return b.name }
func (b *gstBackend) Hardware() bool { return b.hardware }

// Decode performs one send-then-drain cycle: push one compressed access
// unit, then pull zero or one decoded pictures. No sample available means
// the decoder needs more input, which is success-with-no-output.
func (b *gstBackend) Decode(au []byte) (*Frame, error) {
	buf := gst.NewBufferFromBytes(au)

	if ret := b.src.PushBuffer(buf); ret != gst.FlowOK {
		return nil, fmt.Errorf("appsrc push returned %v", ret)
	}

	sample := b.sink.TryPullSample(gst.ClockTime(0))
	if sample == nil {
		return nil, nil
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return nil, fmt.Errorf("sample without buffer")
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return nil, fmt.Errorf("empty decoded buffer")
	}

	// Transfer into the reusable host buffer. For hardware backends this
	// is the accelerator-to-host copy; the mapped data is not usable past
	// unmap.
	if cap(b.host) < len(data) {
		b.host = make([]byte, len(data))
	}
	b.host = b.host[:len(data)]
	copy(b.host, data)
	buffer.Unmap()

	return b.planarize()
}

// planarize slices the host buffer into tightly packed I420 planes
func (b *gstBackend) planarize() (*Frame, error) {
	ySize := b.width * b.height
	cSize := (b.width / 2) * (b.height / 2)
	if len(b.host) < ySize+2*cSize {
		return nil, fmt.Errorf("decoded buffer too small: %d bytes for %dx%d", len(b.host), b.width, b.height)
	}

	b.frame = Frame{
		Width:  b.width,
		Height: b.height,
		Planes: [3][]byte{
			b.host[:ySize],
			b.host[ySize : ySize+cSize],
			b.host[ySize+cSize : ySize+2*cSize],
		},
		Strides: [3]int{b.width, b.width / 2, b.width / 2},
	}
	return &b.frame, nil
}

// Close stops and releases the pipeline. Safe to call once the worker has
// observed the session interrupt; the process-wide open/close lock is
// taken by the caller.
func (b *gstBackend) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true

	if err := b.pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to stop decode pipeline: %w", err)
	}
	return nil
}
