package codec

// Frame is one fully decoded picture in planar YUV 4:2:0 layout
type Frame struct {
	Width   int
	Height  int
	Planes  [3][]byte
	Strides [3]int
}

// FrameSink receives completed pictures from a session's decode worker.
// Hardware-backend buffers are valid only for the duration of the call;
// software-backend buffers stay valid until the next overwrite of the
// session's frame slot.
type FrameSink func(width, height int, planes [3][]byte, strides [3]int)
