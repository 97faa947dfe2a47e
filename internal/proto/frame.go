package proto

// Frame: on-wire msg for stream transports (header + opt payload).
type Frame struct {
	Type     FrameType
	StreamID uint32
	Payload  []byte
}
