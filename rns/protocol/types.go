package protocol

// FrameType identifies the content of a stream frame.
type FrameType uint8

const (
	FrameHello  FrameType = 1
	FramePacket FrameType = 2
	FrameClose  FrameType = 3
)

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "HELLO"
	case FramePacket:
		return "PACKET"
	case FrameClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}
