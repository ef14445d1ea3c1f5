package packet

// Type is the two-bit packet type.
type Type uint8

const (
	Data Type = iota
	Announce
	LinkRequest
	Proof
)

func (t Type) String() string {
	switch t {
	case Data:
		return "DATA"
	case Announce:
		return "ANNOUNCE"
	case LinkRequest:
		return "LINKREQUEST"
	case Proof:
		return "PROOF"
	default:
		return "UNKNOWN"
	}
}

type HeaderType uint8

const (
	// Header1 carries only the destination.
	Header1 HeaderType = iota
	// Header2 also carries the transport id of the next hop.
	Header2
)

func (h HeaderType) String() string {
	if h == Header2 {
		return "HEADER_2"
	}
	return "HEADER_1"
}

type TransportType uint8

const (
	Broadcast TransportType = iota
	Transport
)

func (t TransportType) String() string {
	if t == Transport {
		return "TRANSPORT"
	}
	return "BROADCAST"
}

type DestinationType uint8

const (
	Single DestinationType = iota
	Group
	Plain
	Link
)

func (d DestinationType) String() string {
	switch d {
	case Single:
		return "single"
	case Group:
		return "group"
	case Plain:
		return "plain"
	case Link:
		return "link"
	default:
		return "unknown"
	}
}

// Context tells the receiver how to interpret the data field.
type Context uint8

const (
	ContextNone          Context = 0x00
	ContextResource      Context = 0x01
	ContextResourceAdv   Context = 0x02
	ContextResourceReq   Context = 0x03
	ContextResourceProof Context = 0x05
	ContextPathResponse  Context = 0x0B
	ContextSegment       Context = 0x0E
	ContextSegmentAck    Context = 0x0F
	ContextKeepalive     Context = 0xFA
	ContextLinkIdentify  Context = 0xFB
	ContextLinkClose     Context = 0xFC
	ContextLinkRTT       Context = 0xFE
	ContextLinkProof     Context = 0xFF
)

func (c Context) String() string {
	switch c {
	case ContextNone:
		return "none"
	case ContextResource:
		return "resource"
	case ContextResourceAdv:
		return "resource_adv"
	case ContextResourceReq:
		return "resource_req"
	case ContextResourceProof:
		return "resource_proof"
	case ContextPathResponse:
		return "path_response"
	case ContextSegment:
		return "segment"
	case ContextSegmentAck:
		return "segment_ack"
	case ContextKeepalive:
		return "keepalive"
	case ContextLinkIdentify:
		return "link_identify"
	case ContextLinkClose:
		return "link_close"
	case ContextLinkRTT:
		return "link_rtt"
	case ContextLinkProof:
		return "link_proof"
	default:
		return "unknown"
	}
}
