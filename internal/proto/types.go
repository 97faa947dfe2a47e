package proto

// FrameType: 1-byte type on wire (stream transports).
type FrameType uint8

const (
	TypeRequest  FrameType = 0x01
	TypeResponse FrameType = 0x02
	TypeError    FrameType = 0x03 // payload: status (4 LE) + message
	TypePing     FrameType = 0x04
	TypePong     FrameType = 0x05
)

// FrameHeader size: 1 + 4 + 4 = 9 bytes (type, stream_id, length).
const FrameHeaderSize = 9

// MaxPayloadSize 16MiB.
const MaxPayloadSize = 1024 * 1024 * 16

// AuthKeyIDSize: fingerprint prefix of every message.
const AuthKeyIDSize = 8

// Mode: envelope framing.
type Mode uint8

const (
	// ModePlain: zero auth_key_id + message_id, no salt/seq/session (pre-auth calls).
	ModePlain Mode = iota
	// ModeEncrypted: sealed with the DC auth key.
	ModeEncrypted
)

func (m Mode) String() string {
	if m == ModeEncrypted {
		return "encrypted"
	}
	return "plain"
}

// Predicates the session layer reacts to.
const (
	PredicateBadServerSalt      = "bad_server_salt"
	PredicateBadMsgNotification = "bad_msg_notification"
	PredicateGzipPacked         = "gzip_packed"
	PredicateRPCError           = "rpc_error"
)

// Connection init: method + the logical type its reply must carry.
const (
	MethodInitConnection = "initConnection"
	TypeNearestDC        = "NearestDc"
	PredicateNearestDC   = "nearestDc"
)

// Negative-ack error codes (bad_msg_notification / bad_server_salt).
const (
	CodeMsgIDTooLow      = 16
	CodeMsgIDTooHigh     = 17
	CodeMsgIDBadBits     = 18
	CodeMsgIDDuplicate   = 19
	CodeMsgTooOld        = 20
	CodeSeqNoTooLow      = 32
	CodeSeqNoTooHigh     = 33
	CodeSeqNoNotEven     = 34
	CodeSeqNoNotOdd      = 35
	CodeBadServerSalt    = 48
	CodeInvalidContainer = 64
)

// Envelope: message header; which fields are meaningful depends on Mode.
type Envelope struct {
	Mode       Mode
	AuthKey    []byte
	AuthKeyID  [AuthKeyIDSize]byte
	ServerSalt int64
	SessionID  int64
	SeqNo      int32
	MessageID  int64
}

// Method: outbound call (name, expected reply type, params).
type Method struct {
	Name   string
	Type   string
	Params Params
	// Service marks protocol-internal messages (acks); they take an even seq no.
	Service bool
}

// Reply: decoded server object. MessageID is the server's message id.
type Reply struct {
	Type      string
	Predicate string
	Params    Params
	MessageID int64
}
