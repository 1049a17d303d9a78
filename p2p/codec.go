package p2p

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/nitrokrypt/qortal/observability/metrics"
)

// Magic values identify which network a frame belongs to (spec.md §4.2).
const (
	MagicMainnet uint32 = 0x514F5254
	MagicTestnet uint32 = 0x716F7254
)

// MessageType enumerates the recognised wire message kinds. Controller-level
// types the codec doesn't interpret are still framed and decoded — only
// their payload is opaque to this package.
type MessageType uint32

const (
	TypePing MessageType = iota + 1
	TypePeerID
	TypeVersion
	TypeProof
	TypePeers
	TypePeersV2
	TypeGetPeers
	TypeHeight
	TypeHeightV2
	TypeTransaction
	TypeTransactionSignatures
	TypeGetUnconfirmedTransactions
	TypePeerVerify
	TypeVerificationCodes

	numCoreTypes
)

// FirstControllerType begins the opaque range of application message types
// the codec frames but does not interpret.
const FirstControllerType MessageType = 1 << 16

func (t MessageType) recognised() bool {
	return (t >= TypePing && t < numCoreTypes) || t >= FirstControllerType
}

func (t MessageType) String() string {
	switch t {
	case TypePing:
		return "PING"
	case TypePeerID:
		return "PEER_ID"
	case TypeVersion:
		return "VERSION"
	case TypeProof:
		return "PROOF"
	case TypePeers:
		return "PEERS"
	case TypePeersV2:
		return "PEERS_V2"
	case TypeGetPeers:
		return "GET_PEERS"
	case TypeHeight:
		return "HEIGHT"
	case TypeHeightV2:
		return "HEIGHT_V2"
	case TypeTransaction:
		return "TRANSACTION"
	case TypeTransactionSignatures:
		return "TRANSACTION_SIGNATURES"
	case TypeGetUnconfirmedTransactions:
		return "GET_UNCONFIRMED_TRANSACTIONS"
	case TypePeerVerify:
		return "PEER_VERIFY"
	case TypeVerificationCodes:
		return "VERIFICATION_CODES"
	default:
		if t >= FirstControllerType {
			return fmt.Sprintf("CONTROLLER(%d)", t-FirstControllerType)
		}
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

// Message is a decoded, typed wire message. ID correlates a reply to a
// request; zero means "no reply expected" (spec.md §3/§4.2).
type Message struct {
	Type    MessageType
	ID      int32
	Payload []byte
}

const (
	frameHeaderSize = 4 + 4 + 4 + 4 // magic, type, id, length
	checksumSize    = 4
)

// DecodeErrorKind classifies why a frame failed to decode (spec.md §4.2).
type DecodeErrorKind int

const (
	ErrBadMagic DecodeErrorKind = iota
	ErrUnknownType
	ErrOversize
	ErrBadChecksum
	ErrBadPayload
)

func (k DecodeErrorKind) String() string {
	switch k {
	case ErrBadMagic:
		return "bad_magic"
	case ErrUnknownType:
		return "unknown_type"
	case ErrOversize:
		return "oversize"
	case ErrBadChecksum:
		return "bad_checksum"
	case ErrBadPayload:
		return "bad_payload"
	default:
		return "unknown"
	}
}

// DecodeError reports a terminal (non-resumable) framing failure. Per
// spec.md §4.2, a short read is NOT a DecodeError — it just means "feed me
// more bytes".
type DecodeError struct {
	Kind DecodeErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("p2p: decode failed (%s): %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("p2p: decode failed (%s)", e.Kind)
}

func newDecodeError(kind DecodeErrorKind) error {
	metrics.Get().ObserveDecodeError(kind.String())
	return &DecodeError{Kind: kind}
}

// ErrEncodeFailed wraps any failure while serialising a Message.
type ErrEncodeFailed struct{ Err error }

func (e *ErrEncodeFailed) Error() string { return fmt.Sprintf("p2p: encode failed: %v", e.Err) }
func (e *ErrEncodeFailed) Unwrap() error  { return e.Err }

// Encode serialises msg into a complete wire frame for the given network
// magic. Encoding never depends on connection state.
func Encode(magic uint32, maxMessageSize int, msg Message) ([]byte, error) {
	if len(msg.Payload) > maxMessageSize {
		return nil, &ErrEncodeFailed{Err: fmt.Errorf("payload %d bytes exceeds max %d", len(msg.Payload), maxMessageSize)}
	}

	total := frameHeaderSize + len(msg.Payload)
	if len(msg.Payload) > 0 {
		total += checksumSize
	}
	buf := make([]byte, total)

	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(msg.Type))
	binary.BigEndian.PutUint32(buf[8:12], uint32(msg.ID))
	binary.BigEndian.PutUint32(buf[12:16], uint32(len(msg.Payload)))

	offset := frameHeaderSize
	if len(msg.Payload) > 0 {
		sum := sha256.Sum256(msg.Payload)
		copy(buf[offset:offset+checksumSize], sum[:checksumSize])
		offset += checksumSize
		copy(buf[offset:], msg.Payload)
	}
	return buf, nil
}

// Decoder incrementally decodes a byte stream into framed Messages. It is
// resumable across arbitrary split reads: Feed buffers whatever it can't
// yet parse and returns nil/empty rather than an error for a short read.
type Decoder struct {
	magic          uint32
	maxMessageSize int
	buf            []byte
}

// NewDecoder returns a Decoder bound to a single network's magic number and
// maximum payload size.
func NewDecoder(magic uint32, maxMessageSize int) *Decoder {
	return &Decoder{magic: magic, maxMessageSize: maxMessageSize}
}

// Feed appends data to the internal buffer and decodes as many complete
// frames as are present. A terminal DecodeError means the caller must close
// the connection; any messages already decoded before the bad frame are
// still returned.
func (d *Decoder) Feed(data []byte) ([]Message, error) {
	d.buf = append(d.buf, data...)

	var out []Message
	for {
		msg, consumed, err := d.decodeOne()
		if err != nil {
			return out, err
		}
		if consumed == 0 {
			return out, nil
		}
		d.buf = d.buf[consumed:]
		out = append(out, msg)
	}
}

// Buffered reports how many bytes are held waiting for the rest of a frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

func (d *Decoder) decodeOne() (Message, int, error) {
	if len(d.buf) < frameHeaderSize {
		return Message{}, 0, nil
	}

	magic := binary.BigEndian.Uint32(d.buf[0:4])
	if magic != d.magic {
		return Message{}, 0, newDecodeError(ErrBadMagic)
	}
	typ := MessageType(binary.BigEndian.Uint32(d.buf[4:8]))
	id := int32(binary.BigEndian.Uint32(d.buf[8:12]))
	length := binary.BigEndian.Uint32(d.buf[12:16])

	// Rejected before any payload allocation, per spec.md §8.
	if int(length) > d.maxMessageSize {
		return Message{}, 0, newDecodeError(ErrOversize)
	}
	if !typ.recognised() {
		return Message{}, 0, newDecodeError(ErrUnknownType)
	}

	total := frameHeaderSize + int(length)
	if length > 0 {
		total += checksumSize
	}
	if len(d.buf) < total {
		return Message{}, 0, nil
	}

	offset := frameHeaderSize
	var payload []byte
	if length > 0 {
		wantChecksum := d.buf[offset : offset+checksumSize]
		offset += checksumSize
		payload = make([]byte, length)
		copy(payload, d.buf[offset:offset+int(length)])

		sum := sha256.Sum256(payload)
		if !bytesEqual(sum[:checksumSize], wantChecksum) {
			return Message{}, 0, newDecodeError(ErrBadChecksum)
		}
	}

	return Message{Type: typ, ID: id, Payload: payload}, total, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
