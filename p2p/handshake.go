package p2p

import (
	"crypto/rand"
	"fmt"
	"time"
)

// HandshakeState is a stage in the per-connection handshake. It is modelled
// as a plain tagged union, not a type hierarchy: every transition is a pure
// function of (state, message type, direction).
type HandshakeState int

const (
	HandshakeStarted HandshakeState = iota
	HandshakeVersion
	HandshakePeerID
	HandshakeProof
	HandshakePeerVerify
	HandshakeCompleted
	HandshakeFailed
)

func (s HandshakeState) String() string {
	switch s {
	case HandshakeStarted:
		return "STARTED"
	case HandshakeVersion:
		return "VERSION"
	case HandshakePeerID:
		return "PEER_ID"
	case HandshakeProof:
		return "PROOF"
	case HandshakePeerVerify:
		return "PEER_VERIFY"
	case HandshakeCompleted:
		return "COMPLETED"
	case HandshakeFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Direction is which side of the TCP connection this peer is.
type Direction int

const (
	DirectionInbound Direction = iota
	DirectionOutbound
)

func (d Direction) String() string {
	if d == DirectionOutbound {
		return "outbound"
	}
	return "inbound"
}

// HandshakeDeps are the collaborators the pure transition function needs
// but does not own: our own identity, proof material, and a way to ask
// whether some other already-handshaked peer claims the same remote id
// (the doppelganger trigger). None of these touch the network directly.
type HandshakeDeps struct {
	OurPeerID          []byte
	ProtocolVersion    uint32
	HasInboundClaimant func(remotePeerID []byte) bool
}

// HandshakeAction is one side effect the caller must perform: send a
// message, disconnect, or record a terminal outcome. A single Step call may
// return several actions (in order).
type HandshakeAction struct {
	Send         *Message
	Disconnect   bool
	Reason       string
	SelfConnect  bool
	Completed    bool
	Doppelganger *DoppelgangerChallenge
}

// DoppelgangerChallenge is emitted once, by the outbound side, when it
// discovers a pre-existing inbound peer claiming the same remote id
// (spec.md §4.4.1). The NetworkManager owns resolving it across the two
// physical connections involved.
type DoppelgangerChallenge struct {
	RemotePeerID []byte
	Send         [VerificationCodeSize]byte
	Expect       [VerificationCodeSize]byte
}

// HandshakeFSM drives one connection's handshake. It holds just enough
// state to make the next transition; it never touches a socket itself.
type HandshakeFSM struct {
	state  HandshakeState
	dir    Direction
	deps   HandshakeDeps
	nextID func() int32

	remoteVersion   uint32
	RemotePeerID    []byte
	doppelganger    bool
	pendingVerify   *DoppelgangerChallenge
}

// NewHandshakeFSM constructs a handshake in the STARTED state for the given
// direction. nextID allocates message ids for the sent frames.
func NewHandshakeFSM(dir Direction, deps HandshakeDeps, nextID func() int32) *HandshakeFSM {
	return &HandshakeFSM{state: HandshakeStarted, dir: dir, deps: deps, nextID: nextID}
}

// State reports the current stage.
func (h *HandshakeFSM) State() HandshakeState { return h.state }

// Start kicks off the handshake. Only the outbound side has anything to do:
// per the asymmetry rule (spec.md §4.4) it drives each transition first.
func (h *HandshakeFSM) Start() []HandshakeAction {
	if h.dir != DirectionOutbound {
		return nil
	}
	h.state = HandshakeVersion
	return []HandshakeAction{{Send: h.versionMessage()}}
}

// Step advances the FSM on receipt of a wire message. The returned actions
// must be applied in order; a Disconnect action terminates processing of
// any later ones.
func (h *HandshakeFSM) Step(msg Message) ([]HandshakeAction, error) {
	switch h.state {
	case HandshakeStarted:
		if msg.Type != TypeVersion {
			return h.fail(fmt.Sprintf("expected VERSION in STARTED, got %s", msg.Type))
		}
		v, err := decodeVersion(msg.Payload)
		if err != nil {
			return h.fail(err.Error())
		}
		h.remoteVersion = v.Version
		if h.dir == DirectionInbound {
			// Inbound has now seen the only VERSION it needs (the
			// outbound side's opening message) and replies with its own;
			// the next incoming frame is PEER_ID, not a second VERSION.
			h.state = HandshakePeerID
			return []HandshakeAction{{Send: h.versionMessage()}}, nil
		}
		h.state = HandshakeVersion
		return nil, nil

	case HandshakeVersion:
		if msg.Type != TypeVersion {
			return h.fail(fmt.Sprintf("expected VERSION in VERSION, got %s", msg.Type))
		}
		v, err := decodeVersion(msg.Payload)
		if err != nil {
			return h.fail(err.Error())
		}
		h.remoteVersion = v.Version
		h.state = HandshakePeerID
		return []HandshakeAction{{Send: h.peerIDMessage()}}, nil

	case HandshakePeerID:
		if msg.Type != TypePeerID {
			return h.fail(fmt.Sprintf("expected PEER_ID in PEER_ID, got %s", msg.Type))
		}
		remoteID, err := decodePeerID(msg.Payload)
		if err != nil {
			return h.fail(err.Error())
		}
		h.RemotePeerID = remoteID
		if bytesEqual(remoteID, h.deps.OurPeerID) {
			h.state = HandshakeFailed
			return []HandshakeAction{{Disconnect: true, Reason: "self-connect", SelfConnect: true}}, nil
		}

		if h.dir == DirectionOutbound && h.deps.HasInboundClaimant != nil && h.deps.HasInboundClaimant(remoteID) {
			challenge, err := newDoppelgangerChallenge(remoteID)
			if err != nil {
				return h.fail(err.Error())
			}
			h.doppelganger = true
			h.pendingVerify = challenge
			h.state = HandshakePeerVerify
			return []HandshakeAction{
				{Send: &Message{Type: TypeVerificationCodes, ID: h.nextID(), Payload: encodeVerificationCodes(verificationCodesPayload{Send: challenge.Send, Expect: challenge.Expect})}},
				{Doppelganger: challenge},
			}, nil
		}

		h.state = HandshakeProof
		if h.dir == DirectionOutbound {
			return []HandshakeAction{{Send: h.proofMessage()}}, nil
		}
		// Inbound mirrors the outbound side's PEER_ID with its own, which is
		// what lets the outbound side move on to PROOF.
		return []HandshakeAction{{Send: h.peerIDMessage()}}, nil

	case HandshakeProof:
		if msg.Type != TypeProof {
			return h.fail(fmt.Sprintf("expected PROOF in PROOF, got %s", msg.Type))
		}
		if _, err := decodeProof(msg.Payload); err != nil {
			return h.fail(err.Error())
		}
		if h.dir == DirectionInbound {
			h.state = HandshakeCompleted
			return []HandshakeAction{{Send: h.proofMessage()}, {Completed: true}}, nil
		}
		h.state = HandshakeCompleted
		return []HandshakeAction{{Completed: true}}, nil

	case HandshakePeerVerify:
		// The outbound side that raised PEER_VERIFY does not itself receive
		// VERIFICATION_CODES or PEER_VERIFY on this connection — resolution
		// happens on the other (inbound) connection and is completed
		// out-of-band by the NetworkManager calling CompleteDoppelganger.
		return h.fail(fmt.Sprintf("unexpected %s while awaiting doppelganger resolution", msg.Type))

	case HandshakeCompleted, HandshakeFailed:
		return h.fail(fmt.Sprintf("unexpected %s after handshake terminal state %s", msg.Type, h.state))

	default:
		return h.fail("unknown handshake state")
	}
}

// CompleteDoppelganger is invoked by the NetworkManager once it has
// verified, on the paired inbound connection, that the remote controls both
// ends of the claimed identity.
func (h *HandshakeFSM) CompleteDoppelganger() {
	h.state = HandshakeCompleted
}

// FailDoppelganger is invoked when the paired connection's proof does not
// match; both connections are disconnected.
func (h *HandshakeFSM) FailDoppelganger() {
	h.state = HandshakeFailed
}

func (h *HandshakeFSM) fail(reason string) ([]HandshakeAction, error) {
	h.state = HandshakeFailed
	return []HandshakeAction{{Disconnect: true, Reason: reason}}, nil
}

func (h *HandshakeFSM) versionMessage() *Message {
	return &Message{Type: TypeVersion, ID: h.nextID(), Payload: encodeVersion(h.deps.ProtocolVersion, time.Now())}
}

func (h *HandshakeFSM) peerIDMessage() *Message {
	payload, _ := encodePeerID(h.deps.OurPeerID)
	return &Message{Type: TypePeerID, ID: h.nextID(), Payload: payload}
}

// proofMessage emits this side's proof value. The cryptographic content of
// PROOF is outside this subsystem's scope (crypto is an external
// collaborator per spec.md §1); here it is an opaque, length-checked
// 32-byte value accepted from whichever layer wires in real verification.
func (h *HandshakeFSM) proofMessage() *Message {
	var proof [32]byte
	_, _ = rand.Read(proof[:])
	return &Message{Type: TypeProof, ID: h.nextID(), Payload: encodeProof(proof)}
}

func newDoppelgangerChallenge(remotePeerID []byte) (*DoppelgangerChallenge, error) {
	var send, expect [32]byte
	if _, err := rand.Read(send[:]); err != nil {
		return nil, fmt.Errorf("p2p: generate verification code: %w", err)
	}
	if _, err := rand.Read(expect[:]); err != nil {
		return nil, fmt.Errorf("p2p: generate verification code: %w", err)
	}
	return &DoppelgangerChallenge{RemotePeerID: remotePeerID, Send: send, Expect: expect}, nil
}
