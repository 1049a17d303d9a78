package p2p

import (
	"testing"
	"time"
)

func pastTime() time.Time { return time.Unix(1_700_000_000, 0) }

func newTestDeps(ourID []byte, hasClaimant func([]byte) bool) HandshakeDeps {
	return HandshakeDeps{OurPeerID: ourID, ProtocolVersion: 2, HasInboundClaimant: hasClaimant}
}

func sequentialIDs() func() int32 {
	var n int32
	return func() int32 { n++; return n }
}

func mustPeerID(t *testing.T, marker byte) []byte {
	t.Helper()
	id := make([]byte, PeerIDSize)
	id[len(id)-1] = marker | 1
	return id
}

func TestHandshakeOutboundHappyPath(t *testing.T) {
	ourID := mustPeerID(t, 0x10)
	remoteID := mustPeerID(t, 0x20)
	deps := newTestDeps(ourID, func([]byte) bool { return false })
	fsm := NewHandshakeFSM(DirectionOutbound, deps, sequentialIDs())

	actions := fsm.Start()
	if len(actions) != 1 || actions[0].Send == nil || actions[0].Send.Type != TypeVersion {
		t.Fatalf("Start() did not send VERSION first: %+v", actions)
	}
	if fsm.State() != HandshakeVersion {
		t.Fatalf("state after Start() = %v, want VERSION", fsm.State())
	}

	actions, err := fsm.Step(Message{Type: TypeVersion, Payload: encodeVersion(2, pastTime())})
	if err != nil || fsm.State() != HandshakePeerID {
		t.Fatalf("VERSION reply: err=%v state=%v", err, fsm.State())
	}
	if len(actions) != 1 || actions[0].Send.Type != TypePeerID {
		t.Fatalf("expected PEER_ID to be sent, got %+v", actions)
	}

	peerIDPayload, _ := encodePeerID(remoteID)
	actions, err = fsm.Step(Message{Type: TypePeerID, Payload: peerIDPayload})
	if err != nil || fsm.State() != HandshakeProof {
		t.Fatalf("PEER_ID reply: err=%v state=%v", err, fsm.State())
	}
	if len(actions) != 1 || actions[0].Send.Type != TypeProof {
		t.Fatalf("expected PROOF to be sent, got %+v", actions)
	}

	var proof [32]byte
	actions, err = fsm.Step(Message{Type: TypeProof, Payload: encodeProof(proof)})
	if err != nil {
		t.Fatalf("PROOF reply: %v", err)
	}
	if fsm.State() != HandshakeCompleted {
		t.Fatalf("state after PROOF = %v, want COMPLETED", fsm.State())
	}
	if len(actions) != 1 || !actions[0].Completed {
		t.Fatalf("expected a single Completed action, got %+v", actions)
	}
}

func TestHandshakeInboundRespondsThenMirrorsSequence(t *testing.T) {
	ourID := mustPeerID(t, 0x10)
	remoteID := mustPeerID(t, 0x20)
	deps := newTestDeps(ourID, func([]byte) bool { return false })
	fsm := NewHandshakeFSM(DirectionInbound, deps, sequentialIDs())

	if actions := fsm.Start(); len(actions) != 0 {
		t.Fatalf("inbound Start() should be a no-op, got %+v", actions)
	}

	actions, err := fsm.Step(Message{Type: TypeVersion, Payload: encodeVersion(2, pastTime())})
	if err != nil || fsm.State() != HandshakePeerID {
		t.Fatalf("VERSION: err=%v state=%v", err, fsm.State())
	}
	if len(actions) != 1 || actions[0].Send.Type != TypeVersion {
		t.Fatalf("expected inbound to echo VERSION, got %+v", actions)
	}

	peerIDPayload, _ := encodePeerID(remoteID)
	actions, err = fsm.Step(Message{Type: TypePeerID, Payload: peerIDPayload})
	if err != nil || fsm.State() != HandshakeProof {
		t.Fatalf("PEER_ID: err=%v state=%v", err, fsm.State())
	}
	if len(actions) != 1 || actions[0].Send == nil || actions[0].Send.Type != TypePeerID {
		t.Fatalf("expected inbound to reply with its own PEER_ID, got %+v", actions)
	}

	var proof [32]byte
	actions, err = fsm.Step(Message{Type: TypeProof, Payload: encodeProof(proof)})
	if err != nil || fsm.State() != HandshakeCompleted {
		t.Fatalf("PROOF: err=%v state=%v", err, fsm.State())
	}
	if len(actions) != 2 || actions[0].Send.Type != TypeProof || !actions[1].Completed {
		t.Fatalf("expected inbound to echo PROOF then complete, got %+v", actions)
	}
}

func TestHandshakeDetectsSelfConnect(t *testing.T) {
	ourID := mustPeerID(t, 0x10)
	deps := newTestDeps(ourID, func([]byte) bool { return false })
	fsm := NewHandshakeFSM(DirectionOutbound, deps, sequentialIDs())
	fsm.Start()
	fsm.Step(Message{Type: TypeVersion, Payload: encodeVersion(2, pastTime())})

	payload, _ := encodePeerID(ourID)
	actions, err := fsm.Step(Message{Type: TypePeerID, Payload: payload})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(actions) != 1 || !actions[0].SelfConnect || !actions[0].Disconnect {
		t.Fatalf("expected a self-connect disconnect action, got %+v", actions)
	}
	if fsm.State() != HandshakeFailed {
		t.Fatalf("state = %v, want FAILED", fsm.State())
	}
}

func TestHandshakeTriggersDoppelgangerChallenge(t *testing.T) {
	ourID := mustPeerID(t, 0x10)
	remoteID := mustPeerID(t, 0x20)
	deps := newTestDeps(ourID, func(id []byte) bool { return bytesEqual(id, remoteID) })
	fsm := NewHandshakeFSM(DirectionOutbound, deps, sequentialIDs())
	fsm.Start()
	fsm.Step(Message{Type: TypeVersion, Payload: encodeVersion(2, pastTime())})

	payload, _ := encodePeerID(remoteID)
	actions, err := fsm.Step(Message{Type: TypePeerID, Payload: payload})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if fsm.State() != HandshakePeerVerify {
		t.Fatalf("state = %v, want PEER_VERIFY", fsm.State())
	}
	if len(actions) != 2 || actions[0].Send.Type != TypeVerificationCodes || actions[1].Doppelganger == nil {
		t.Fatalf("expected VERIFICATION_CODES send plus a Doppelganger action, got %+v", actions)
	}

	fsm.CompleteDoppelganger()
	if fsm.State() != HandshakeCompleted {
		t.Fatalf("state after CompleteDoppelganger = %v, want COMPLETED", fsm.State())
	}
}

func TestHandshakeRejectsUnexpectedMessageForState(t *testing.T) {
	ourID := mustPeerID(t, 0x10)
	deps := newTestDeps(ourID, func([]byte) bool { return false })
	fsm := NewHandshakeFSM(DirectionInbound, deps, sequentialIDs())

	actions, err := fsm.Step(Message{Type: TypeProof, Payload: make([]byte, 32)})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if len(actions) != 1 || !actions[0].Disconnect {
		t.Fatalf("expected a disconnect action for out-of-order message, got %+v", actions)
	}
	if fsm.State() != HandshakeFailed {
		t.Fatalf("state = %v, want FAILED", fsm.State())
	}
}
