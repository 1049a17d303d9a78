package p2p

import (
	"encoding/binary"
	"fmt"
	"time"
)

// PeerIDSize is the length, in bytes, of a node's identity (spec.md §3/GLOSSARY).
const PeerIDSize = 128

// VerificationCodeSize is the length of a doppelganger challenge code
// (spec.md §4.4.1).
const VerificationCodeSize = 32

// versionPayload is the body of a VERSION message.
type versionPayload struct {
	Version   uint32
	Timestamp int64
}

func encodeVersion(version uint32, ts time.Time) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], version)
	binary.BigEndian.PutUint64(buf[4:12], uint64(ts.Unix()))
	return buf
}

func decodeVersion(payload []byte) (versionPayload, error) {
	if len(payload) != 12 {
		return versionPayload{}, fmt.Errorf("p2p: VERSION payload must be 12 bytes, got %d", len(payload))
	}
	return versionPayload{
		Version:   binary.BigEndian.Uint32(payload[0:4]),
		Timestamp: int64(binary.BigEndian.Uint64(payload[4:12])),
	}, nil
}

func encodePeerID(id []byte) ([]byte, error) {
	if len(id) != PeerIDSize {
		return nil, fmt.Errorf("p2p: peer id must be %d bytes, got %d", PeerIDSize, len(id))
	}
	out := make([]byte, PeerIDSize)
	copy(out, id)
	return out, nil
}

func decodePeerID(payload []byte) ([]byte, error) {
	if len(payload) != PeerIDSize {
		return nil, fmt.Errorf("p2p: PEER_ID payload must be %d bytes, got %d", PeerIDSize, len(payload))
	}
	out := make([]byte, PeerIDSize)
	copy(out, payload)
	return out, nil
}

func encodeProof(challengeResponse [32]byte) []byte {
	out := make([]byte, 32)
	copy(out, challengeResponse[:])
	return out
}

func decodeProof(payload []byte) ([32]byte, error) {
	var out [32]byte
	if len(payload) != 32 {
		return out, fmt.Errorf("p2p: PROOF payload must be 32 bytes, got %d", len(payload))
	}
	copy(out[:], payload)
	return out, nil
}

// verificationCodesPayload carries the doppelganger challenge pair
// (spec.md §4.4.1 step 2).
type verificationCodesPayload struct {
	Send   [VerificationCodeSize]byte
	Expect [VerificationCodeSize]byte
}

func encodeVerificationCodes(p verificationCodesPayload) []byte {
	out := make([]byte, VerificationCodeSize*2)
	copy(out[:VerificationCodeSize], p.Send[:])
	copy(out[VerificationCodeSize:], p.Expect[:])
	return out
}

func decodeVerificationCodes(payload []byte) (verificationCodesPayload, error) {
	var out verificationCodesPayload
	if len(payload) != VerificationCodeSize*2 {
		return out, fmt.Errorf("p2p: VERIFICATION_CODES payload must be %d bytes, got %d", VerificationCodeSize*2, len(payload))
	}
	copy(out.Send[:], payload[:VerificationCodeSize])
	copy(out.Expect[:], payload[VerificationCodeSize:])
	return out, nil
}

func encodePeerVerify(code [VerificationCodeSize]byte) []byte {
	out := make([]byte, VerificationCodeSize)
	copy(out, code[:])
	return out
}

func decodePeerVerify(payload []byte) ([VerificationCodeSize]byte, error) {
	var out [VerificationCodeSize]byte
	if len(payload) != VerificationCodeSize {
		return out, fmt.Errorf("p2p: PEER_VERIFY payload must be %d bytes, got %d", VerificationCodeSize, len(payload))
	}
	copy(out[:], payload)
	return out, nil
}

// PingPayload is exchanged as a lightweight keepalive (spec.md §4.3).
type PingPayload struct {
	SentAt time.Time
}

func encodePing(p PingPayload) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(p.SentAt.UnixNano()))
	return buf
}

func decodePing(payload []byte) (PingPayload, error) {
	if len(payload) != 8 {
		return PingPayload{}, fmt.Errorf("p2p: PING payload must be 8 bytes, got %d", len(payload))
	}
	nanos := int64(binary.BigEndian.Uint64(payload))
	return PingPayload{SentAt: time.Unix(0, nanos)}, nil
}

// PeerEntryV1 is a v1 PEERS entry: IPv4 only, no explicit port (spec.md §6).
type PeerEntryV1 struct {
	Addr [4]byte
}

// PeerEntryV2 is a v2 PEERS_V2 entry: host string plus explicit port,
// IPv4/IPv6/hostname (spec.md §6).
type PeerEntryV2 struct {
	Host string
	Port uint16
}

func encodePeersV1(entries []PeerEntryV1) []byte {
	out := make([]byte, 4+4*len(entries))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(entries)))
	for i, e := range entries {
		copy(out[4+i*4:4+i*4+4], e.Addr[:])
	}
	return out
}

func decodePeersV1(payload []byte) ([]PeerEntryV1, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("p2p: PEERS payload truncated")
	}
	count := binary.BigEndian.Uint32(payload[0:4])
	want := 4 + 4*int(count)
	if len(payload) != want {
		return nil, fmt.Errorf("p2p: PEERS payload length mismatch: want %d got %d", want, len(payload))
	}
	out := make([]PeerEntryV1, count)
	for i := range out {
		copy(out[i].Addr[:], payload[4+i*4:4+i*4+4])
	}
	return out, nil
}

func encodePeersV2(entries []PeerEntryV2) []byte {
	total := 4
	for _, e := range entries {
		total += 2 + len(e.Host) + 2
	}
	out := make([]byte, total)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(entries)))
	offset := 4
	for _, e := range entries {
		binary.BigEndian.PutUint16(out[offset:offset+2], uint16(len(e.Host)))
		offset += 2
		copy(out[offset:offset+len(e.Host)], e.Host)
		offset += len(e.Host)
		binary.BigEndian.PutUint16(out[offset:offset+2], e.Port)
		offset += 2
	}
	return out
}

func decodePeersV2(payload []byte) ([]PeerEntryV2, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("p2p: PEERS_V2 payload truncated")
	}
	count := binary.BigEndian.Uint32(payload[0:4])
	offset := 4
	out := make([]PeerEntryV2, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+2 > len(payload) {
			return nil, fmt.Errorf("p2p: PEERS_V2 payload truncated at entry %d", i)
		}
		hostLen := int(binary.BigEndian.Uint16(payload[offset : offset+2]))
		offset += 2
		if offset+hostLen+2 > len(payload) {
			return nil, fmt.Errorf("p2p: PEERS_V2 payload truncated at entry %d", i)
		}
		host := string(payload[offset : offset+hostLen])
		offset += hostLen
		port := binary.BigEndian.Uint16(payload[offset : offset+2])
		offset += 2
		out = append(out, PeerEntryV2{Host: host, Port: port})
	}
	return out, nil
}

// HeightPayload is the v1 HEIGHT body: height only (spec.md §6).
type HeightPayload struct {
	Height uint64
}

func encodeHeight(h HeightPayload) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, h.Height)
	return buf
}

func decodeHeight(payload []byte) (HeightPayload, error) {
	if len(payload) != 8 {
		return HeightPayload{}, fmt.Errorf("p2p: HEIGHT payload must be 8 bytes, got %d", len(payload))
	}
	return HeightPayload{Height: binary.BigEndian.Uint64(payload)}, nil
}

// HeightV2Payload is the v2 HEIGHT_V2 body (spec.md §6).
type HeightV2Payload struct {
	Height       uint64
	Signature    []byte
	Timestamp    int64
	MinterPubKey []byte
}

func encodeHeightV2(h HeightV2Payload) []byte {
	buf := make([]byte, 8+8+2+len(h.Signature)+2+len(h.MinterPubKey))
	offset := 0
	binary.BigEndian.PutUint64(buf[offset:offset+8], h.Height)
	offset += 8
	binary.BigEndian.PutUint64(buf[offset:offset+8], uint64(h.Timestamp))
	offset += 8
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(h.Signature)))
	offset += 2
	copy(buf[offset:offset+len(h.Signature)], h.Signature)
	offset += len(h.Signature)
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(h.MinterPubKey)))
	offset += 2
	copy(buf[offset:offset+len(h.MinterPubKey)], h.MinterPubKey)
	return buf
}

func decodeHeightV2(payload []byte) (HeightV2Payload, error) {
	if len(payload) < 18 {
		return HeightV2Payload{}, fmt.Errorf("p2p: HEIGHT_V2 payload truncated")
	}
	height := binary.BigEndian.Uint64(payload[0:8])
	ts := int64(binary.BigEndian.Uint64(payload[8:16]))
	sigLen := int(binary.BigEndian.Uint16(payload[16:18]))
	offset := 18
	if offset+sigLen+2 > len(payload) {
		return HeightV2Payload{}, fmt.Errorf("p2p: HEIGHT_V2 signature truncated")
	}
	sig := append([]byte(nil), payload[offset:offset+sigLen]...)
	offset += sigLen
	pubLen := int(binary.BigEndian.Uint16(payload[offset : offset+2]))
	offset += 2
	if offset+pubLen > len(payload) {
		return HeightV2Payload{}, fmt.Errorf("p2p: HEIGHT_V2 minter key truncated")
	}
	pub := append([]byte(nil), payload[offset:offset+pubLen]...)
	return HeightV2Payload{Height: height, Signature: sig, Timestamp: ts, MinterPubKey: pub}, nil
}
