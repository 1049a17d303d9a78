package p2p

import (
	"testing"
	"time"

	"github.com/nitrokrypt/qortal/config"
)

func testManagerConfig() *config.Config {
	cfg := &config.Config{
		ListenPort:       12392,
		BindAddress:      "127.0.0.1",
		MinOutboundPeers: 4,
		MaxPeers:         16,
		ConnectBackoff:   5 * time.Minute,
		PingInterval:     30 * time.Second,
		BroadcastInterval: time.Minute,
		MinPoolWorkers:   1,
		MaxPoolWorkers:   4,
	}
	return cfg
}

func newTestManager(t *testing.T, repo Repository, clock Clock) *NetworkManager {
	t.Helper()
	id := mustPeerID(t, 0x50)
	m, err := NewNetworkManager(testManagerConfig(), MagicMainnet, 1<<20, id, ManagerDeps{
		Repository: repo,
		Clock:      clock,
	}, nil)
	if err != nil {
		t.Fatalf("NewNetworkManager: %v", err)
	}
	return m
}

func TestGetConnectablePeerExcludesSelfAndRecentFailures(t *testing.T) {
	repo := NewMemoryRepository()
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	m := newTestManager(t, repo, clock)

	// IP literals: GetConnectablePeer resolves every candidate and skips
	// addresses that do not resolve, so hostnames would all be excluded.
	tx, _ := repo.GetRepository()
	_ = tx.SaveKnownPeer(KnownPeerRecord{Address: "203.0.113.1:12392"}) // self
	_ = tx.SaveKnownPeer(KnownPeerRecord{
		Address:       "203.0.113.2:12392", // recently failed
		LastAttempted: clock.Now().Add(-time.Minute),
	})
	_ = tx.SaveKnownPeer(KnownPeerRecord{Address: "203.0.113.3:12392"}) // good
	_ = tx.Commit()

	selfAddr, _ := ParsePeerAddress("203.0.113.1:12392")
	m.markSelf(selfAddr)

	addr, ok := m.GetConnectablePeer()
	if !ok {
		t.Fatalf("expected a connectable candidate")
	}
	if addr.String() != "203.0.113.3:12392" {
		t.Fatalf("got %q, want the only eligible address", addr.String())
	}
}

func TestGetConnectablePeerReturnsFalseWhenClockUnsynced(t *testing.T) {
	repo := NewMemoryRepository()
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	clock.SetUnsynced()
	m := newTestManager(t, repo, clock)

	tx, _ := repo.GetRepository()
	_ = tx.SaveKnownPeer(KnownPeerRecord{Address: "good.example.com:12392"})
	_ = tx.Commit()

	if _, ok := m.GetConnectablePeer(); ok {
		t.Fatalf("expected no candidate while the clock reports unsynced")
	}
}

func TestGetConnectablePeerReturnsFalseWhenNoneRemain(t *testing.T) {
	repo := NewMemoryRepository()
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	m := newTestManager(t, repo, clock)

	if _, ok := m.GetConnectablePeer(); ok {
		t.Fatalf("expected no candidate from an empty repository")
	}
}

func TestGetConnectablePeerUpdatesLastAttempted(t *testing.T) {
	repo := NewMemoryRepository()
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	m := newTestManager(t, repo, clock)

	tx, _ := repo.GetRepository()
	_ = tx.SaveKnownPeer(KnownPeerRecord{Address: "203.0.113.3:12392"})
	_ = tx.Commit()

	addr, ok := m.GetConnectablePeer()
	if !ok {
		t.Fatalf("expected a candidate")
	}

	tx, _ = repo.GetRepository()
	defer tx.Discard()
	recs, _ := tx.AllKnownPeers()
	var found bool
	for _, r := range recs {
		if r.Address == addr.String() {
			found = true
			if !r.LastAttempted.Equal(clock.Now()) {
				t.Errorf("LastAttempted = %v, want %v", r.LastAttempted, clock.Now())
			}
		}
	}
	if !found {
		t.Fatalf("record for %q disappeared after GetConnectablePeer", addr.String())
	}
}

func TestMergePeersSkipsKnownAndSelfAddresses(t *testing.T) {
	repo := NewMemoryRepository()
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	m := newTestManager(t, repo, clock)

	existing, _ := ParsePeerAddress("existing.example.com:12392")
	selfAddr, _ := ParsePeerAddress("self.example.com:12392")
	newAddr, _ := ParsePeerAddress("new.example.com:12392")
	m.markSelf(selfAddr)

	tx, _ := repo.GetRepository()
	_ = tx.SaveKnownPeer(KnownPeerRecord{Address: existing.String()})
	_ = tx.Commit()

	m.mergePeers([]PeerAddress{existing, selfAddr, newAddr})

	tx, _ = repo.GetRepository()
	defer tx.Discard()
	recs, _ := tx.AllKnownPeers()
	if len(recs) != 2 {
		t.Fatalf("got %d records after merge, want 2 (existing + new, self excluded): %+v", len(recs), recs)
	}
}

func TestMergePeersDropsOnContention(t *testing.T) {
	repo := NewMemoryRepository()
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	m := newTestManager(t, repo, clock)

	m.mergeLock.Lock()
	defer m.mergeLock.Unlock()

	addr, _ := ParsePeerAddress("new.example.com:12392")
	m.mergePeers([]PeerAddress{addr}) // must return promptly without deadlocking

	tx, _ := repo.GetRepository()
	defer tx.Discard()
	recs, _ := tx.AllKnownPeers()
	if len(recs) != 0 {
		t.Fatalf("expected the merge to be dropped under contention, got %+v", recs)
	}
}

func TestPrunePeersDeletesAccordingToLiteralPredicate(t *testing.T) {
	repo := NewMemoryRepository()
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	m := newTestManager(t, repo, clock)

	// An IP literal, so the connected-address check can resolve it; an
	// unresolvable host counts as connected and is never pruned.
	neverAttempted, _ := ParsePeerAddress("203.0.113.4:12392")
	tx, _ := repo.GetRepository()
	_ = tx.SaveKnownPeer(KnownPeerRecord{Address: neverAttempted.String()})
	_ = tx.Commit()

	m.prunePeers()

	tx, _ = repo.GetRepository()
	defer tx.Discard()
	recs, _ := tx.AllKnownPeers()
	for _, r := range recs {
		if r.Address == neverAttempted.String() {
			t.Fatalf("expected %q to be pruned by the literal predicate (zero LastAttempted satisfies isNotOld)", neverAttempted.String())
		}
	}
}

func TestPrunePeersSkipsConnectedAddresses(t *testing.T) {
	repo := NewMemoryRepository()
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	m := newTestManager(t, repo, clock)

	addr, _ := ParsePeerAddress("connected.example.com:12392")
	tx, _ := repo.GetRepository()
	_ = tx.SaveKnownPeer(KnownPeerRecord{Address: addr.String()})
	_ = tx.Commit()

	m.connMu.Lock()
	m.connected[addr.String()] = &Peer{Address: addr}
	m.connMu.Unlock()

	m.prunePeers()

	tx, _ = repo.GetRepository()
	defer tx.Discard()
	recs, _ := tx.AllKnownPeers()
	var found bool
	for _, r := range recs {
		if r.Address == addr.String() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a still-connected peer's record to survive pruning")
	}
}

func TestHasInboundClaimantMatchesCompletedInboundPeer(t *testing.T) {
	repo := NewMemoryRepository()
	clock := NewFakeClock(time.Unix(1_700_000_000, 0))
	m := newTestManager(t, repo, clock)

	remoteID := mustPeerID(t, 0x60)
	addr, _ := ParsePeerAddress("claimant.example.com:12392")
	p := &Peer{Address: addr, Direction: DirectionInbound, handshake: &HandshakeFSM{state: HandshakeCompleted, RemotePeerID: remoteID}}

	m.connMu.Lock()
	m.connected[addr.String()] = p
	m.connMu.Unlock()

	if !m.hasInboundClaimant(remoteID) {
		t.Fatalf("expected hasInboundClaimant to find the completed inbound peer")
	}
	if m.hasInboundClaimant(mustPeerID(t, 0x62)) { // 0x61 would collide: mustPeerID sets the low bit
		t.Fatalf("hasInboundClaimant matched an unrelated id")
	}
}
