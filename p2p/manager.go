package p2p

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nitrokrypt/qortal/config"
	"github.com/nitrokrypt/qortal/observability/logging"
	"github.com/nitrokrypt/qortal/observability/metrics"
)

// ManagerDeps bundles the external collaborators the NetworkManager
// consumes through narrow interfaces, per spec.md §1/§6.
type ManagerDeps struct {
	Repository Repository
	Controller Controller
	Clock      Clock
}

// NetworkManager is the top-level coordinator: connected-peer set,
// outbound-target selection, periodic broadcast, and peer-record
// persistence (spec.md §4.6).
type NetworkManager struct {
	cfg  *config.Config
	deps ManagerDeps
	log  *slog.Logger

	ourPeerID      []byte
	magic          uint32
	maxMessageSize int

	reactor *Reactor
	limiter *rateLimiters

	listener net.Listener

	connMu    sync.RWMutex
	connected map[string]*Peer // keyed by PeerAddress.String()

	selfMu sync.Mutex
	self   map[string]struct{}

	mergeLock sync.Mutex

	verifyMu sync.Mutex
	pending  map[string]*pendingVerification

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

type pendingVerification struct {
	outbound *Peer
	send     [VerificationCodeSize]byte
	expect   [VerificationCodeSize]byte
}

// NewNetworkManager constructs a manager. ourPeerID must satisfy
// IsValidPeerID.
func NewNetworkManager(cfg *config.Config, magic uint32, maxMessageSize int, ourPeerID []byte, deps ManagerDeps, baseLog *slog.Logger) (*NetworkManager, error) {
	if !IsValidPeerID(ourPeerID) {
		return nil, fmt.Errorf("p2p: invalid local peer id")
	}
	if baseLog == nil {
		baseLog = slog.Default()
	}
	return &NetworkManager{
		cfg:            cfg,
		deps:           deps,
		log:            baseLog.With(slog.String("component", "p2p_manager")),
		ourPeerID:      ourPeerID,
		magic:          magic,
		maxMessageSize: maxMessageSize,
		reactor:        NewReactor(cfg.MinPoolWorkers, cfg.MaxPoolWorkers, baseLog.With(slog.String("component", "p2p_reactor"))),
		limiter:        newRateLimiters(5, 10),
		connected:      make(map[string]*Peer),
		self:           make(map[string]struct{}),
		pending:        make(map[string]*pendingVerification),
	}, nil
}

// Start binds the listener, seeds the repository if empty, and starts the
// reactor loop plus periodic task producers. It returns once listening has
// begun; all further work happens on background goroutines until Shutdown.
func (m *NetworkManager) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf("%s:%d", m.cfg.BindAddress, m.cfg.ListenPort))
	if err != nil {
		return wrapErr(ErrorIO, "", fmt.Errorf("listen: %w", err))
	}
	m.listener = ln
	m.log.Info("listening", logging.MaskField("address", ln.Addr().String()))

	if err := m.seedIfEmpty(); err != nil {
		m.log.Warn("failed to seed initial peers", slog.Any("error", err))
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(4)
	go func() { defer m.wg.Done(); m.reactor.ExecuteProduceConsume(runCtx) }()
	go func() { defer m.wg.Done(); m.acceptLoop(runCtx) }()
	go func() { defer m.wg.Done(); m.connectLoop(runCtx) }()
	go func() { defer m.wg.Done(); m.pruneAndBroadcastLoop(runCtx) }()

	return nil
}

// Shutdown closes the listener, drains the worker pool, and disconnects
// every peer. Pending request waiters fail with ErrorShutdown.
func (m *NetworkManager) Shutdown() {
	m.closeOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		if m.listener != nil {
			_ = m.listener.Close()
		}
		m.reactor.Shutdown(5 * time.Second)
		m.wg.Wait()

		m.connMu.Lock()
		peers := make([]*Peer, 0, len(m.connected))
		for _, p := range m.connected {
			peers = append(peers, p)
		}
		m.connected = make(map[string]*Peer)
		m.connMu.Unlock()

		for _, p := range peers {
			p.Disconnect(wrapErr(ErrorShutdown, p.Address.String(), fmt.Errorf("subsystem shutdown")))
		}
	})
}

func (m *NetworkManager) acceptLoop(ctx context.Context) {
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			m.log.Warn("accept failed", slog.Any("error", err))
			return
		}

		m.connMu.RLock()
		atCap := len(m.connected) >= m.cfg.MaxPeers
		m.connMu.RUnlock()
		if atCap {
			_ = conn.Close()
			continue
		}
		if !m.limiter.Allow(conn.RemoteAddr().String()) {
			_ = conn.Close()
			continue
		}
		go m.handleInbound(ctx, conn)
	}
}

func (m *NetworkManager) handleInbound(ctx context.Context, conn net.Conn) {
	addr, err := ParsePeerAddress(conn.RemoteAddr().String())
	if err != nil {
		_ = conn.Close()
		return
	}
	peer := NewPeer(conn, DirectionInbound, addr, m.magic, m.maxMessageSize, m.handshakeDeps(), m.log)
	if err := m.registerPeer(peer); err != nil {
		_ = conn.Close()
		return
	}
	m.runPeer(ctx, peer)
}

func (m *NetworkManager) handshakeDeps() HandshakeDeps {
	return HandshakeDeps{
		OurPeerID:          m.ourPeerID,
		ProtocolVersion:    2,
		HasInboundClaimant: m.hasInboundClaimant,
	}
}

func (m *NetworkManager) hasInboundClaimant(remotePeerID []byte) bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	for _, p := range m.connected {
		if p.Direction == DirectionInbound && p.handshake.State() == HandshakeCompleted && bytesEqual(p.handshake.RemotePeerID, remotePeerID) {
			return true
		}
	}
	return false
}

func (m *NetworkManager) registerPeer(p *Peer) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	key := p.Address.String()
	if _, exists := m.connected[key]; exists {
		return fmt.Errorf("p2p: %s already connected", key)
	}
	if len(m.connected) >= m.cfg.MaxPeers {
		return fmt.Errorf("p2p: max peers reached")
	}
	m.connected[key] = p
	m.setPeerCountsLocked()
	return nil
}

func (m *NetworkManager) removePeer(p *Peer) {
	m.connMu.Lock()
	key := p.Address.String()
	if cur, ok := m.connected[key]; ok && cur == p {
		delete(m.connected, key)
	}
	m.setPeerCountsLocked()
	m.connMu.Unlock()
	m.limiter.Forget(key)
	if m.deps.Controller != nil {
		m.deps.Controller.OnPeerDisconnect(p)
	}
}

func (m *NetworkManager) setPeerCountsLocked() {
	inbound, outbound := 0, 0
	for _, p := range m.connected {
		if p.Direction == DirectionInbound {
			inbound++
		} else {
			outbound++
		}
	}
	metrics.Get().SetPeerCounts(inbound, outbound)
}

// runPeer drives handshake actions and feeds the reactor's message-task
// channel once the read side has decoded frames. It owns the peer's
// lifecycle until Disconnect.
func (m *NetworkManager) runPeer(ctx context.Context, p *Peer) {
	m.applyActions(p, p.StartHandshake())

	for {
		msgs, err := p.OnReadable()
		for _, msg := range msgs {
			m.enqueueDeliver(p, msg)
		}
		if err != nil {
			p.Disconnect(wrapErr(ErrorIO, p.Address.String(), err))
			break
		}
		if p.Closed() {
			break
		}
	}
	m.removePeer(p)
}

func (m *NetworkManager) enqueueDeliver(p *Peer, msg Message) {
	m.reactor.EnqueueMessage(Task{Run: func() {
		actions, err := p.Deliver(msg, func(delivered Message) {
			m.onControllerMessage(p, delivered)
		})
		if err != nil {
			p.Disconnect(wrapErr(ErrorProtocol, p.Address.String(), err))
			return
		}
		m.applyActions(p, actions)
	}})
}

func (m *NetworkManager) onControllerMessage(p *Peer, msg Message) {
	switch msg.Type {
	case TypeGetPeers:
		m.sendPeers(p)
		return
	case TypePeerVerify:
		m.handlePeerVerify(p, msg)
		return
	case TypePeers:
		if entries, err := decodePeersV1(msg.Payload); err == nil {
			m.mergePeers(peerAddressesFromV1(entries))
		}
		return
	case TypePeersV2:
		if entries, err := decodePeersV2(msg.Payload); err == nil {
			m.mergePeers(peerAddressesFromV2(entries))
		}
		return
	}
	if m.deps.Controller != nil {
		m.deps.Controller.OnNetworkMessage(p, msg)
	}
}

func peerAddressesFromV1(entries []PeerEntryV1) []PeerAddress {
	out := make([]PeerAddress, 0, len(entries))
	for _, e := range entries {
		addr, err := ParsePeerAddress(net.IP(e.Addr[:]).String())
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func peerAddressesFromV2(entries []PeerEntryV2) []PeerAddress {
	out := make([]PeerAddress, 0, len(entries))
	for _, e := range entries {
		raw := e.Host
		if e.Port != 0 {
			raw = net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
		}
		addr, err := ParsePeerAddress(raw)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}

// mergePeers folds newly learned addresses into the repository. It uses a
// non-blocking try-lock: a merge already in flight means this one is
// simply dropped rather than queued, per spec.md §9.
func (m *NetworkManager) mergePeers(addrs []PeerAddress) {
	if len(addrs) == 0 {
		return
	}
	if !m.mergeLock.TryLock() {
		return
	}
	defer m.mergeLock.Unlock()

	tx, err := m.deps.Repository.GetRepository()
	if err != nil {
		return
	}
	defer tx.Discard()

	existing, err := tx.AllKnownPeers()
	if err != nil {
		return
	}
	known := make(map[string]bool, len(existing))
	for _, r := range existing {
		known[r.Address] = true
	}

	now, _ := m.clockNow()
	for _, addr := range addrs {
		if m.isSelf(addr) {
			continue
		}
		key := addr.String()
		if known[key] {
			continue
		}
		if err := tx.SaveKnownPeer(KnownPeerRecord{Address: key, AddedAt: now}); err != nil {
			return
		}
		known[key] = true
	}
	_ = tx.Commit()
}

// applyActions executes whatever the handshake FSM (or peer) decided to
// do: send frames, disconnect, or surface a terminal outcome.
func (m *NetworkManager) applyActions(p *Peer, actions []HandshakeAction) {
	for _, a := range actions {
		if a.Send != nil {
			_ = p.Send(*a.Send)
		}
		if a.Doppelganger != nil {
			m.registerDoppelganger(p, a.Doppelganger)
		}
		if a.Completed {
			metrics.Get().ObserveHandshake("completed")
			now := nowOrZero(m.deps.Clock)
			p.ConnectedAt = now
			p.SchedulePing(m.cfg.PingInterval, now)
			m.onHandshakeCompleted(p)
		}
		if a.SelfConnect {
			metrics.Get().ObserveHandshake("self")
			m.markSelf(p.Address)
		}
		if a.Disconnect {
			if a.Reason != "" {
				metrics.Get().ObserveHandshake("failed")
			}
			p.Disconnect(wrapErr(ErrorHandshake, p.Address.String(), errors.New(a.Reason)))
			return
		}
	}
}

func (m *NetworkManager) onHandshakeCompleted(p *Peer) {
	if m.deps.Controller != nil {
		m.deps.Controller.OnPeerHandshakeCompleted(p)
	}
	if p.Direction == DirectionOutbound {
		m.persistSuccess(p.Address)
	}
}

func (m *NetworkManager) markSelf(addr PeerAddress) {
	m.selfMu.Lock()
	m.self[addr.String()] = struct{}{}
	m.selfMu.Unlock()
}

func (m *NetworkManager) isSelf(addr PeerAddress) bool {
	m.selfMu.Lock()
	defer m.selfMu.Unlock()
	_, ok := m.self[addr.String()]
	return ok
}

func (m *NetworkManager) registerDoppelganger(outbound *Peer, c *DoppelgangerChallenge) {
	m.verifyMu.Lock()
	m.pending[hex.EncodeToString(c.RemotePeerID)] = &pendingVerification{outbound: outbound, send: c.Send, expect: c.Expect}
	m.verifyMu.Unlock()
}

// handlePeerVerify resolves a PEER_VERIFY arriving on an already-completed
// peer, per spec.md §4.4.1 step 3.
func (m *NetworkManager) handlePeerVerify(inbound *Peer, msg Message) {
	code, err := decodePeerVerify(msg.Payload)
	if err != nil {
		inbound.Disconnect(wrapErr(ErrorProtocol, inbound.Address.String(), err))
		return
	}
	key := hex.EncodeToString(inbound.handshake.RemotePeerID)

	m.verifyMu.Lock()
	pv, ok := m.pending[key]
	if ok {
		delete(m.pending, key)
	}
	m.verifyMu.Unlock()

	if !ok {
		inbound.Disconnect(wrapErr(ErrorHandshake, inbound.Address.String(), fmt.Errorf("unsolicited PEER_VERIFY")))
		return
	}
	if code != pv.send {
		inbound.Disconnect(wrapErr(ErrorHandshake, inbound.Address.String(), fmt.Errorf("doppelganger verification mismatch")))
		pv.outbound.Disconnect(wrapErr(ErrorHandshake, pv.outbound.Address.String(), fmt.Errorf("doppelganger verification mismatch")))
		return
	}
	_ = inbound.Send(Message{Type: TypePeerVerify, Payload: encodePeerVerify(pv.expect)})
	pv.outbound.handshake.CompleteDoppelganger()
	metrics.Get().ObserveHandshake("completed")
	m.onHandshakeCompleted(pv.outbound)
}

// connectLoop periodically asks the repository for a connectable candidate
// and feeds a connect task to the reactor, the way spec.md §8 scenario 5
// exercises (min_outbound_peers candidates attempted, each with
// last_attempted updated before the TCP attempt).
func (m *NetworkManager) connectLoop(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if m.outboundCount() >= m.cfg.MinOutboundPeers {
			continue
		}
		addr, ok := m.GetConnectablePeer()
		if !ok {
			continue
		}
		m.reactor.EnqueueConnect(Task{Run: func() { m.dialOutbound(ctx, addr) }})
	}
}

func (m *NetworkManager) outboundCount() int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	n := 0
	for _, p := range m.connected {
		if p.Direction == DirectionOutbound {
			n++
		}
	}
	return n
}

// GetConnectablePeer implements spec.md §4.6's get_connectable_peer:
// excludes addresses with a recent connection failure, self peers, and
// already-connected peers (by both unresolved and resolved form), then
// picks uniformly at random from the remainder.
func (m *NetworkManager) GetConnectablePeer() (PeerAddress, bool) {
	now, synced := m.clockNow()
	if !synced {
		// spec.md §9: null-check the clock rather than faulting; no
		// candidate is produced until time sync is available.
		return PeerAddress{}, false
	}

	tx, err := m.deps.Repository.GetRepository()
	if err != nil {
		return PeerAddress{}, false
	}
	defer tx.Discard()

	records, err := tx.AllKnownPeers()
	if err != nil {
		return PeerAddress{}, false
	}

	var candidates []PeerAddress
	for _, rec := range records {
		addr, err := ParsePeerAddress(rec.Address)
		if err != nil {
			continue
		}
		if m.recentlyFailed(rec, now) {
			continue
		}
		if m.isSelf(addr) {
			continue
		}
		if m.isConnected(addr) {
			continue
		}
		candidates = append(candidates, addr)
	}
	if len(candidates) == 0 {
		return PeerAddress{}, false
	}
	chosen := candidates[rand.Intn(len(candidates))]

	rec := KnownPeerRecord{Address: chosen.String(), LastAttempted: now}
	for _, r := range records {
		if r.Address == chosen.String() {
			rec.LastConnected = r.LastConnected
			rec.AddedAt = r.AddedAt
			break
		}
	}
	_ = tx.SaveKnownPeer(rec)
	_ = tx.Commit()
	return chosen, true
}

func (m *NetworkManager) recentlyFailed(rec KnownPeerRecord, now time.Time) bool {
	if rec.LastAttempted.IsZero() {
		return false
	}
	failed := rec.LastConnected.IsZero() || rec.LastConnected.Before(rec.LastAttempted)
	return failed && now.Sub(rec.LastAttempted) < m.cfg.ConnectBackoff
}

func (m *NetworkManager) isConnected(addr PeerAddress) bool {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	if _, ok := m.connected[addr.String()]; ok {
		return true
	}
	resolved, err := addr.Resolve(context.Background(), m.cfg.ListenPort)
	if err != nil {
		// Unresolvable addresses are treated as already connected, so the
		// selector skips them rather than retrying forever.
		return true
	}
	for _, p := range m.connected {
		if otherResolved, err := p.Address.Resolve(context.Background(), m.cfg.ListenPort); err == nil {
			if otherResolved.String() == resolved.String() {
				return true
			}
		}
	}
	return false
}

func (m *NetworkManager) dialOutbound(ctx context.Context, addr PeerAddress) {
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	resolved, err := addr.Resolve(dialCtx, m.cfg.ListenPort)
	if err != nil {
		m.log.Warn("resolve failed", logging.MaskField("address", addr.String()), slog.Any("error", err))
		return
	}
	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", resolved.String())
	if err != nil {
		m.log.Warn("connect failed", logging.MaskField("address", addr.String()), slog.Any("error", err))
		return
	}

	peer := NewPeer(conn, DirectionOutbound, addr, m.magic, m.maxMessageSize, m.handshakeDeps(), m.log)
	if err := m.registerPeer(peer); err != nil {
		_ = conn.Close()
		return
	}
	go m.runPeer(ctx, peer)
}

func (m *NetworkManager) persistSuccess(addr PeerAddress) {
	tx, err := m.deps.Repository.GetRepository()
	if err != nil {
		return
	}
	defer tx.Discard()
	now, _ := m.clockNow()
	rec := KnownPeerRecord{Address: addr.String(), LastConnected: now, LastAttempted: now}
	if existing, err := tx.AllKnownPeers(); err == nil {
		for _, r := range existing {
			if r.Address == addr.String() {
				rec.AddedAt = r.AddedAt
				break
			}
		}
	}
	if err := tx.SaveKnownPeer(rec); err != nil {
		m.log.Warn("failed to persist known peer", slog.Any("error", err))
		return
	}
	_ = tx.Commit()
}

// pruneAndBroadcastLoop drives both periodic prune and broadcast
// producers; each enqueues at most one reactor task per tick.
func (m *NetworkManager) pruneAndBroadcastLoop(ctx context.Context) {
	pruneTicker := time.NewTicker(time.Minute)
	broadcastTicker := time.NewTicker(m.cfg.BroadcastInterval)
	pingTicker := time.NewTicker(5 * time.Second)
	defer pruneTicker.Stop()
	defer broadcastTicker.Stop()
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pruneTicker.C:
			m.reactor.EnqueueReady(Task{Run: m.prunePeers})
		case <-broadcastTicker.C:
			m.reactor.EnqueueBroadcast(Task{Run: m.broadcast})
		case <-pingTicker.C:
			m.checkPings()
		}
	}
}

// prunePeers implements spec.md §4.6: disconnect peers stuck in handshake
// past HANDSHAKE_TIMEOUT, and delete "old" persisted peers. The handshake
// sweep runs against the wall clock regardless of sync state — a stalled
// socket is a local liveness concern, not a domain-time one — while the
// persisted-record sweep stays gated on the synced Clock. The persisted
// sweep is also opportunistic — if the repository is contended it simply
// skips this cycle, per the try_repository() contract (spec.md §9).
func (m *NetworkManager) prunePeers() {
	m.pruneStalledHandshakes(time.Now())

	now, synced := m.clockNow()
	if !synced {
		return
	}

	tx, ok := m.deps.Repository.TryRepository()
	if !ok {
		return
	}
	defer tx.Discard()

	records, err := tx.AllKnownPeers()
	if err != nil {
		return
	}
	for _, rec := range records {
		addr, err := ParsePeerAddress(rec.Address)
		if err != nil {
			continue
		}
		if m.isConnected(addr) {
			continue
		}
		// Literal per spec.md §9: this predicate is preserved exactly as
		// specified even though it reads as an inversion of its own
		// comment in the source it was distilled from. Do not "fix" it.
		isNotOld := rec.LastAttempted.IsZero() || now.Sub(rec.LastAttempted) > config.DefaultOldPeerAttempted
		isNotOld = isNotOld || rec.LastConnected.IsZero() || now.Sub(rec.LastConnected) < config.DefaultOldPeerConnection
		if isNotOld {
			_ = tx.DeleteKnownPeer(rec.Address)
		}
	}
	_ = tx.Commit()
}

// pruneStalledHandshakes disconnects connected peers that have spent longer
// than HandshakeTimeout without completing the handshake FSM, per spec.md
// §4.6. It is the only place HandshakeTimeout is consulted; without it a
// peer that never sends VERSION/PEER_ID/PROOF just sits in m.connected
// forever.
func (m *NetworkManager) pruneStalledHandshakes(now time.Time) {
	m.connMu.RLock()
	stalled := make([]*Peer, 0)
	for _, p := range m.connected {
		if p.handshake == nil || p.handshake.State() == HandshakeCompleted {
			continue
		}
		if p.HandshakeStartedAt.IsZero() {
			continue
		}
		if now.Sub(p.HandshakeStartedAt) > m.cfg.HandshakeTimeout {
			stalled = append(stalled, p)
		}
	}
	m.connMu.RUnlock()

	for _, p := range stalled {
		p.Disconnect(wrapErr(ErrorTimeout, p.Address.String(), fmt.Errorf("handshake timeout in state %s", p.handshake.State())))
	}
}

// broadcast asks the Controller to emit whatever it wishes onto whichever
// peers it already knows about (from the OnPeerHandshakeCompleted
// callback). The manager only supplies the low-level send primitive, so
// a per-call jitter of 20-40ms is applied here regardless of how many
// targets the Controller ends up calling send for, per spec.md's Open
// Question decision that broadcast pacing doesn't scale with peer count.
func (m *NetworkManager) broadcast() {
	if m.deps.Controller == nil {
		return
	}
	metrics.Get().BroadcastPeers.Set(float64(len(m.uniqueHandshakedPeers())))

	send := func(p *Peer, msg Message) error {
		jitter := 20 + rand.Intn(21)
		time.Sleep(time.Duration(jitter) * time.Millisecond)
		return p.Send(msg)
	}
	m.deps.Controller.DoNetworkBroadcast(send)
}

func (m *NetworkManager) uniqueHandshakedPeers() []*Peer {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	seenIDs := make(map[string]bool)
	out := make([]*Peer, 0, len(m.connected))
	// Outbound peers first, so an inbound duplicate is dropped whatever the
	// map's iteration order.
	for _, dir := range []Direction{DirectionOutbound, DirectionInbound} {
		for _, p := range m.connected {
			if p.Direction != dir || p.handshake.State() != HandshakeCompleted {
				continue
			}
			id := hex.EncodeToString(p.handshake.RemotePeerID)
			if p.Direction == DirectionInbound && seenIDs[id] {
				continue
			}
			seenIDs[id] = true
			out = append(out, p)
		}
	}
	return out
}

func (m *NetworkManager) checkPings() {
	now, _ := m.clockNow()
	m.connMu.RLock()
	due := make([]*Peer, 0)
	for _, p := range m.connected {
		if p.handshake.State() == HandshakeCompleted && p.PingDue(now) {
			due = append(due, p)
		}
	}
	m.connMu.RUnlock()
	for _, p := range due {
		peer := p
		m.reactor.EnqueuePing(Task{Run: func() {
			if err := peer.SendPing(now, m.cfg.PingTimeout); err != nil {
				peer.Disconnect(wrapErr(ErrorTimeout, peer.Address.String(), err))
				return
			}
			peer.SchedulePing(m.cfg.PingInterval, now)
		}})
	}
}

// sendPeers answers GET_PEERS with the v1 or v2 PEERS frame depending on
// the asking peer's negotiated protocol version, per spec.md §4.6/§6.
func (m *NetworkManager) sendPeers(p *Peer) {
	now, synced := m.clockNow()
	if !synced {
		return
	}
	tx, err := m.deps.Repository.GetRepository()
	if err != nil {
		return
	}
	records, err := tx.AllKnownPeers()
	tx.Discard()
	if err != nil {
		return
	}

	if p.handshake.remoteVersion >= 2 {
		var entries []PeerEntryV2
		for _, rec := range records {
			if rec.LastConnected.IsZero() || now.Sub(rec.LastConnected) > config.DefaultRecentConnection {
				continue
			}
			addr, err := ParsePeerAddress(rec.Address)
			if err != nil {
				continue
			}
			entries = append(entries, PeerEntryV2{Host: addr.Host(), Port: addr.Port(m.cfg.ListenPort)})
		}
		_ = p.Send(Message{Type: TypePeersV2, Payload: encodePeersV2(entries)})
		return
	}

	var entries []PeerEntryV1
	for _, rec := range records {
		if rec.LastConnected.IsZero() || now.Sub(rec.LastConnected) > config.DefaultRecentConnection {
			continue
		}
		addr, err := ParsePeerAddress(rec.Address)
		if err != nil {
			continue
		}
		ip := net.ParseIP(addr.Host())
		if ip == nil || ip.To4() == nil {
			continue
		}
		var entry PeerEntryV1
		copy(entry.Addr[:], ip.To4())
		entries = append(entries, entry)
	}
	_ = p.Send(Message{Type: TypePeers, Payload: encodePeersV1(entries)})
}

func (m *NetworkManager) seedIfEmpty() error {
	tx, err := m.deps.Repository.GetRepository()
	if err != nil {
		return err
	}
	defer tx.Discard()
	existing, err := tx.AllKnownPeers()
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	now, _ := m.clockNow()
	for _, raw := range m.cfg.InitialPeers {
		addr, err := ParsePeerAddress(raw)
		if err != nil {
			m.log.Warn("skipping invalid initial peer", logging.MaskField("address", raw), slog.Any("error", err))
			continue
		}
		if err := tx.SaveKnownPeer(KnownPeerRecord{Address: addr.String(), AddedAt: now}); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *NetworkManager) clockNow() (time.Time, bool) {
	if m.deps.Clock == nil {
		return time.Time{}, false
	}
	if !m.deps.Clock.Synced() {
		return time.Time{}, false
	}
	return m.deps.Clock.Now(), true
}

func nowOrZero(c Clock) time.Time {
	if c == nil || !c.Synced() {
		return time.Time{}
	}
	return c.Now()
}
