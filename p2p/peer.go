package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nitrokrypt/qortal/observability/logging"
	"github.com/nitrokrypt/qortal/observability/metrics"
)

// ErrPeerDisconnected is returned by send/request operations on a peer that
// has already torn down its connection.
var ErrPeerDisconnected = errors.New("p2p: peer disconnected")

// waiter is a pending request/reply correlation entry, keyed by message id.
// Per spec.md §9's "Request/reply correlation" re-architecture note, the
// caller never blocks a goroutine on a condition variable: it hands a
// channel to the waiter table and selects on it with a timeout.
type waiter struct {
	reply chan Message
	done  chan struct{}
}

// Peer is one live connection's state: socket, handshake progress, read
// decoder, write queue, and the pending-request table. It is exclusively
// owned by the NetworkManager's connected set until Disconnect; any other
// view of it must be a snapshot taken under the manager's lock.
type Peer struct {
	conn      net.Conn
	Direction Direction
	Address   PeerAddress

	log *logging.PeerLogger

	decoder *Decoder
	magic   uint32
	maxSize int

	handshake *HandshakeFSM
	Version   uint32

	writeMu    sync.Mutex
	writeQueue chan []byte

	nextMsgID atomic.Int32

	waitersMu sync.Mutex
	waiters   map[int32]*waiter

	ConnectedAt        time.Time
	HandshakeStartedAt time.Time
	NextPingDue        time.Time

	disconnectOnce sync.Once
	closed         chan struct{}
	disconnectErr  error
}

// NewPeer wraps an accepted or dialed connection. The handshake is not
// started here — the NetworkManager calls StartHandshake (from runPeer) once
// the peer is registered, so a half-constructed peer is never visible to other
// goroutines.
func NewPeer(conn net.Conn, dir Direction, addr PeerAddress, magic uint32, maxMessageSize int, deps HandshakeDeps, baseLog *slog.Logger) *Peer {
	p := &Peer{
		conn:       conn,
		Direction:  dir,
		Address:    addr,
		log:        logging.ForPeer(baseLog, addr.String(), dir.String()),
		decoder:    NewDecoder(magic, maxMessageSize),
		magic:      magic,
		maxSize:    maxMessageSize,
		writeQueue: make(chan []byte, 256),
		waiters:    make(map[int32]*waiter),
		closed:     make(chan struct{}),
	}
	p.handshake = NewHandshakeFSM(dir, deps, p.allocateID)
	return p
}

func (p *Peer) allocateID() int32 {
	for {
		id := p.nextMsgID.Add(1)
		if id != 0 {
			return id
		}
	}
}

// StartHandshake kicks off the handshake (a no-op for inbound peers, which
// wait for the remote's VERSION), starts the write pump, and records the
// deadline prunePeers uses to reap a connection stalled mid-handshake.
func (p *Peer) StartHandshake() []HandshakeAction {
	p.HandshakeStartedAt = time.Now()
	go p.writeLoop()
	return p.handshake.Start()
}

// OnReadable reads whatever is currently available and returns the fully
// decoded messages. A terminal decode error means the caller must
// disconnect this peer; anything decoded before the bad frame is still
// returned so it can be delivered first.
func (p *Peer) OnReadable() ([]Message, error) {
	buf := make([]byte, 64*1024)
	n, err := p.conn.Read(buf)
	if n == 0 && err != nil {
		return nil, err
	}
	msgs, decErr := p.decoder.Feed(buf[:n])
	if decErr != nil {
		return msgs, decErr
	}
	if err != nil {
		return msgs, err
	}
	return msgs, nil
}

// Send serialises and enqueues msg. It never blocks the caller's goroutine
// on a full socket buffer — enqueue onto the write queue is itself
// non-blocking, and a full queue disconnects the peer, per spec.md §5's
// "optional blocking write with a short timeout, else drop-and-disconnect".
func (p *Peer) Send(msg Message) error {
	frame, err := Encode(p.magic, p.maxSize, msg)
	if err != nil {
		return err
	}
	if p.Closed() {
		return ErrPeerDisconnected
	}
	select {
	case p.writeQueue <- frame:
		return nil
	case <-p.closed:
		return ErrPeerDisconnected
	default:
		p.Disconnect(fmt.Errorf("write queue full"))
		return ErrPeerDisconnected
	}
}

// Request sends msg with a freshly allocated id and blocks the caller (via
// a context, never a raw OS thread park) until a reply with that id
// arrives, the timeout elapses, or the peer disconnects.
func (p *Peer) Request(ctx context.Context, msg Message, timeout time.Duration) (Message, error) {
	id := p.allocateID()
	msg.ID = id

	w := &waiter{reply: make(chan Message, 1), done: make(chan struct{})}
	p.waitersMu.Lock()
	p.waiters[id] = w
	p.waitersMu.Unlock()
	defer func() {
		p.waitersMu.Lock()
		delete(p.waiters, id)
		p.waitersMu.Unlock()
	}()

	if err := p.Send(msg); err != nil {
		return Message{}, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case reply := <-w.reply:
		return reply, nil
	case <-reqCtx.Done():
		return Message{}, wrapErr(ErrorTimeout, "", fmt.Errorf("request %s timed out", msg.Type))
	case <-p.closed:
		var shutdownErr *Error
		if errors.As(p.disconnectErr, &shutdownErr) && shutdownErr.Kind == ErrorShutdown {
			return Message{}, shutdownErr
		}
		return Message{}, ErrPeerDisconnected
	}
}

// Deliver routes a decoded message: to a registered waiter if its id
// matches one, to the handshake FSM while handshaking, or to the supplied
// controller sink once the handshake has completed.
func (p *Peer) Deliver(msg Message, onControllerMessage func(Message)) ([]HandshakeAction, error) {
	if msg.ID != 0 {
		p.waitersMu.Lock()
		w, ok := p.waiters[msg.ID]
		p.waitersMu.Unlock()
		if ok {
			select {
			case w.reply <- msg:
			default:
			}
			return nil, nil
		}
	}

	if p.handshake.State() != HandshakeCompleted {
		return p.handshake.Step(msg)
	}

	if msg.Type == TypePing {
		return nil, p.Send(Message{Type: TypePing, ID: msg.ID, Payload: msg.Payload})
	}

	if onControllerMessage != nil {
		onControllerMessage(msg)
	}
	return nil, nil
}

// SchedulePing arms the next keepalive deadline after activity quiets down.
func (p *Peer) SchedulePing(interval time.Duration, now time.Time) {
	p.NextPingDue = now.Add(interval)
}

// PingDue reports whether it is time to emit a keepalive.
func (p *Peer) PingDue(now time.Time) bool {
	return !p.NextPingDue.IsZero() && !now.Before(p.NextPingDue)
}

// SendPing emits a PING correlated through the same waiter table Request
// uses, so the remote's echoed reply is consumed as a reply rather than
// re-echoed as a fresh incoming PING (which would otherwise ping-pong
// forever between two completed peers). If no reply arrives within
// timeout the peer is disconnected; a reply that does arrive updates the
// peer's RTT metric.
func (p *Peer) SendPing(now time.Time, timeout time.Duration) error {
	id := p.allocateID()
	w := &waiter{reply: make(chan Message, 1), done: make(chan struct{})}
	p.waitersMu.Lock()
	p.waiters[id] = w
	p.waitersMu.Unlock()

	if err := p.Send(Message{Type: TypePing, ID: id, Payload: encodePing(PingPayload{SentAt: now})}); err != nil {
		p.waitersMu.Lock()
		delete(p.waiters, id)
		p.waitersMu.Unlock()
		return err
	}

	go p.awaitPong(id, w, now, timeout)
	return nil
}

// awaitPong watches for the reply SendPing registered a waiter for,
// disconnecting on PING_TIMEOUT and observing RTT otherwise.
func (p *Peer) awaitPong(id int32, w *waiter, sentAt time.Time, timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-w.reply:
		p.waitersMu.Lock()
		delete(p.waiters, id)
		p.waitersMu.Unlock()
		metrics.Get().ObservePeerRTT(p.Address.String(), float64(time.Since(sentAt).Milliseconds()))
	case <-timer.C:
		p.waitersMu.Lock()
		delete(p.waiters, id)
		p.waitersMu.Unlock()
		p.Disconnect(wrapErr(ErrorTimeout, p.Address.String(), fmt.Errorf("ping timeout")))
	case <-p.closed:
	}
}

// Disconnect idempotently tears the connection down: closes the socket,
// fails every pending waiter, and records the reason for logging.
func (p *Peer) Disconnect(reason error) {
	p.disconnectOnce.Do(func() {
		p.disconnectErr = reason
		if p.log != nil {
			p.log.Info("peer disconnected", slog.String("reason", fmt.Sprint(reason)))
		}
		close(p.closed)
		_ = p.conn.Close()
		// writeQueue is deliberately never closed: Send's select also
		// watches p.closed, and a concurrent send racing a closed channel
		// would panic. writeLoop exits via the same p.closed signal
		// instead of ranging the channel to completion.

		p.waitersMu.Lock()
		for id, w := range p.waiters {
			close(w.done)
			delete(p.waiters, id)
		}
		p.waitersMu.Unlock()

		metrics.Get().ForgetPeer(p.Address.String())
	})
}

// Closed reports whether Disconnect has already run.
func (p *Peer) Closed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

// DisconnectReason returns the error passed to Disconnect, if any.
func (p *Peer) DisconnectReason() error { return p.disconnectErr }

func (p *Peer) writeLoop() {
	for {
		select {
		case frame := <-p.writeQueue:
			p.writeMu.Lock()
			_, err := p.conn.Write(frame)
			p.writeMu.Unlock()
			if err != nil {
				p.Disconnect(wrapErr(ErrorIO, p.Address.String(), err))
				return
			}
		case <-p.closed:
			return
		}
	}
}
