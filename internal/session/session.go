// Package session implements the per-peer connection state machine: TCP
// handshake, choke/interest flags, remote bitfield tracking, and framed
// message exchange.
//
// handleMessage only closes the connection for a handshake/info-hash
// mismatch or a bitfield whose padded length disagrees with ours; any
// other malformed payload or unrecognized message ID is logged and the
// read loop continues.
//
// A Session owns exactly two goroutines, a read loop and a write loop,
// grounded on the teacher's peer.Peer.Run/readMessagesLoop/writeMessagesLoop
// split. Those goroutines never mutate the piece store or the coordinator's
// peer set directly — decoded events that require that shared state
// (a finished piece, a block request, a promoted handshake, a dropped
// connection) are sent down a single channel into the coordinator's event
// loop, which is the sole owner of that state. Purely per-peer reactions
// (choke/unchoke bookkeeping, the trivial "interested implies unchoke"
// policy, remote-bitfield tracking) are handled locally, since nothing
// outside this Session needs to serialize around them.
package session

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"warren/internal/bitfield"
	"warren/internal/wire"
)

// State is a peer session's position in the six-state machine.
type State uint8

const (
	Uninitialized State = iota
	Connecting
	Handshaking
	AcceptedPending
	Established
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case AcceptedPending:
		return "accepted-pending"
	case Established:
		return "established"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Key is a stable identifier for a Session, used by the coordinator and the
// piece store to refer to a peer without holding a pointer to the Session
// itself (see piece.PeerKey). An address is stable for the life of a TCP
// connection, which is the life of a Session.
type Key string

func KeyFromAddr(addr netip.AddrPort) Key { return Key(addr.String()) }

// EventKind enumerates the decoded events a Session forwards to the
// coordinator because acting on them requires state this Session does not
// own (the local bitfield, the piece store, the peer set).
type EventKind uint8

const (
	EventHandshakeOK EventKind = iota
	EventClosed
	EventHave
	EventBitfield
	EventRequest
	EventPiece
	EventCancel
)

// Event is a single decoded occurrence on a Session, destined for the
// coordinator's event loop.
type Event struct {
	Key    Key
	Kind   EventKind
	Index  uint32
	Begin  uint32
	Length uint32
	Block  []byte
	BF     bitfield.Bitfield
	Err    error // set on EventClosed when the close was due to an error
}

var (
	ErrConnectTimeout    = errors.New("session: connect timed out")
	ErrHandshakeTimeout  = errors.New("session: handshake timed out")
	ErrHandshakeMismatch = errors.New("session: handshake info hash mismatch")
)

const (
	connectTimeout   = 200 * time.Millisecond
	handshakeTimeout = 5 * time.Second
)

// Opts configures a Session. Timeouts are passed explicitly rather than
// pulled from a global config, since callers in tests commonly want
// tighter bounds than production.
type Opts struct {
	Log          *slog.Logger
	InfoHash     [sha1.Size]byte
	PeerID       [sha1.Size]byte
	NumPieces    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	OutboxSize   int
}

// Session is one peer connection and its state machine.
type Session struct {
	log  *slog.Logger
	conn net.Conn
	addr netip.AddrPort
	key  Key

	infoHash  [sha1.Size]byte
	peerID    [sha1.Size]byte
	numPieces int

	readTimeout  time.Duration
	writeTimeout time.Duration

	state atomic.Uint32

	amChoking      atomic.Bool
	amInterested   atomic.Bool
	peerChoking    atomic.Bool
	peerInterested atomic.Bool

	bfMu     sync.RWMutex
	remoteBF bitfield.Bitfield

	lastSeen atomic.Int64

	outbox chan *wire.Message
	events chan<- Event

	closeOnce sync.Once
	stopped   atomic.Bool
	cancel    context.CancelFunc

	connectedAt time.Time
}

// DialOutbound connects to addr, performs the handshake (verifying the
// remote's info hash against ours), and returns a Session in the
// Handshaking state transitioned to Established. The caller is expected to
// call Run to start the I/O loops and then SendBitfield.
func DialOutbound(ctx context.Context, addr netip.AddrPort, opts Opts, events chan<- Event) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	}

	s := newSession(conn, addr, opts, events)
	s.setState(Handshaking)

	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	hs := wire.NewHandshake(opts.InfoHash, opts.PeerID)
	peerHS, err := hs.Exchange(conn, true)
	_ = conn.SetDeadline(time.Time{})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeMismatch, err)
	}
	_ = peerHS

	s.setState(Established)
	return s, nil
}

// AcceptInbound wraps a freshly-accepted socket in a Session in the
// AcceptedPending state: we have not yet seen the remote's handshake.
func AcceptInbound(conn net.Conn, addr netip.AddrPort, opts Opts, events chan<- Event) *Session {
	s := newSession(conn, addr, opts, events)
	s.setState(AcceptedPending)
	return s
}

func newSession(conn net.Conn, addr netip.AddrPort, opts Opts, events chan<- Event) *Session {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	outboxSize := opts.OutboxSize
	if outboxSize <= 0 {
		outboxSize = 64
	}

	s := &Session{
		log:          log.With("component", "session", "addr", addr),
		conn:         conn,
		addr:         addr,
		key:          KeyFromAddr(addr),
		infoHash:     opts.InfoHash,
		peerID:       opts.PeerID,
		numPieces:    opts.NumPieces,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		remoteBF:     bitfield.New(opts.NumPieces),
		outbox:       make(chan *wire.Message, outboxSize),
		events:       events,
		connectedAt:  time.Now(),
	}
	s.amChoking.Store(true)
	s.peerChoking.Store(true)
	s.lastSeen.Store(time.Now().UnixNano())

	return s
}

func (s *Session) Key() Key               { return s.key }
func (s *Session) Addr() netip.AddrPort   { return s.addr }
func (s *Session) State() State           { return State(s.state.Load()) }
func (s *Session) AmChoking() bool        { return s.amChoking.Load() }
func (s *Session) AmInterested() bool     { return s.amInterested.Load() }
func (s *Session) PeerChoking() bool      { return s.peerChoking.Load() }
func (s *Session) PeerInterested() bool   { return s.peerInterested.Load() }
func (s *Session) LastSeen() time.Time    { return time.Unix(0, s.lastSeen.Load()) }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// RemoteBitfield returns a snapshot of the peer's last-known bitfield.
func (s *Session) RemoteBitfield() bitfield.Bitfield {
	s.bfMu.RLock()
	defer s.bfMu.RUnlock()
	return s.remoteBF.Clone()
}

func (s *Session) setState(st State) { s.state.Store(uint32(st)) }

// Run starts the read and write loops and blocks until either exits.
// Per Design Notes §9's single-owner funneling, it never touches anything
// outside this Session except to send on the events channel.
func (s *Session) Run(ctx context.Context) error {
	defer s.Close(nil)

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })

	return g.Wait()
}

// Close tears the connection down exactly once and, if events is non-nil,
// reports EventClosed so the coordinator can drop this peer and release its
// reservations.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		s.stopped.Store(true)
		s.setState(Closed)

		if s.cancel != nil {
			s.cancel()
		}
		_ = s.conn.Close()
		close(s.outbox)

		s.emit(Event{Key: s.key, Kind: EventClosed, Err: cause})
	})
}

// emit sends ev to the coordinator. It blocks if the coordinator's event
// channel is full: the coordinator is expected to keep it drained, and
// silently dropping a state-changing event (a finished handshake, a
// dropped connection) would desynchronize the peer set.
func (s *Session) emit(ev Event) {
	if s.events == nil {
		return
	}
	s.events <- ev
}

// --- outbound sends, safe to call from the coordinator goroutine ---

func (s *Session) SendBitfield(bf bitfield.Bitfield) { s.enqueue(wire.MessageBitfield(bf.Bytes())) }
func (s *Session) SendKeepAlive()                    { s.enqueue(nil) }
func (s *Session) SendChoke()                        { s.enqueue(wire.MessageChoke()) }
func (s *Session) SendUnchoke()                       { s.enqueue(wire.MessageUnchoke()) }
func (s *Session) SendInterested()                    { s.enqueue(wire.MessageInterested()) }
func (s *Session) SendNotInterested()                 { s.enqueue(wire.MessageNotInterested()) }
func (s *Session) SendHave(index uint32)               { s.enqueue(wire.MessageHave(index)) }

func (s *Session) SendCancel(index, begin, length uint32) {
	s.enqueue(wire.MessageCancel(index, begin, length))
}

func (s *Session) SendRequest(index, begin, length uint32) {
	if s.PeerChoking() {
		return
	}
	s.enqueue(wire.MessageRequest(index, begin, length))
}

func (s *Session) SendPiece(index, begin uint32, block []byte) {
	s.enqueue(wire.MessagePiece(index, begin, block))
}

func (s *Session) enqueue(m *wire.Message) {
	if s.stopped.Load() {
		return
	}
	defer func() { recover() }() // outbox may close concurrently with Close()
	select {
	case s.outbox <- m:
	default:
	}
}

// --- read loop ---

func (s *Session) readLoop(ctx context.Context) error {
	if s.State() == AcceptedPending {
		if err := s.completeInboundHandshake(); err != nil {
			s.Close(err)
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := s.readMessage()
		if err != nil {
			s.Close(err)
			return err
		}

		if err := s.handleMessage(msg); err != nil {
			s.Close(err)
			return err
		}
	}
}

func (s *Session) completeInboundHandshake() error {
	_ = s.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer s.conn.SetDeadline(time.Time{})

	peerHS, err := wire.ReadHandshake(s.conn)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeMismatch, err)
	}
	if peerHS.Pstr != wire.Protocol {
		return fmt.Errorf("%w: %v", ErrHandshakeMismatch, wire.ErrProtocolMismatch)
	}
	if peerHS.InfoHash != s.infoHash {
		return ErrHandshakeMismatch
	}

	reply := wire.NewHandshake(s.infoHash, s.peerID)
	if err := wire.WriteHandshake(s.conn, *reply); err != nil {
		return err
	}

	s.setState(Established)
	s.touch()
	s.emit(Event{Key: s.key, Kind: EventHandshakeOK})
	return nil
}

func (s *Session) readMessage() (*wire.Message, error) {
	if s.readTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		defer s.conn.SetReadDeadline(time.Time{})
	}

	msg, err := wire.ReadMessage(s.conn)
	if err != nil {
		return nil, err
	}
	s.touch()
	return msg, nil
}

func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

func (s *Session) handleMessage(msg *wire.Message) error {
	if wire.IsKeepAlive(msg) {
		return nil
	}

	switch msg.ID {
	case wire.Choke:
		s.peerChoking.Store(true)

	case wire.Unchoke:
		s.peerChoking.Store(false)

	case wire.Interested:
		s.peerInterested.Store(true)
		s.SendUnchoke()

	case wire.NotInterested:
		s.peerInterested.Store(false)
		s.SendChoke()

	case wire.Have:
		index, ok := msg.ParseHave()
		if !ok {
			s.log.Warn("malformed have message, ignoring")
			return nil
		}
		s.bfMu.Lock()
		s.remoteBF.Set(int(index))
		s.bfMu.Unlock()
		s.emit(Event{Key: s.key, Kind: EventHave, Index: index})

	case wire.Bitfield:
		if err := msg.ValidateBitfieldLength(s.numPieces); err != nil {
			return fmt.Errorf("session: %w", err)
		}
		bf := bitfield.FromBytes(msg.Payload)
		s.bfMu.Lock()
		s.remoteBF = bf
		s.bfMu.Unlock()
		s.emit(Event{Key: s.key, Kind: EventBitfield, BF: bf.Clone()})

	case wire.Request:
		index, begin, length, ok := msg.ParseRequest()
		if !ok {
			s.log.Warn("malformed request message, ignoring")
			return nil
		}
		s.emit(Event{Key: s.key, Kind: EventRequest, Index: index, Begin: begin, Length: length})

	case wire.Piece:
		index, begin, block, ok := msg.ParsePiece()
		if !ok {
			s.log.Warn("malformed piece message, ignoring")
			return nil
		}
		s.emit(Event{Key: s.key, Kind: EventPiece, Index: index, Begin: begin, Block: block})

	case wire.Cancel:
		index, begin, length, ok := msg.ParseCancel()
		if !ok {
			s.log.Warn("malformed cancel message, ignoring")
			return nil
		}
		s.emit(Event{Key: s.key, Kind: EventCancel, Index: index, Begin: begin, Length: length})

	default:
		s.log.Warn("unknown message id, ignoring", "id", msg.ID)
	}

	return nil
}

// --- write loop ---

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case msg, ok := <-s.outbox:
			if !ok {
				return nil
			}
			if err := s.writeMessage(msg); err != nil {
				return err
			}
		}
	}
}

func (s *Session) writeMessage(msg *wire.Message) error {
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}

	if err := wire.WriteMessage(s.conn, msg); err != nil {
		return err
	}

	if msg == nil {
		return nil
	}
	switch msg.ID {
	case wire.Choke:
		s.amChoking.Store(true)
	case wire.Unchoke:
		s.amChoking.Store(false)
	case wire.Interested:
		s.amInterested.Store(true)
	case wire.NotInterested:
		s.amInterested.Store(false)
	}
	return nil
}
