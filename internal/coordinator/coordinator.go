// Package coordinator implements the central download coordinator (spec.md
// §4.5): it owns the piece store and the peer set, runs the request
// scheduler, and drives tracker re-announce and keep-alive deadlines.
//
// spec.md describes a single-threaded readiness loop multiplexing raw
// sockets. Grounded on the teacher's internal/scheduler.PieceScheduler (a
// single goroutine draining an event channel plus a ticker, see its doc
// comment), the idiomatic Go realization keeps the single-owner invariant
// but replaces the raw select-over-fds with a select over typed channels:
// one goroutine per peer session already reports the occurrences that
// require shared state via session.Event, so the coordinator's "liveness
// sweep" falls out naturally from already-queued EventClosed messages
// instead of an active poll, and the 120s idle check is a ticker case
// alongside the announce and keep-alive timers. All state (the piece
// store, the peer set, the outstanding-request counter W) is touched
// exclusively from this goroutine's Run loop.
package coordinator

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/netip"
	"time"

	"warren/internal/config"
	"warren/internal/metainfo"
	"warren/internal/piece"
	"warren/internal/session"
	"warren/internal/tracker"
)

// defaultAnnounceInterval is used until the tracker's first response
// supplies a real one (spec.md §5: "initial default 900 s").
const defaultAnnounceInterval = 900 * time.Second

// Opts configures a Coordinator.
type Opts struct {
	Log     *slog.Logger
	Config  config.Config
	Meta    *metainfo.Metainfo
	Pieces  *piece.Manager
	Tracker *tracker.Client
	PeerID  [sha1.Size]byte

	// Seed, when true, skips the startup "started" announce event flow's
	// completion semantics: the caller has already verified every piece on
	// disk (piece.Manager.MarkAllVerified) and the coordinator serves
	// requests indefinitely instead of exiting once the bitfield fills.
	Seed bool

	// Compact selects the tracker's compact peer-list encoding (spec.md
	// §4.4); the command line exposes it as a positional 0/1 flag.
	Compact bool
}

// Coordinator is the sole owner of the piece store and the peer set.
type Coordinator struct {
	log     *slog.Logger
	cfg     config.Config
	meta    *metainfo.Metainfo
	pieces  *piece.Manager
	tracker *tracker.Client
	peerID  [sha1.Size]byte
	seed    bool
	compact bool

	peers map[session.Key]*session.Session

	events  chan session.Event
	inbound chan inboundConn

	listener net.Listener

	// w is the outstanding-request counter (spec.md invariant 4): the
	// number of blocks with a non-null assignment, across the whole swarm.
	w int
}

type inboundConn struct {
	conn net.Conn
	addr netip.AddrPort
}

// New builds a Coordinator. Call Run to start it.
func New(opts Opts) *Coordinator {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Coordinator{
		log:     log.With("component", "coordinator"),
		cfg:     opts.Config,
		meta:    opts.Meta,
		pieces:  opts.Pieces,
		tracker: opts.Tracker,
		peerID:  opts.PeerID,
		seed:    opts.Seed,
		compact: opts.Compact,
		peers:   make(map[session.Key]*session.Session),
		events:  make(chan session.Event, 256),
		inbound: make(chan inboundConn, 16),
	}
}

// Run performs the startup sequence (spec.md §4.5) and then drives the main
// loop until the download completes (non-seed mode) or ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	announceResp, err := c.tracker.Announce(ctx, c.announceParams(tracker.EventStarted))
	if err != nil {
		return fmt.Errorf("coordinator: initial announce: %w", err)
	}
	c.log.Info("announced", "peers", len(announceResp.Peers), "interval", announceResp.Interval)

	for _, addr := range announceResp.Peers {
		c.dialPeer(ctx, addr)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", c.cfg.ListenPort))
	if err != nil {
		return fmt.Errorf("coordinator: listen: %w", err)
	}
	c.listener = ln
	go c.acceptLoop(ctx)

	for _, sess := range c.peers {
		sess.SendUnchoke()
	}

	announceInterval := announceResp.Interval
	if announceInterval <= 0 {
		announceInterval = defaultAnnounceInterval
	}
	announceTimer := time.NewTimer(announceInterval)
	defer announceTimer.Stop()

	keepAliveTimer := time.NewTimer(c.cfg.KeepAliveInterval)
	defer keepAliveTimer.Stop()

	idleSweep := time.NewTicker(c.cfg.PeerIdleTimeout / 4)
	defer idleSweep.Stop()

	scheduleTick := time.NewTicker(200 * time.Millisecond)
	defer scheduleTick.Stop()

	for {
		if !c.seed && c.pieces.Complete() {
			return c.finish(ctx)
		}

		select {
		case <-ctx.Done():
			c.closeAll()
			return ctx.Err()

		case ev := <-c.events:
			start := time.Now()
			c.handleEvent(ctx, ev)
			if elapsed := time.Since(start); elapsed >= c.cfg.SlowHandlerThreshold {
				c.log.Warn("slow event handler, dropping peer", "peer", ev.Key, "elapsed", elapsed)
				c.dropPeer(ev.Key, fmt.Errorf("coordinator: handler exceeded %s", c.cfg.SlowHandlerThreshold))
			}

		case ic := <-c.inbound:
			c.acceptSession(ctx, ic)

		case <-scheduleTick.C:
			c.runScheduler()

		case <-keepAliveTimer.C:
			c.broadcastKeepAlive()
			keepAliveTimer.Reset(5 * time.Second)

		case <-announceTimer.C:
			interval := c.reannounce(ctx)
			announceTimer.Reset(interval)

		case <-idleSweep.C:
			c.sweepIdlePeers()
		}
	}
}

func (c *Coordinator) announceParams(ev tracker.Event) tracker.AnnounceParams {
	left := c.meta.Size()
	if c.pieces.Complete() {
		left = 0
	}
	return tracker.AnnounceParams{
		InfoHash: c.meta.InfoHash,
		PeerID:   c.peerID,
		Port:     c.cfg.ListenPort,
		Left:     uint64(left),
		Compact:  c.compact,
		Event:    ev,
	}
}

func (c *Coordinator) finish(ctx context.Context) error {
	c.log.Info("download complete")
	if _, err := c.tracker.Announce(ctx, c.announceParams(tracker.EventCompleted)); err != nil {
		c.log.Warn("completed announce failed", "err", err)
	}
	c.closeAll()
	return nil
}

func (c *Coordinator) closeAll() {
	if c.listener != nil {
		_ = c.listener.Close()
	}
	for key, sess := range c.peers {
		sess.Close(nil)
		delete(c.peers, key)
	}
}

// --- startup / connection management ---

func (c *Coordinator) dialPeer(ctx context.Context, addr netip.AddrPort) {
	key := session.KeyFromAddr(addr)
	if _, ok := c.peers[key]; ok {
		return
	}

	sess, err := session.DialOutbound(ctx, addr, c.sessionOpts(), c.events)
	if err != nil {
		c.log.Debug("outbound handshake failed", "addr", addr, "err", err)
		return
	}
	c.peers[key] = sess
	go func() {
		if err := sess.Run(ctx); err != nil {
			c.log.Debug("session stopped", "addr", addr, "err", err)
		}
	}()
	sess.SendBitfield(c.pieces.Bitfield())
}

func (c *Coordinator) sessionOpts() session.Opts {
	return session.Opts{
		Log:          c.log,
		InfoHash:     c.meta.InfoHash,
		PeerID:       c.peerID,
		NumPieces:    c.pieces.NumPieces(),
		ReadTimeout:  c.cfg.ReadTimeout,
		WriteTimeout: c.cfg.WriteTimeout,
		OutboxSize:   c.cfg.PeerOutboundQueueBacklog,
	}
}

func (c *Coordinator) acceptLoop(ctx context.Context) {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Debug("accept failed", "err", err)
			continue
		}

		addr, ok := tcpAddrPort(conn)
		if !ok {
			_ = conn.Close()
			continue
		}

		select {
		case c.inbound <- inboundConn{conn: conn, addr: addr}:
		case <-ctx.Done():
			_ = conn.Close()
			return
		}
	}
}

func tcpAddrPort(conn net.Conn) (netip.AddrPort, bool) {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}, false
	}
	return tcpAddr.AddrPort(), true
}

func (c *Coordinator) acceptSession(ctx context.Context, ic inboundConn) {
	key := session.KeyFromAddr(ic.addr)
	if _, ok := c.peers[key]; ok {
		_ = ic.conn.Close()
		return
	}

	sess := session.AcceptInbound(ic.conn, ic.addr, c.sessionOpts(), c.events)
	c.peers[key] = sess
	go func() {
		if err := sess.Run(ctx); err != nil {
			c.log.Debug("session stopped", "addr", ic.addr, "err", err)
		}
	}()
}

// --- event handling ---

func (c *Coordinator) handleEvent(ctx context.Context, ev session.Event) {
	sess, ok := c.peers[ev.Key]
	if !ok && ev.Kind != session.EventClosed {
		return
	}

	switch ev.Kind {
	case session.EventHandshakeOK:
		sess.SendBitfield(c.pieces.Bitfield())

	case session.EventClosed:
		c.dropPeer(ev.Key, ev.Err)

	case session.EventHave, session.EventBitfield:
		c.updateInterest(sess)

	case session.EventRequest:
		c.serveRequest(sess, ev)

	case session.EventPiece:
		c.ingestPiece(sess, ev)

	case session.EventCancel:
		c.log.Debug("cancel received", "peer", ev.Key, "index", ev.Index)
	}
}

func (c *Coordinator) updateInterest(sess *session.Session) {
	wanted := c.remoteHasWantedPiece(sess)
	switch {
	case wanted && !sess.AmInterested():
		sess.SendInterested()
	case !wanted && sess.AmInterested():
		sess.SendNotInterested()
	}
}

func (c *Coordinator) remoteHasWantedPiece(sess *session.Session) bool {
	remote := sess.RemoteBitfield()
	local := c.pieces.Bitfield()
	for i := 0; i < c.pieces.NumPieces(); i++ {
		if remote.Has(i) && !local.Has(i) {
			return true
		}
	}
	return false
}

func (c *Coordinator) serveRequest(sess *session.Session, ev session.Event) {
	if sess.AmChoking() {
		return
	}
	if !c.pieces.PieceVerified(ev.Index) {
		return
	}
	if ev.Length > piece.BlockLength {
		c.log.Debug("request exceeds block size, ignoring", "peer", ev.Key, "length", ev.Length)
		return
	}
	block, err := c.pieces.ReadBlock(ev.Index, ev.Begin, ev.Length)
	if err != nil {
		c.log.Debug("read block failed", "peer", ev.Key, "index", ev.Index, "err", err)
		return
	}
	sess.SendPiece(ev.Index, ev.Begin, block)
}

func (c *Coordinator) ingestPiece(sess *session.Session, ev session.Event) {
	finished, err := c.pieces.IngestBlock(ev.Index, ev.Begin, ev.Block)
	if err != nil {
		c.log.Debug("ingest block failed", "peer", ev.Key, "index", ev.Index, "err", err)
	}

	// spec.md §4.5: "If the ID is piece (7), decrement W" — unconditional,
	// independent of whether the block was accepted (duplicate arrivals
	// and stale reassignments both still consumed a request slot).
	c.decrementW(1)

	if !finished {
		return
	}

	ok, err := c.pieces.VerifyPiece(ev.Index)
	if err != nil {
		c.log.Warn("verify piece failed", "index", ev.Index, "err", err)
		return
	}
	if !ok {
		c.log.Debug("piece failed digest, reset", "index", ev.Index)
		return
	}

	for _, peer := range c.peers {
		peer.SendHave(ev.Index)
	}
}

func (c *Coordinator) decrementW(n int) {
	c.w -= n
	if c.w < 0 {
		c.w = 0
	}
}

func (c *Coordinator) dropPeer(key session.Key, cause error) {
	sess, ok := c.peers[key]
	if !ok {
		return
	}
	delete(c.peers, key)

	released := c.pieces.UnassignPeer(piece.PeerKey(key))
	c.decrementW(released)

	c.log.Debug("dropped peer", "peer", key, "cause", cause, "released", released)
	sess.Close(cause)
}

func (c *Coordinator) broadcastKeepAlive() {
	for _, sess := range c.peers {
		sess.SendKeepAlive()
	}
}

// sweepIdlePeers drops peers whose last-seen exceeds the idle timeout. Per
// Design Notes §9 ("two collections ... mutated during iteration"), removal
// is deferred until after the scan completes.
func (c *Coordinator) sweepIdlePeers() {
	var stale []session.Key
	for key, sess := range c.peers {
		if time.Since(sess.LastSeen()) > c.cfg.PeerIdleTimeout {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		c.dropPeer(key, errors.New("coordinator: peer idle timeout"))
	}
}

func (c *Coordinator) reannounce(ctx context.Context) time.Duration {
	resp, err := c.tracker.AnnounceWithRetry(ctx, c.announceParams(tracker.EventNone))
	if err != nil {
		c.log.Warn("re-announce failed, keeping existing peer set", "err", err)
		return defaultAnnounceInterval
	}

	for _, addr := range resp.Peers {
		c.dialPeer(ctx, addr)
	}

	if resp.Interval <= 0 {
		return defaultAnnounceInterval
	}
	return resp.Interval
}

// --- request scheduler (spec.md §4.5) ---

func (c *Coordinator) runScheduler() {
	if c.pieces.Complete() {
		return
	}
	if !c.anyPeerUnchokingUs() || c.w >= c.cfg.MaxOutstandingRequests {
		return
	}

	for index := 0; index < c.pieces.NumPieces(); index++ {
		if c.pieces.PieceFinished(uint32(index)) {
			continue
		}

		pick1, pick2 := c.pickTwoPeers(uint32(index))
		if pick1 == nil && pick2 == nil {
			continue
		}

		numBlocks := c.pieces.NumBlocks(uint32(index))
		for blockIdx := 0; blockIdx < numBlocks; blockIdx++ {
			if _, at, ok := c.pieces.AssignedSince(uint32(index), blockIdx); ok {
				if time.Since(at) > c.cfg.RequestReassignAfter {
					c.pieces.UnassignBlock(uint32(index), blockIdx)
					c.decrementW(1)
				}
			}

			state, ok := c.pieces.BlockState(uint32(index), blockIdx)
			if !ok || state != piece.BlockWant {
				continue
			}
			if c.w >= c.cfg.MaxOutstandingRequests {
				return
			}

			pick := pick2
			if blockIdx < 25 {
				pick = pick1
			}
			if pick == nil {
				continue
			}

			begin, length, ok := c.pieces.BlockSpec(uint32(index), blockIdx)
			if !ok {
				continue
			}
			if !c.pieces.AssignBlock(uint32(index), blockIdx, piece.PeerKey(pick.Key()), time.Now()) {
				continue
			}

			pick.SendRequest(uint32(index), begin, length)
			c.w++
		}
	}
}

func (c *Coordinator) anyPeerUnchokingUs() bool {
	for _, sess := range c.peers {
		if !sess.PeerChoking() {
			return true
		}
	}
	return false
}

// pickTwoPeers samples, uniformly and with replacement, up to two peers
// from the set whose remote bitfield has index and who are not choking us.
// Either or both picks may be nil if no such peer exists.
func (c *Coordinator) pickTwoPeers(index uint32) (pick1, pick2 *session.Session) {
	var eligible []*session.Session
	for _, sess := range c.peers {
		if sess.PeerChoking() {
			continue
		}
		if sess.RemoteBitfield().Has(int(index)) {
			eligible = append(eligible, sess)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}

	pick1 = eligible[rand.Intn(len(eligible))]
	pick2 = eligible[rand.Intn(len(eligible))]
	return pick1, pick2
}
