// Package server implements the listener: the single well-known
// socket that receives initial RRQ datagrams and dispatches each one
// to a freshly spawned session on its own ephemeral socket. It never
// tracks sessions once spawned; the concurrency runtime reaps them.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quietwire/pxetftpd/internal/eventlog"
	"github.com/quietwire/pxetftpd/internal/fsroot"
	"github.com/quietwire/pxetftpd/internal/tftp"
	"github.com/quietwire/pxetftpd/internal/wire"
)

// maxDatagram is the largest UDP payload a TFTP request or a stray
// packet on the well-known port could plausibly be.
const maxDatagram = 0xffff

// Config is the narrow set of listener-level knobs, distinct from
// per-session negotiation limits which live in tftp.Options.
type Config struct {
	ListenAddress  string
	BlksizeCeiling int
	TimeoutCeiling time.Duration
	RetryBudget    int
	RateLimit      float64
	RateBurst      int
}

// Listener binds one UDP socket and drives the accept loop.
type Listener struct {
	cfg      Config
	resolver *fsroot.Resolver
	log      eventlog.Sink
	clock    tftp.Clock
	limiter  *rate.Limiter

	conn *net.UDPConn
}

// New binds the listening socket. The caller owns the returned
// Listener's lifetime and must call Close when done.
func New(cfg Config, resolver *fsroot.Resolver, log eventlog.Sink, clock tftp.Clock) (*Listener, error) {
	if log == nil {
		log = eventlog.Discard
	}
	if clock == nil {
		clock = tftp.SystemClock
	}

	addr, err := net.ResolveUDPAddr("udp", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("server: resolving %q: %w", cfg.ListenAddress, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("server: binding %q: %w", cfg.ListenAddress, err)
	}

	limit := cfg.RateLimit
	if limit <= 0 {
		limit = 50
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 20
	}

	l := &Listener{
		cfg:      cfg,
		resolver: resolver,
		log:      log,
		clock:    clock,
		limiter:  rate.NewLimiter(rate.Limit(limit), burst),
		conn:     conn,
	}
	l.log.Log(eventlog.Event{Level: eventlog.Normal, From: "server", Message: fmt.Sprintf("bound to %v", conn.LocalAddr())})
	return l, nil
}

// Addr returns the bound local address, useful when the caller asked
// for an ephemeral port (":0") in tests.
func (l *Listener) Addr() net.Addr { return l.conn.LocalAddr() }

// Close releases the listening socket.
func (l *Listener) Close() error { return l.conn.Close() }

// Serve runs the accept loop until ctx is cancelled. A short read
// deadline lets the loop notice cancellation promptly without a
// second goroutine for shutdown.
func (l *Listener) Serve(ctx context.Context) error {
	var sessions sync.WaitGroup
	defer sessions.Wait()

	buf := make([]byte, maxDatagram)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		l.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, peer, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		if !l.limiter.Allow() {
			continue // overload shedding: the client will retry
		}

		datagram := make([]byte, n)
		copy(datagram, buf[:n])

		sessions.Go(func() { l.handle(ctx, peer, datagram) })
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// handle decodes one initial datagram and either rejects it outright
// from the listening socket (non-RRQ) or spawns a session on a fresh
// ephemeral socket dialed to peer.
func (l *Listener) handle(ctx context.Context, peer *net.UDPAddr, datagram []byte) {
	pkt, err := wire.Decode(datagram)
	if err != nil {
		return // decode errors are always silently dropped
	}

	rrq, ok := pkt.(wire.RRQPacket)
	if !ok {
		l.replyIllegalOperation(peer)
		return
	}

	l.log.Log(eventlog.Event{Level: eventlog.Normal, From: peer.String(), Message: fmt.Sprintf("RRQ %s", rrq.Filename)})

	if rrq.Mode == wire.ModeMail {
		l.sendFrom(l.conn, peer, wire.ErrorPacket{Code: wire.ErrIllegalOperation, Message: "mail mode not supported"})
		return
	}

	file, size, rerr := l.resolver.Resolve(rrq.Filename)
	if rerr != nil {
		l.log.Log(eventlog.Event{Level: eventlog.Error, From: peer.String(), Message: rerr.Error()})
		l.sendFrom(l.conn, peer, wire.ErrorPacket{Code: rerr.Code, Message: rerr.Message})
		return
	}

	conn, err := net.DialUDP("udp", nil, peer)
	if err != nil {
		file.Close()
		l.log.Log(eventlog.Event{Level: eventlog.Error, From: peer.String(), Message: fmt.Sprintf("dial failed: %v", err)})
		return
	}

	opts := tftp.Options{
		Mode:           rrq.Mode,
		Requested:      rrq.Options,
		BlksizeCeiling: l.cfg.BlksizeCeiling,
		TimeoutCeiling: l.cfg.TimeoutCeiling,
		RetryBudget:    l.cfg.RetryBudget,
	}
	sess := tftp.New(conn, peer, file, size, opts, l.clock)

	err = sess.Serve(ctx)
	conn.Close()
	if err != nil {
		l.log.Log(eventlog.Event{Level: eventlog.Error, From: peer.String(), Message: fmt.Sprintf("%s: %v", rrq.Filename, err)})
		return
	}
	l.log.Log(eventlog.Event{Level: eventlog.Normal, From: peer.String(), Message: fmt.Sprintf("completed %s", rrq.Filename)})
}

func (l *Listener) replyIllegalOperation(peer *net.UDPAddr) {
	l.sendFrom(l.conn, peer, wire.ErrorPacket{Code: wire.ErrIllegalOperation, Message: "Illegal TFTP operation"})
}

func (l *Listener) sendFrom(conn *net.UDPConn, peer *net.UDPAddr, pkt wire.Packet) {
	buf, err := wire.Encode(pkt)
	if err != nil {
		return
	}
	_, _ = conn.WriteToUDP(buf, peer)
}
