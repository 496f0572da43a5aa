// Package tftp implements the per-client TFTP connection engine: the
// state machine that drives one file transfer to completion over an
// already-dialed datagram socket. It knows RFC 1350 plus the RFC
// 2347/2348/2349 option extensions. It never touches the well-known
// listening socket and never opens a second file; both are handed to
// it fully formed by the caller.
package tftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quietwire/pxetftpd/internal/wire"
)

// Default and limit values for option negotiation.
const (
	DefaultBlksize  = 512
	MinBlksize      = 8
	MaxBlksize      = 65464
	DefaultTimeout  = 3 * time.Second
	MinTimeoutSecs  = 1
	MaxTimeoutSecs  = 255
	DefaultRetryMax = 5
)

// Clock is the only source of time a Session consults. Production
// wiring uses systemClock{}; tests inject a fake so retry/timeout
// behaviour is exercised without sleeping.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the production Clock backed by the real wall clock.
var SystemClock Clock = systemClock{}

// File is the read surface a Session needs from an already-opened
// file. *os.File satisfies it; tests use an in-memory stand-in.
type File interface {
	io.Reader
	io.Closer
}

// Conn is the per-session transport: a socket already dialed to the
// client's address (net.DialUDP), so Write always goes to that one
// peer and the kernel itself refuses datagrams from anyone else.
// ReadFrom still reports the sender's address so the session can
// double-check it as belt and braces. A connected *net.UDPConn
// rejects WriteTo outright (net.ErrWriteToConnected), which is why
// this is Write, not WriteTo.
type Conn interface {
	SetReadDeadline(time.Time) error
	ReadFrom(p []byte) (n int, addr net.Addr, err error)
	Write(p []byte) (int, error)
}

// Options are the request-time inputs a Session negotiates against.
type Options struct {
	Mode           wire.Mode
	Requested      []wire.Option
	BlksizeCeiling int           // 0 means MaxBlksize
	TimeoutCeiling time.Duration // 0 means MaxTimeoutSecs seconds
	RetryBudget    int           // 0 means DefaultRetryMax
}

// Session drives a single RRQ to completion, error, or timeout
// exhaustion. It is used once and discarded.
type Session struct {
	conn     Conn
	peer     net.Addr
	file     File
	fileSize int64
	mode     wire.Mode
	clock    Clock

	blksize     int
	timeout     time.Duration
	retryBudget int

	negotiated bool
	options    []wire.Option

	recvBuf []byte

	lastSent wire.Packet
}

// New constructs a Session bound to conn/peer/file, applying the
// option negotiation rules against opts and fileSize.
func New(conn Conn, peer net.Addr, file File, fileSize int64, opts Options, clock Clock) *Session {
	if clock == nil {
		clock = SystemClock
	}

	blksizeCeiling := opts.BlksizeCeiling
	if blksizeCeiling <= 0 {
		blksizeCeiling = MaxBlksize
	}
	timeoutCeiling := opts.TimeoutCeiling
	if timeoutCeiling <= 0 {
		timeoutCeiling = MaxTimeoutSecs * time.Second
	}
	retryBudget := opts.RetryBudget
	if retryBudget <= 0 {
		retryBudget = DefaultRetryMax
	}

	s := &Session{
		conn:        conn,
		peer:        peer,
		file:        file,
		fileSize:    fileSize,
		mode:        opts.Mode,
		clock:       clock,
		blksize:     DefaultBlksize,
		timeout:     DefaultTimeout,
		retryBudget: retryBudget,
	}

	s.negotiate(opts.Requested, blksizeCeiling, timeoutCeiling)

	s.recvBuf = make([]byte, wire.DataHeaderLen+s.blksize)

	return s
}

// negotiate soft-clamps blksize and timeout into range and echoes
// them in the OACK; tsize triggers echoing the real file size only
// when the client sent 0; unrecognised option names are dropped.
func (s *Session) negotiate(requested []wire.Option, blksizeCeiling int, timeoutCeiling time.Duration) {
	var accepted []wire.Option

	for _, opt := range requested {
		switch loweredName(opt.Name) {
		case "blksize":
			n, err := parsePositiveInt(opt.Value)
			if err != nil {
				continue
			}
			clamped := clampInt(n, MinBlksize, min(blksizeCeiling, MaxBlksize))
			s.blksize = clamped
			accepted = append(accepted, wire.Option{Name: opt.Name, Value: fmt.Sprintf("%d", clamped)})

		case "timeout":
			n, err := parsePositiveInt(opt.Value)
			if err != nil {
				continue
			}
			ceilingSecs := int(timeoutCeiling / time.Second)
			clamped := clampInt(n, MinTimeoutSecs, min(ceilingSecs, MaxTimeoutSecs))
			s.timeout = time.Duration(clamped) * time.Second
			accepted = append(accepted, wire.Option{Name: opt.Name, Value: fmt.Sprintf("%d", clamped)})

		case "tsize":
			n, err := parsePositiveInt(opt.Value)
			if err != nil {
				continue
			}
			if n == 0 {
				accepted = append(accepted, wire.Option{Name: opt.Name, Value: fmt.Sprintf("%d", s.fileSize)})
			}
			// Nonzero client tsize is a write-side hint; ignored on read.
		}
	}

	if len(accepted) > 0 {
		s.negotiated = true
		s.options = accepted
	}
}

func loweredName(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func parsePositiveInt(s string) (int, error) {
	if s == "" {
		return 0, errors.New("tftp: empty option value")
	}
	n := 0
	for _, c := range []byte(s) {
		if c < '0' || c > '9' {
			return 0, errors.New("tftp: non-numeric option value")
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Serve drives the session to completion. It returns nil on a
// successful transfer and a non-nil error otherwise (peer error,
// retry exhaustion, or ctx cancellation); callers only need the error
// for logging, since every terminal state has already produced
// whatever outbound packet the protocol calls for.
func (s *Session) Serve(ctx context.Context) error {
	defer s.file.Close()

	expected := uint16(0)
	if s.negotiated {
		if err := s.sendOack(); err != nil {
			return err
		}
		if err := s.awaitAck(ctx, expected); err != nil {
			return err
		}
	}

	block := uint16(1)
	for {
		data, final, err := s.readBlock()
		if err != nil {
			s.sendError(wire.ErrUndefined, "read failed")
			return err
		}

		if err := s.sendData(block, data); err != nil {
			return err
		}
		if err := s.awaitAck(ctx, block); err != nil {
			return err
		}
		if final {
			return nil
		}
		block++
	}
}

// readBlock reads exactly one blksize-sized chunk. The last block is
// the one whose read returned fewer than blksize bytes, including
// exactly zero — io.ReadFull distinguishes these cases precisely.
func (s *Session) readBlock() (data []byte, final bool, err error) {
	buf := make([]byte, s.blksize)
	n, err := io.ReadFull(s.file, buf)
	switch {
	case err == nil:
		return buf, false, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return buf[:n], true, nil
	case errors.Is(err, io.EOF):
		return buf[:0], true, nil
	default:
		return nil, false, err
	}
}

func (s *Session) sendOack() error {
	pkt := wire.OackPacket{Options: s.options}
	return s.send(pkt)
}

func (s *Session) sendData(block uint16, data []byte) error {
	pkt := wire.DataPacket{Block: block, Data: data}
	return s.send(pkt)
}

func (s *Session) sendError(code uint16, message string) {
	// Best effort: an ERROR is the last thing a session ever sends, so
	// a failure to write it is not itself actionable.
	_ = s.send(wire.ErrorPacket{Code: code, Message: message})
}

func (s *Session) send(pkt wire.Packet) error {
	buf, err := wire.Encode(pkt)
	if err != nil {
		return err
	}
	s.lastSent = pkt
	_, err = s.conn.Write(buf)
	return err
}

// awaitAck waits for ACK(expected) from s.peer, retransmitting the
// last outbound packet on each timeout, up to the retry budget.
// Duplicate ACKs (the previous block number) and stray peers are
// ignored without resetting the deadline or retransmitting — only a
// timeout ever triggers a resend, per the Sorcerer's-Apprentice-bug
// avoidance rule.
func (s *Session) awaitAck(ctx context.Context, expected uint16) error {
	prev := expected - 1
	deadline := s.clock.Now().Add(s.timeout)

	for attempt := 0; ; {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return err
		}

		n, addr, err := s.conn.ReadFrom(s.recvBuf)
		if err != nil {
			if !isTimeout(err) {
				return err
			}
			attempt++
			if attempt > s.retryBudget {
				return errRetryExhausted
			}
			if err := s.resend(); err != nil {
				return err
			}
			deadline = s.clock.Now().Add(s.timeout)
			continue
		}

		if !addrEqual(addr, s.peer) {
			continue
		}

		pkt, err := wire.Decode(s.recvBuf[:n])
		if err != nil {
			continue
		}

		switch p := pkt.(type) {
		case wire.AckPacket:
			switch p.Block {
			case expected:
				return nil
			case prev:
				continue // duplicate ACK: never retransmit
			default:
				continue // stale or premature ACK
			}
		case wire.ErrorPacket:
			return fmt.Errorf("tftp: peer sent error %d: %s", p.Code, p.Message)
		default:
			s.sendError(wire.ErrIllegalOperation, "unexpected packet")
			return errUnexpectedPacket
		}
	}
}

// resend retransmits the exact packet last handed to send(), whether
// that was the OACK or a DATA block.
func (s *Session) resend() error {
	if s.lastSent == nil {
		return nil
	}
	buf, err := wire.Encode(s.lastSent)
	if err != nil {
		return err
	}
	_, err = s.conn.Write(buf)
	return err
}

var (
	errRetryExhausted   = errors.New("tftp: retry budget exhausted")
	errUnexpectedPacket = errors.New("tftp: unexpected packet from peer")
)

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func addrEqual(a, b net.Addr) bool {
	return a != nil && b != nil && a.String() == b.String()
}
