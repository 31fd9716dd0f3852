// Package channel implements the single-flight call channel over one driver connection.
//
// The wire protocol carries no request id: a reply belongs to whichever call is
// outstanding. Every call therefore owns the connection from write until its reply
// completes, and callers are served strictly in arrival order.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/danmuck/botwire/internal/observability"
	"github.com/danmuck/botwire/internal/protocol"
	"github.com/danmuck/botwire/internal/protocol/frame"
	"github.com/danmuck/botwire/internal/protocol/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrCallAbandoned    = errors.New("channel: call abandoned after write")
	ErrClosedByOwner    = errors.New("channel: closed by owner")
	ErrUnsolicitedReply = fmt.Errorf("%w: reply bytes with no pending call", protocol.ErrFraming)

	errAborted = errors.New("channel: aborted while queued")
)

type result struct {
	payload []byte
	err     error
}

type pendingCall struct {
	op   string
	done chan result
}

type Option func(*Channel)

// WithKind labels logs and metrics with the agent kind.
func WithKind(kind string) Option {
	return func(c *Channel) { c.kind = kind }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Channel) { c.logger = logger }
}

// Channel owns one driver connection.
type Channel struct {
	conn   net.Conn
	cfg    session.Config
	kind   string
	logger zerolog.Logger

	turn turnLock

	mu      sync.Mutex
	pending *pendingCall
	reply   *frame.ReplyBuffer
	err     error

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps conn and starts its reader.
func New(conn net.Conn, cfg session.Config, opts ...Option) *Channel {
	cfg = cfg.WithDefaults()
	c := &Channel{
		conn:   conn,
		cfg:    cfg,
		kind:   "unknown",
		logger: log.Logger,
		reply:  frame.NewReplyBuffer(cfg.Limits),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("kind", c.kind).Str("remote", c.RemoteAddr()).Logger()
	go c.readLoop()
	return c
}

// Call sends one frame built from args and returns the raw reply payload.
func (c *Channel) Call(ctx context.Context, args ...any) ([]byte, error) {
	op := ""
	if len(args) > 0 {
		op = string(frame.FormatArg(args[0]))
	}
	return c.do(ctx, op, frame.Encode(args...))
}

// CallFile sends the binary upload frame (function, remote path, raw payload).
func (c *Channel) CallFile(ctx context.Context, function, path string, payload []byte) ([]byte, error) {
	return c.do(ctx, function, frame.EncodeFile(function, path, payload))
}

// SendAndClose writes one frame that the driver never answers, then closes the
// channel. It waits its turn behind any queued calls.
func (c *Channel) SendAndClose(ctx context.Context, args ...any) error {
	if err := c.turn.Lock(ctx, c.done); err != nil {
		if errors.Is(err, errAborted) {
			return c.Err()
		}
		return err
	}
	defer c.turn.Unlock()
	if err := c.Err(); err != nil {
		return err
	}
	err := c.write(frame.Encode(args...))
	c.fail(ErrClosedByOwner)
	return err
}

// Done closes once the channel has failed or been closed.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the terminal error, or nil while the channel is usable.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Channel) RemoteAddr() string {
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (c *Channel) Kind() string {
	return c.kind
}

// Close fails any pending call and closes the connection.
func (c *Channel) Close() error {
	c.fail(ErrClosedByOwner)
	return nil
}

func (c *Channel) do(ctx context.Context, op string, wire []byte) ([]byte, error) {
	if c.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	if err := c.turn.Lock(ctx, c.done); err != nil {
		if errors.Is(err, errAborted) {
			return nil, c.Err()
		}
		return nil, err
	}
	defer c.turn.Unlock()

	if err := c.Err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := &pendingCall{op: op, done: make(chan result, 1)}
	c.mu.Lock()
	c.pending = p
	c.reply.Reset()
	c.mu.Unlock()

	start := time.Now()
	if err := c.write(wire); err != nil {
		c.fail(fmt.Errorf("write %s: %w", op, err))
		c.record(op, "transport", start)
		return nil, c.Err()
	}

	select {
	case res := <-p.done:
		c.record(op, outcome(res.err), start)
		return res.payload, res.err
	case <-c.done:
		select {
		case res := <-p.done:
			c.record(op, outcome(res.err), start)
			return res.payload, res.err
		default:
		}
		c.record(op, "transport", start)
		return nil, c.Err()
	case <-ctx.Done():
		// A late reply would be paired with the next caller; the channel cannot recover.
		err := fmt.Errorf("%w: %s: %w", ErrCallAbandoned, op, ctx.Err())
		c.fail(err)
		c.record(op, "abandoned", start)
		return nil, err
	}
}

func (c *Channel) write(wire []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	if _, err := c.conn.Write(wire); err != nil {
		return err
	}
	return c.conn.SetWriteDeadline(time.Time{})
}

func (c *Channel) readLoop() {
	buf := make([]byte, c.cfg.ReadBufferBytes)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if ferr := c.feed(buf[:n]); ferr != nil {
				c.fail(ferr)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			c.fail(fmt.Errorf("read: %w", err))
			return
		}
	}
}

func (c *Channel) feed(chunk []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pending
	if p == nil {
		return fmt.Errorf("%w: %d bytes", ErrUnsolicitedReply, len(chunk))
	}
	done, err := c.reply.Feed(chunk)
	if err != nil {
		return fmt.Errorf("reply to %s: %w", p.op, err)
	}
	if !done {
		return nil
	}
	payload := c.reply.Bytes()
	c.reply.Reset()
	c.pending = nil
	p.done <- result{payload: payload}
	return nil
}

func (c *Channel) fail(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = fmt.Errorf("%w: %w", protocol.ErrChannelClosed, cause)
		p := c.pending
		c.pending = nil
		err := c.err
		c.mu.Unlock()

		close(c.done)
		_ = c.conn.Close()
		if p != nil {
			p.done <- result{err: err}
		}

		if errors.Is(cause, ErrClosedByOwner) {
			c.logger.Debug().Msg("channel closed")
		} else {
			c.logger.Warn().Err(cause).Msg("channel failed")
		}
	})
}

func (c *Channel) record(op, res string, start time.Time) {
	elapsed := time.Since(start)
	observability.RecordCall(c.kind, res, elapsed)
	c.logger.Debug().Str("op", op).Str("result", res).Dur("elapsed", elapsed).Msg("call")
}

func outcome(err error) string {
	if err != nil {
		return "transport"
	}
	return "ok"
}
