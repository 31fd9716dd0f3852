// Package fakedriver plays the external driver side of the wire protocol in tests.
package fakedriver

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"sync"
	"time"

	"github.com/danmuck/botwire/internal/protocol/frame"
)

// Call is one decoded frame as the driver saw it.
type Call struct {
	Name string
	Args []string
	Raw  [][]byte
}

// Handler produces the reply payload for a call. ok=false sends nothing, which
// leaves the caller waiting.
type Handler func(Call) (reply []byte, ok bool)

// Replies answers by function name; unknown functions get "false".
func Replies(m map[string]string) Handler {
	return func(c Call) ([]byte, bool) {
		if v, ok := m[c.Name]; ok {
			return []byte(v), true
		}
		return []byte("false"), true
	}
}

type Option func(*Driver)

// WithChunkSize splits every reply into writes of at most n bytes.
func WithChunkSize(n int) Option {
	return func(d *Driver) { d.chunk = n }
}

// Driver serves one connection.
type Driver struct {
	conn    net.Conn
	handler Handler
	chunk   int

	mu    sync.Mutex
	calls []Call

	done chan struct{}
}

// Serve answers frames on conn until it closes.
func Serve(conn net.Conn, h Handler, opts ...Option) *Driver {
	d := &Driver{conn: conn, handler: h, done: make(chan struct{})}
	for _, opt := range opts {
		opt(d)
	}
	go d.loop()
	return d
}

// Pipe returns the client end of an in-memory connection served by a Driver.
func Pipe(h Handler, opts ...Option) (net.Conn, *Driver) {
	client, server := net.Pipe()
	return client, Serve(server, h, opts...)
}

// Dial connects to a listener the way a real driver dials back.
func Dial(ctx context.Context, addr string, h Handler, opts ...Option) (*Driver, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return Serve(conn, h, opts...), nil
}

func (d *Driver) Calls() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Call, len(d.calls))
	copy(out, d.calls)
	return out
}

// Count returns how many calls named fn were received.
func (d *Driver) Count(fn string) int {
	n := 0
	for _, c := range d.Calls() {
		if c.Name == fn {
			n++
		}
	}
	return n
}

// Send writes raw bytes to the client outside the request/reply cycle.
func (d *Driver) Send(b []byte) error {
	_, err := d.conn.Write(b)
	return err
}

func (d *Driver) Close() error {
	return d.conn.Close()
}

func (d *Driver) Done() <-chan struct{} {
	return d.done
}

func (d *Driver) loop() {
	defer close(d.done)
	defer d.conn.Close()
	r := bufio.NewReader(d.conn)
	for {
		fields, err := frame.ReadFrame(r, frame.DefaultLimits())
		if err != nil {
			return
		}
		call := Call{Raw: fields}
		for i, f := range fields {
			if i == 0 {
				call.Name = string(f)
				continue
			}
			call.Args = append(call.Args, string(f))
		}
		d.mu.Lock()
		d.calls = append(d.calls, call)
		d.mu.Unlock()

		reply, ok := d.handler(call)
		if !ok {
			continue
		}
		if err := d.reply(reply); err != nil {
			return
		}
	}
}

func (d *Driver) reply(payload []byte) error {
	if d.chunk <= 0 {
		return frame.WriteReply(d.conn, payload)
	}
	var wire bytes.Buffer
	if err := frame.WriteReply(&wire, payload); err != nil {
		return err
	}
	for b := wire.Bytes(); len(b) > 0; {
		n := min(d.chunk, len(b))
		if _, err := d.conn.Write(b[:n]); err != nil {
			return err
		}
		b = b[n:]
		time.Sleep(time.Millisecond)
	}
	return nil
}
