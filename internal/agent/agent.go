// Package agent is the thin command catalog for the phone, desktop and browser
// drivers. Each agent wraps one registry session and maps typed Go calls onto
// wire frames, applying the session's implicit wait to query-style calls.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/botwire/internal/poll"
	"github.com/danmuck/botwire/internal/registry"
)

var (
	ErrMalformedReply  = errors.New("agent: malformed reply")
	ErrNoHID           = errors.New("agent: hid activation not configured")
	ErrHIDNotActivated = errors.New("agent: hid not activated for this device")
)

// Point is a screen coordinate.
type Point struct {
	X int
	Y int
}

// Rect is an element rectangle or a search region. A zero search region means the
// full screen.
type Rect struct {
	Left   int
	Top    int
	Right  int
	Bottom int
}

// Threshold binarises the image before matching. Types 5 and 6 are adaptive and
// ignore Thresh and MaxVal.
type Threshold struct {
	Type   int
	Thresh int
	MaxVal int
}

func (t Threshold) values() (int, int, int) {
	if t.Type == 5 || t.Type == 6 {
		return t.Type, 127, 255
	}
	return t.Type, t.Thresh, t.MaxVal
}

// conn is shared by every agent kind.
type conn struct {
	*registry.Session

	defaultInterval time.Duration

	mu     sync.RWMutex
	policy poll.Policy
}

func newConn(s *registry.Session, interval time.Duration) *conn {
	return &conn{
		Session:         s,
		defaultInterval: interval,
		policy:          poll.Policy{Interval: interval},
	}
}

// SetImplicitTimeout sets how long query calls keep retrying a miss. A zero
// interval keeps the agent's default retry interval.
func (c *conn) SetImplicitTimeout(wait, interval time.Duration) {
	if interval <= 0 {
		interval = c.defaultInterval
	}
	c.mu.Lock()
	c.policy = poll.Policy{WaitTimeout: wait, Interval: interval}
	c.mu.Unlock()
}

func (c *conn) Policy() poll.Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policy
}

func (c *conn) text(ctx context.Context, args ...any) (string, error) {
	reply, err := c.Call(ctx, args...)
	if err != nil {
		return "", err
	}
	return string(reply), nil
}

// ok treats every reply other than "false" as success.
func (c *conn) ok(ctx context.Context, args ...any) (bool, error) {
	reply, err := c.text(ctx, args...)
	if err != nil {
		return false, err
	}
	return reply != poll.False, nil
}

// query runs one call under the implicit wait and reports whether it hit.
func (c *conn) query(ctx context.Context, sentinel string, args ...any) (string, bool, error) {
	op := ""
	if len(args) > 0 {
		op = fmt.Sprint(args[0])
	}
	res, err := poll.Until(ctx, op, c.Policy(), sentinel, func(ctx context.Context) ([]byte, error) {
		return c.Call(ctx, args...)
	})
	if err != nil {
		return "", false, err
	}
	return string(res.Reply), res.Found, nil
}

func millis(d time.Duration) int64 {
	return d.Milliseconds()
}

// number parses driver numbers, which may carry a fractional part.
func number(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: number %q", ErrMalformedReply, raw)
	}
	return int(f), nil
}

func parsePoint(raw string) (Point, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 2 {
		return Point{}, fmt.Errorf("%w: point %q", ErrMalformedReply, raw)
	}
	x, err := number(parts[0])
	if err != nil {
		return Point{}, err
	}
	y, err := number(parts[1])
	if err != nil {
		return Point{}, err
	}
	return Point{X: x, Y: y}, nil
}

// parsePoints reads "x|y/x|y/..." as returned by multi-match image searches.
func parsePoints(raw string) ([]Point, error) {
	var out []Point
	for _, part := range strings.Split(raw, "/") {
		if part == "" {
			continue
		}
		p, err := parsePoint(part)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func parseRect(raw string) (Rect, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 4 {
		return Rect{}, fmt.Errorf("%w: rect %q", ErrMalformedReply, raw)
	}
	var vals [4]int
	for i, part := range parts {
		n, err := number(part)
		if err != nil {
			return Rect{}, err
		}
		vals[i] = n
	}
	return Rect{Left: vals[0], Top: vals[1], Right: vals[2], Bottom: vals[3]}, nil
}
