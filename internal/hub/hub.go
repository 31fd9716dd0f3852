// Package hub is the process-wide context behind the register entrypoints: it owns
// the listener registry, the driver launcher and the single HID activator shared by
// every phone session.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/botwire/internal/agent"
	"github.com/danmuck/botwire/internal/config"
	"github.com/danmuck/botwire/internal/driver"
	"github.com/danmuck/botwire/internal/hid"
	"github.com/danmuck/botwire/internal/protocol"
	"github.com/danmuck/botwire/internal/registry"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("hub: closed")

type Option func(*Hub)

// WithLauncher replaces the os/exec launcher.
func WithLauncher(l driver.Launcher) Option {
	return func(h *Hub) { h.launcher = l }
}

type Hub struct {
	cfg      config.Config
	reg      *registry.Registry
	launcher driver.Launcher
	hid      *hid.Activator[*agent.Windows]

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	procs  []*driver.Process
	hidLn  *registry.Listener
	closed bool
}

func New(cfg config.Config, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:      cfg,
		reg:      registry.NewRegistry(cfg.Session()),
		launcher: driver.ExecLauncher{},
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.hid = hid.New[*agent.Windows](cfg.HID(), h.startHIDDriver, h.awaitHIDDriver)
	return h
}

func (h *Hub) Registry() *registry.Registry {
	return h.reg
}

func (h *Hub) HID() *hid.Activator[*agent.Windows] {
	return h.hid
}

// RegisterAndroid accepts phones on the configured android port and runs main once
// per connected phone. Phones start their own agent, so nothing is spawned.
func (h *Hub) RegisterAndroid(ctx context.Context, main func(context.Context, *agent.Android)) (*registry.Listener, error) {
	return h.listen(ctx, registry.KindAndroid, h.cfg.AndroidPort, func(ctx context.Context, s *registry.Session) {
		a := agent.NewAndroid(s, h.hid)
		h.applyPolicy(a.SetImplicitTimeout)
		main(ctx, a)
	})
}

// RegisterWindows accepts desktop drivers on port. For a loopback ip the driver is
// launched locally and told to dial back to ip:port.
func (h *Hub) RegisterWindows(ctx context.Context, ip string, port int, main func(context.Context, *agent.Windows)) (*registry.Listener, error) {
	ln, err := h.listen(ctx, registry.KindWindows, port, func(ctx context.Context, s *registry.Session) {
		w := agent.NewWindows(s)
		h.applyPolicy(w.SetImplicitTimeout)
		main(ctx, w)
	})
	if err != nil {
		return nil, err
	}
	if config.SpawnsDrivers(ip) {
		spec := driver.WindowsSpec(h.cfg.DriverFolder, h.cfg.WindowsDriver, ip, ln.Port())
		if err := h.launch(ctx, spec); err != nil {
			_ = ln.Close()
			return nil, err
		}
	}
	return ln, nil
}

// RegisterWeb accepts browser drivers on port. For a loopback ip the driver is
// launched locally with opts.
func (h *Hub) RegisterWeb(ctx context.Context, ip string, port int, opts driver.BrowserOptions, main func(context.Context, *agent.Web)) (*registry.Listener, error) {
	ln, err := h.listen(ctx, registry.KindWeb, port, func(ctx context.Context, s *registry.Session) {
		b := agent.NewWeb(s)
		h.applyPolicy(b.SetImplicitTimeout)
		main(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	if config.SpawnsDrivers(ip) {
		spec, err := driver.WebSpec(h.cfg.DriverFolder, h.cfg.WebDriver, ip, ln.Port(), opts)
		if err == nil {
			err = h.launch(ctx, spec)
		}
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
	}
	return ln, nil
}

// Close stops every listener, session and launched driver.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	procs := h.procs
	h.procs = nil
	h.mu.Unlock()

	h.cancel()
	errs := []error{h.reg.Close(), h.hid.Close()}
	for _, p := range procs {
		errs = append(errs, p.Stop())
	}
	return errors.Join(errs...)
}

func (h *Hub) listen(ctx context.Context, kind registry.Kind, port int, handler registry.Handler) (*registry.Listener, error) {
	if h.isClosed() {
		return nil, ErrClosed
	}
	addr := net.JoinHostPort("", strconv.Itoa(port))
	return h.reg.Listen(ctx, kind, addr, handler)
}

func (h *Hub) launch(ctx context.Context, spec driver.Spec) error {
	p, err := h.launcher.Launch(ctx, spec)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.procs = append(h.procs, p)
	h.mu.Unlock()
	return nil
}

func (h *Hub) applyPolicy(set func(wait, interval time.Duration)) {
	p := h.cfg.Policy()
	if p.WaitTimeout > 0 || p.Interval > 0 {
		set(p.WaitTimeout, p.Interval)
	}
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// startHIDDriver binds the HID rendezvous port and launches the desktop driver that
// phones inject input through.
func (h *Hub) startHIDDriver(ctx context.Context) (func() error, error) {
	ln, err := h.listen(h.ctx, registry.KindWindows, h.cfg.HIDPort, nil)
	if err != nil {
		return nil, err
	}
	spec := driver.WindowsSpec(h.cfg.DriverFolder, h.cfg.WindowsDriver, protocol.LoopbackIP, ln.Port())
	proc, err := h.launcher.Launch(ctx, spec)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("launch hid driver: %w", err)
	}
	h.mu.Lock()
	h.hidLn = ln
	h.mu.Unlock()
	log.Info().Int("port", ln.Port()).Msg("hid driver launched; waiting for it to connect")

	return func() error {
		h.mu.Lock()
		if h.hidLn == ln {
			h.hidLn = nil
		}
		h.mu.Unlock()
		return errors.Join(proc.Stop(), ln.Close())
	}, nil
}

func (h *Hub) awaitHIDDriver(context.Context) (*agent.Windows, bool) {
	h.mu.Lock()
	ln := h.hidLn
	h.mu.Unlock()
	if ln == nil {
		return nil, false
	}
	s, ok := ln.First()
	if !ok {
		return nil, false
	}
	return agent.NewWindows(s), true
}
