// Package hid runs the one-time activation handshake that lets a desktop driver inject
// input into attached phones.
//
// One Activator exists per process. The first phone session to activate starts the
// desktop driver, waits for it to dial back, and asks it to prepare HID. Every phone
// then initialises its accessory side, and the identity set (device ids the desktop
// driver can reach) is fetched once and shared by all sessions.
package hid

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/botwire/internal/observability"
	"github.com/danmuck/botwire/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

var (
	ErrStateOrder        = errors.New("hid: invalid state transition")
	ErrSecondaryTimeout  = errors.New("hid: secondary driver never connected")
	ErrSecondaryRejected = errors.New("hid: secondary initHid failed")
	ErrAccessoryRejected = errors.New("hid: initAccessory failed")
	ErrNoIdentities      = errors.New("hid: secondary reported no device identities")
	ErrNotListed         = errors.New("hid: device not in identity set")
	ErrSecondaryLost     = errors.New("hid: secondary driver disconnected")
)

// State is the handshake position shared by every phone session.
type State string

const (
	StateUninitialized        State = "UNINITIALIZED"
	StateStartingSecondary    State = "STARTING_SECONDARY"
	StateWaitingForSecondary  State = "WAITING_FOR_SECONDARY"
	StateSecondaryReady       State = "SECONDARY_READY"
	StateExchangingIdentities State = "EXCHANGING_IDENTITIES"
	StateIdentitiesReady      State = "IDENTITIES_READY"
)

// Secondary is the desktop driver session that performs input injection.
type Secondary interface {
	InitHid(ctx context.Context) (bool, error)
	HidData(ctx context.Context) ([]string, error)
	Done() <-chan struct{}
}

// Primary is one phone session taking part in activation.
type Primary interface {
	InitAccessory(ctx context.Context) (bool, error)
	DeviceID(ctx context.Context) (string, error)
}

// Starter binds the rendezvous point and spawns the secondary driver. The returned
// stop func tears both down again.
type Starter func(ctx context.Context) (stop func() error, err error)

// Awaiter reports the secondary session once it has connected.
type Awaiter[S Secondary] func(ctx context.Context) (S, bool)

// Config bounds how long activation waits for the secondary driver.
type Config struct {
	Attempts int
	Backoff  session.BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Attempts: 5,
		Backoff:  session.FixedBackoff(time.Second),
	}
}

func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.Attempts <= 0 {
		c.Attempts = def.Attempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	return c
}

// Activator owns the handshake state machine and the shared identity set.
type Activator[S Secondary] struct {
	cfg   Config
	start Starter
	await Awaiter[S]

	// lock serialises handshake steps and is held across driver I/O.
	lock chan struct{}

	mu           sync.RWMutex
	state        State
	secondary    S
	hasSecondary bool
	stop         func() error
	identities   []string
}

func New[S Secondary](cfg Config, start Starter, await Awaiter[S]) *Activator[S] {
	return &Activator[S]{
		cfg:   cfg.WithDefaults(),
		start: start,
		await: await,
		lock:  make(chan struct{}, 1),
		state: StateUninitialized,
	}
}

func (a *Activator[S]) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Identities returns a copy of the shared identity set.
func (a *Activator[S]) Identities() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.identities)
}

// Secondary returns the connected desktop driver session.
func (a *Activator[S]) Secondary() (S, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.secondary, a.hasSecondary
}

// Activate runs the handshake for one phone session and reports whether the phone is
// reachable through the secondary driver. Failures leave the machine retryable.
func (a *Activator[S]) Activate(ctx context.Context, p Primary) (bool, error) {
	ok, err := a.activate(ctx, p)
	switch {
	case ok:
		observability.RecordHIDActivation("activated")
	case errors.Is(err, ErrNotListed):
		observability.RecordHIDActivation("not_listed")
	default:
		observability.RecordHIDActivation("failed")
	}
	if err != nil {
		log.Warn().Err(err).Str("state", string(a.State())).Msg("hid activation failed")
	}
	return ok, err
}

func (a *Activator[S]) activate(ctx context.Context, p Primary) (bool, error) {
	if err := a.acquire(ctx); err != nil {
		return false, err
	}
	err := a.ensureSecondary(ctx)
	a.release()
	if err != nil {
		return false, err
	}

	ok, err := p.InitAccessory(ctx)
	if err != nil {
		return false, fmt.Errorf("hid: initAccessory: %w", err)
	}
	if !ok {
		return false, ErrAccessoryRejected
	}

	if err := a.acquire(ctx); err != nil {
		return false, err
	}
	ids, err := a.ensureIdentities(ctx)
	a.release()
	if err != nil {
		return false, err
	}

	id, err := p.DeviceID(ctx)
	if err != nil {
		return false, fmt.Errorf("hid: device id: %w", err)
	}
	id = strings.TrimSpace(id)
	if !slices.Contains(ids, id) {
		return false, fmt.Errorf("%w: %q", ErrNotListed, id)
	}
	return true, nil
}

// Close stops the secondary driver and resets the machine.
func (a *Activator[S]) Close() error {
	a.lock <- struct{}{}
	defer a.release()
	return a.reset()
}

func (a *Activator[S]) acquire(ctx context.Context) error {
	select {
	case a.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Activator[S]) release() {
	<-a.lock
}

// ensureSecondary must be called with the handshake lock held.
func (a *Activator[S]) ensureSecondary(ctx context.Context) error {
	if a.secondaryLost() {
		log.Warn().Str("state", string(a.State())).Msg("secondary driver lost; restarting hid handshake")
		_ = a.reset()
	}
	if a.State() != StateUninitialized {
		return nil
	}

	if err := a.transition(StateUninitialized, StateStartingSecondary); err != nil {
		return err
	}
	stop, err := a.start(ctx)
	if err != nil {
		_ = a.reset()
		return fmt.Errorf("hid: start secondary: %w", err)
	}
	a.mu.Lock()
	a.stop = stop
	a.mu.Unlock()

	if err := a.transition(StateStartingSecondary, StateWaitingForSecondary); err != nil {
		return err
	}
	sec, err := a.waitSecondary(ctx)
	if err != nil {
		_ = a.reset()
		return err
	}
	a.mu.Lock()
	a.secondary = sec
	a.hasSecondary = true
	a.mu.Unlock()
	if err := a.transition(StateWaitingForSecondary, StateSecondaryReady); err != nil {
		return err
	}

	ok, err := sec.InitHid(ctx)
	if err != nil || !ok {
		_ = a.reset()
		if err == nil {
			err = ErrSecondaryRejected
		}
		return fmt.Errorf("hid: initHid: %w", err)
	}
	return a.transition(StateSecondaryReady, StateExchangingIdentities)
}

func (a *Activator[S]) waitSecondary(ctx context.Context) (S, error) {
	var zero S
	for attempt := 0; ; attempt++ {
		if sec, ok := a.await(ctx); ok {
			return sec, nil
		}
		if attempt >= a.cfg.Attempts {
			return zero, fmt.Errorf("%w after %d attempts", ErrSecondaryTimeout, attempt)
		}
		if err := session.Sleep(ctx, a.cfg.Backoff.Delay(attempt+1, nil)); err != nil {
			return zero, err
		}
	}
}

// ensureIdentities must be called with the handshake lock held.
func (a *Activator[S]) ensureIdentities(ctx context.Context) ([]string, error) {
	if a.secondaryLost() {
		_ = a.reset()
		return nil, ErrSecondaryLost
	}
	switch a.State() {
	case StateIdentitiesReady:
		return a.Identities(), nil
	case StateExchangingIdentities:
	default:
		return nil, fmt.Errorf("%w: identities requested in %s", ErrStateOrder, a.State())
	}

	sec, _ := a.Secondary()
	ids, err := sec.HidData(ctx)
	if err != nil {
		return nil, fmt.Errorf("hid: getHidData: %w", err)
	}
	if len(ids) == 0 {
		return nil, ErrNoIdentities
	}
	a.mu.Lock()
	a.identities = slices.Clone(ids)
	a.mu.Unlock()
	if err := a.transition(StateExchangingIdentities, StateIdentitiesReady); err != nil {
		return nil, err
	}
	log.Info().Strs("devices", ids).Msg("hid identities ready")
	return ids, nil
}

func (a *Activator[S]) secondaryLost() bool {
	sec, ok := a.Secondary()
	if !ok {
		return false
	}
	select {
	case <-sec.Done():
		return true
	default:
		return false
	}
}

func (a *Activator[S]) transition(from, to State) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != from {
		return fmt.Errorf("%w: %s -> %s", ErrStateOrder, a.state, to)
	}
	a.state = to
	log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("hid state")
	return nil
}

func (a *Activator[S]) reset() error {
	a.mu.Lock()
	stop := a.stop
	var zero S
	a.state = StateUninitialized
	a.secondary = zero
	a.hasSecondary = false
	a.stop = nil
	a.identities = nil
	a.mu.Unlock()
	if stop == nil {
		return nil
	}
	return stop()
}
