// Package driver launches the external automation driver processes that dial back
// into botwire listeners.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/danmuck/botwire/internal/observability"
	"github.com/rs/zerolog/log"
)

const (
	WindowsDriverName = "WindowsDriver.exe"
	WebDriverName     = "WebDriver.exe"
	DefaultFolder     = "../"
)

var (
	ErrEmptyPath  = errors.New("driver: empty executable path")
	ErrNotStarted = errors.New("driver: process not started")
)

// Spec describes one driver process.
type Spec struct {
	Name string
	Path string
	Args []string
}

// Launcher starts driver processes.
type Launcher interface {
	Launch(ctx context.Context, spec Spec) (*Process, error)
}

// Resolve returns folder+name when that file exists, otherwise the bare name so the
// OS search path finds it.
func Resolve(folder, name string) string {
	if folder == "" {
		return name
	}
	candidate := folder + name
	if !strings.HasSuffix(folder, "/") && !strings.HasSuffix(folder, `\`) {
		candidate = filepath.Join(folder, name)
	}
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate
	}
	return name
}

// WindowsSpec spawns the desktop driver with the address it must dial back to.
func WindowsSpec(folder, name, ip string, port int) Spec {
	if name == "" {
		name = WindowsDriverName
	}
	return Spec{
		Name: "windows",
		Path: Resolve(folder, name),
		Args: []string{ip, strconv.Itoa(port)},
	}
}

// BrowserOptions are forwarded to the browser driver as one JSON argument.
type BrowserOptions struct {
	BrowserName string
	DebugPort   int
	UserDataDir string
	BrowserPath string
	Argument    string
	ExtendParam string
}

// DefaultBrowserOptions mirrors what the browser driver assumes when a field is absent.
func DefaultBrowserOptions() BrowserOptions {
	return BrowserOptions{
		BrowserName: "chrome",
		DebugPort:   0,
		UserDataDir: "null",
		BrowserPath: "null",
		Argument:    "null",
		ExtendParam: "",
	}
}

// WithDefaults fills unset string fields. ExtendParam stays empty when unset.
func (o BrowserOptions) WithDefaults() BrowserOptions {
	def := DefaultBrowserOptions()
	if strings.TrimSpace(o.BrowserName) == "" {
		o.BrowserName = def.BrowserName
	}
	if o.UserDataDir == "" {
		o.UserDataDir = def.UserDataDir
	}
	if o.BrowserPath == "" {
		o.BrowserPath = def.BrowserPath
	}
	if o.Argument == "" {
		o.Argument = def.Argument
	}
	return o
}

type browserParam struct {
	ServerIP    string `json:"serverIp"`
	ServerPort  int    `json:"serverPort"`
	BrowserName string `json:"browserName"`
	DebugPort   int    `json:"debugPort"`
	UserDataDir string `json:"userDataDir"`
	BrowserPath string `json:"browserPath"`
	Argument    string `json:"argument"`
	ExtendParam string `json:"extendParam"`
}

// BrowserParam renders the single JSON launch argument of the browser driver.
func BrowserParam(ip string, port int, opts BrowserOptions) (string, error) {
	opts = opts.WithDefaults()
	raw, err := json.Marshal(browserParam{
		ServerIP:    ip,
		ServerPort:  port,
		BrowserName: opts.BrowserName,
		DebugPort:   opts.DebugPort,
		UserDataDir: opts.UserDataDir,
		BrowserPath: opts.BrowserPath,
		Argument:    opts.Argument,
		ExtendParam: opts.ExtendParam,
	})
	if err != nil {
		return "", fmt.Errorf("driver: encode browser options: %w", err)
	}
	return string(raw), nil
}

// WebSpec spawns the browser driver.
func WebSpec(folder, name, ip string, port int, opts BrowserOptions) (Spec, error) {
	if name == "" {
		name = WebDriverName
	}
	param, err := BrowserParam(ip, port, opts)
	if err != nil {
		return Spec{}, err
	}
	return Spec{
		Name: "web",
		Path: Resolve(folder, name),
		Args: []string{param},
	}, nil
}

// ExecLauncher starts drivers as local child processes.
type ExecLauncher struct{}

func (ExecLauncher) Launch(_ context.Context, spec Spec) (*Process, error) {
	if strings.TrimSpace(spec.Path) == "" {
		observability.RecordDriverLaunch(spec.Name, ErrEmptyPath)
		return nil, ErrEmptyPath
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	if err := cmd.Start(); err != nil {
		err = fmt.Errorf("driver: start %s (%s): %w", spec.Name, spec.Path, err)
		observability.RecordDriverLaunch(spec.Name, err)
		return nil, err
	}
	observability.RecordDriverLaunch(spec.Name, nil)
	log.Info().Str("driver", spec.Name).Str("path", spec.Path).Int("pid", cmd.Process.Pid).Msg("driver started")

	p := newProcess(spec, func() error { return cmd.Process.Kill() })
	go func() {
		err := cmd.Wait()
		p.exit(err)
		log.Info().Str("driver", spec.Name).Err(err).Msg("driver exited")
	}()
	return p, nil
}

// Process is one launched driver.
type Process struct {
	Spec Spec

	kill func() error

	mu   sync.Mutex
	err  error
	once sync.Once
	done chan struct{}
}

func newProcess(spec Spec, kill func() error) *Process {
	return &Process{Spec: spec, kill: kill, done: make(chan struct{})}
}

// NewProcess builds a Process for launchers that manage their own lifetime. exit must
// be called once the process is gone.
func NewProcess(spec Spec, kill func() error) (*Process, func(error)) {
	p := newProcess(spec, kill)
	return p, p.exit
}

func (p *Process) exit(err error) {
	p.once.Do(func() {
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	})
}

// Done closes when the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the exit error once Done is closed.
func (p *Process) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Stop kills the process if it is still running.
func (p *Process) Stop() error {
	if p == nil {
		return ErrNotStarted
	}
	select {
	case <-p.done:
		return nil
	default:
	}
	if p.kill == nil {
		return nil
	}
	if err := p.kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("driver: stop %s: %w", p.Spec.Name, err)
	}
	return nil
}
