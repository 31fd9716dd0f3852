package driver

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/botwire/internal/testutil/testlog"
)

func TestResolvePrefersFolderWhenPresent(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	path := filepath.Join(dir, WindowsDriverName)
	if err := os.WriteFile(path, []byte("stub"), 0o755); err != nil {
		t.Fatalf("write stub: %v", err)
	}

	if got := Resolve(dir+string(filepath.Separator), WindowsDriverName); got != path {
		t.Fatalf("resolve with trailing separator=%q want %q", got, path)
	}
	if got := Resolve(dir, WindowsDriverName); got != path {
		t.Fatalf("resolve without separator=%q want %q", got, path)
	}
	if got := Resolve(dir, WebDriverName); got != WebDriverName {
		t.Fatalf("missing file should fall back to bare name, got %q", got)
	}
	if got := Resolve("", WebDriverName); got != WebDriverName {
		t.Fatalf("empty folder resolve=%q", got)
	}
}

func TestWindowsSpecPassesDialBackAddress(t *testing.T) {
	testlog.Start(t)
	spec := WindowsSpec(t.TempDir(), "", "127.0.0.1", 56668)
	if spec.Path != WindowsDriverName {
		t.Fatalf("path=%q", spec.Path)
	}
	if len(spec.Args) != 2 || spec.Args[0] != "127.0.0.1" || spec.Args[1] != "56668" {
		t.Fatalf("args=%q", spec.Args)
	}
}

func TestWebSpecCarriesBrowserOptionsAsOneJSONArgument(t *testing.T) {
	testlog.Start(t)
	spec, err := WebSpec("", "", "127.0.0.1", 16680, BrowserOptions{
		Argument:    "--headless=new",
		UserDataDir: `C:\Users\bot\Data`,
	})
	if err != nil {
		t.Fatalf("web spec: %v", err)
	}
	if len(spec.Args) != 1 {
		t.Fatalf("args=%q", spec.Args)
	}

	var got map[string]any
	if err := json.Unmarshal([]byte(spec.Args[0]), &got); err != nil {
		t.Fatalf("decode %q: %v", spec.Args[0], err)
	}
	want := map[string]any{
		"serverIp":    "127.0.0.1",
		"serverPort":  float64(16680),
		"browserName": "chrome",
		"debugPort":   float64(0),
		"userDataDir": `C:\Users\bot\Data`,
		"browserPath": "null",
		"argument":    "--headless=new",
		"extendParam": "",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s=%v want %v", k, got[k], v)
		}
	}
}

func TestExecLauncherRejectsEmptyPath(t *testing.T) {
	testlog.Start(t)
	if _, err := (ExecLauncher{}).Launch(context.Background(), Spec{Name: "web"}); !errors.Is(err, ErrEmptyPath) {
		t.Fatalf("err=%v", err)
	}
}

func TestExecLauncherStartsAndStopsProcess(t *testing.T) {
	testlog.Start(t)
	sleep, err := exec.LookPath("sleep")
	if err != nil {
		t.Skip("sleep not available")
	}

	p, err := (ExecLauncher{}).Launch(context.Background(), Spec{Name: "windows", Path: sleep, Args: []string{"30"}})
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case <-p.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("process still running after stop")
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestNewProcessExitClosesDone(t *testing.T) {
	testlog.Start(t)
	killed := false
	p, exit := NewProcess(Spec{Name: "fake"}, func() error {
		killed = true
		return nil
	})
	if err := p.Stop(); err != nil || !killed {
		t.Fatalf("stop err=%v killed=%v", err, killed)
	}
	exit(errors.New("signal: killed"))
	<-p.Done()
	if p.Err() == nil {
		t.Fatalf("exit error not recorded")
	}
}
