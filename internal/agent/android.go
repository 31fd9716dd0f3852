package agent

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/danmuck/botwire/internal/hid"
	"github.com/danmuck/botwire/internal/poll"
	"github.com/danmuck/botwire/internal/registry"
)

// AndroidImageDir is where bare image names are looked up on the phone.
const AndroidImageDir = "/storage/emulated/0/Android/data/com.aibot.client/files/"

const androidInterval = 5 * time.Millisecond

// HID is the process-wide activation handshake seen from a phone session.
type HID interface {
	Activate(ctx context.Context, p hid.Primary) (bool, error)
	Secondary() (*Windows, bool)
}

// Android drives one phone.
type Android struct {
	*conn
	hid HID
}

// NewAndroid wraps s. h may be nil when HID input is not used.
func NewAndroid(s *registry.Session, h HID) *Android {
	return &Android{conn: newConn(s, androidInterval), hid: h}
}

// DeviceID returns the phone's android id.
func (a *Android) DeviceID(ctx context.Context) (string, error) {
	id, err := a.text(ctx, "getAndroidId")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(id), nil
}

// InitAccessory prepares the phone side of HID. It must follow the desktop initHid.
func (a *Android) InitAccessory(ctx context.Context) (bool, error) {
	return a.ok(ctx, "initAccessory")
}

// InitHid runs the shared activation handshake and, on success, records this
// phone's device id on the session.
func (a *Android) InitHid(ctx context.Context) (bool, error) {
	if a.hid == nil {
		return false, ErrNoHID
	}
	ok, err := a.hid.Activate(ctx, a)
	if !ok {
		return false, err
	}
	id, err := a.DeviceID(ctx)
	if err != nil {
		return false, err
	}
	a.SetIdentity(id)
	return true, nil
}

func (a *Android) RotationAngle(ctx context.Context) (int, error) {
	raw, err := a.text(ctx, "getRotationAngle")
	if err != nil {
		return 0, err
	}
	return number(raw)
}

// SetAndroidTimeout sets the phone-side receive timeout.
func (a *Android) SetAndroidTimeout(ctx context.Context, d time.Duration) (bool, error) {
	return a.ok(ctx, "setAndroidTimeout", millis(d))
}

// ImageOptions tune FindImage. Zero Sim means 0.95 and zero Multi means 1.
type ImageOptions struct {
	Region    Rect
	Sim       float64
	Threshold Threshold
	Multi     int
}

// FindImage searches the screen for an image stored on the phone. A bare file name is
// resolved against AndroidImageDir. It returns nil when nothing matched in time.
func (a *Android) FindImage(ctx context.Context, imagePath string, opts ImageOptions) ([]Point, error) {
	if path.Dir(imagePath) == "." {
		imagePath = AndroidImageDir + imagePath
	}
	if opts.Sim == 0 {
		opts.Sim = 0.95
	}
	if opts.Multi == 0 {
		opts.Multi = 1
	}
	tt, thresh, maxval := opts.Threshold.values()
	r := opts.Region
	reply, found, err := a.query(ctx, poll.PointMiss,
		"findImage", imagePath, r.Left, r.Top, r.Right, r.Bottom, opts.Sim, tt, thresh, maxval, opts.Multi)
	if err != nil || !found {
		return nil, err
	}
	return parsePoints(reply)
}

// SubColor is a colour expected at an offset from the main colour.
type SubColor struct {
	OffsetX int
	OffsetY int
	Color   string
}

// ColorOptions tune FindColor. Zero Sim means 0.98.
type ColorOptions struct {
	SubColors []SubColor
	Region    Rect
	Sim       float64
}

func encodeSubColors(subs []SubColor) string {
	if len(subs) == 0 {
		return "null"
	}
	lines := make([]string, len(subs))
	for i, sc := range subs {
		lines[i] = fmt.Sprintf("%d/%d/%s", sc.OffsetX, sc.OffsetY, sc.Color)
	}
	return strings.Join(lines, "\n")
}

// FindColor returns the first point matching mainColor ("#RRGGBB").
func (a *Android) FindColor(ctx context.Context, mainColor string, opts ColorOptions) (Point, bool, error) {
	if opts.Sim == 0 {
		opts.Sim = 0.98
	}
	r := opts.Region
	reply, found, err := a.query(ctx, poll.PointMiss,
		"findColor", mainColor, encodeSubColors(opts.SubColors), r.Left, r.Top, r.Right, r.Bottom, opts.Sim)
	if err != nil || !found {
		return Point{}, false, err
	}
	p, err := parsePoint(reply)
	return p, err == nil, err
}

// ElementRect returns the bounds of the accessibility node at xpath.
func (a *Android) ElementRect(ctx context.Context, xpath string) (Rect, bool, error) {
	reply, found, err := a.query(ctx, poll.RectMiss, "getElementRect", xpath)
	if err != nil || !found {
		return Rect{}, false, err
	}
	rect, err := parseRect(reply)
	return rect, err == nil, err
}

// PushFile uploads a local file to remotePath on the phone.
func (a *Android) PushFile(ctx context.Context, localPath, remotePath string) (bool, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return false, fmt.Errorf("agent: read %s: %w", localPath, err)
	}
	return a.PushBytes(ctx, remotePath, data)
}

// PushBytes uploads data to remotePath on the phone.
func (a *Android) PushBytes(ctx context.Context, remotePath string, data []byte) (bool, error) {
	reply, err := a.CallFile(ctx, "pushFile", remotePath, data)
	if err != nil {
		return false, err
	}
	return string(reply) != poll.False, nil
}

func (a *Android) CloseDriver(ctx context.Context) error {
	return a.SendAndClose(ctx, "closeDriver")
}

// hidTarget returns the desktop driver and this phone's id for HID input.
func (a *Android) hidTarget() (*Windows, string, error) {
	if a.hid == nil {
		return nil, "", ErrNoHID
	}
	id := a.Identity()
	sec, ok := a.hid.Secondary()
	if id == "" || !ok {
		return nil, "", ErrHIDNotActivated
	}
	return sec, id, nil
}

// hidRotated runs fn against the desktop driver with the phone's current rotation.
func (a *Android) hidRotated(ctx context.Context, fn func(w *Windows, id string, angle int) (bool, error)) (bool, error) {
	w, id, err := a.hidTarget()
	if err != nil {
		return false, err
	}
	angle, err := a.RotationAngle(ctx)
	if err != nil {
		return false, err
	}
	return fn(w, id, angle)
}

func (a *Android) HidPress(ctx context.Context, x, y int) (bool, error) {
	return a.hidRotated(ctx, func(w *Windows, id string, angle int) (bool, error) {
		return w.HidPress(ctx, id, angle, x, y)
	})
}

func (a *Android) HidMove(ctx context.Context, x, y int, d time.Duration) (bool, error) {
	return a.hidRotated(ctx, func(w *Windows, id string, angle int) (bool, error) {
		return w.HidMove(ctx, id, angle, x, y, d)
	})
}

func (a *Android) HidRelease(ctx context.Context) (bool, error) {
	return a.hidRotated(ctx, func(w *Windows, id string, angle int) (bool, error) {
		return w.HidRelease(ctx, id, angle)
	})
}

func (a *Android) HidClick(ctx context.Context, x, y int) (bool, error) {
	return a.hidRotated(ctx, func(w *Windows, id string, angle int) (bool, error) {
		return w.HidClick(ctx, id, angle, x, y)
	})
}

func (a *Android) HidSwipe(ctx context.Context, start, end Point, d time.Duration) (bool, error) {
	return a.hidRotated(ctx, func(w *Windows, id string, angle int) (bool, error) {
		return w.HidSwipe(ctx, id, angle, start, end, d)
	})
}

func (a *Android) HidBack(ctx context.Context) (bool, error) {
	w, id, err := a.hidTarget()
	if err != nil {
		return false, err
	}
	return w.HidBack(ctx, id)
}

func (a *Android) HidHome(ctx context.Context) (bool, error) {
	w, id, err := a.hidTarget()
	if err != nil {
		return false, err
	}
	return w.HidHome(ctx, id)
}

func (a *Android) HidRecents(ctx context.Context) (bool, error) {
	w, id, err := a.hidTarget()
	if err != nil {
		return false, err
	}
	return w.HidRecents(ctx, id)
}
