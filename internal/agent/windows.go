package agent

import (
	"context"
	"strings"
	"time"

	"github.com/danmuck/botwire/internal/poll"
	"github.com/danmuck/botwire/internal/registry"
)

const windowsInterval = 10 * time.Millisecond

// Windows drives one desktop. The same driver also injects HID input into phones
// attached over USB.
type Windows struct {
	*conn
}

func NewWindows(s *registry.Session) *Windows {
	return &Windows{conn: newConn(s, windowsInterval)}
}

// FindWindow returns the handle of the first window matching className and
// windowName. Either may be empty.
func (w *Windows) FindWindow(ctx context.Context, className, windowName string) (string, bool, error) {
	reply, found, err := w.query(ctx, poll.Null, "findWindow", className, windowName)
	if err != nil || !found {
		return "", false, err
	}
	return reply, true, nil
}

// WindowImageOptions tune FindImage. Zero Sim means 0.95 and zero Multi means 1.
type WindowImageOptions struct {
	Region    Rect
	Sim       float64
	Threshold Threshold
	Multi     int
	// Mode selects the driver's background capture when true.
	Mode bool
}

// FindImage searches a window (by handle) or an image file (any source containing
// a '.') for smallImagePath.
func (w *Windows) FindImage(ctx context.Context, source, smallImagePath string, opts WindowImageOptions) ([]Point, error) {
	if opts.Sim == 0 {
		opts.Sim = 0.95
	}
	if opts.Multi == 0 {
		opts.Multi = 1
	}
	fn := "findImage"
	if strings.Contains(source, ".") {
		fn = "findImageByFile"
	}
	tt, thresh, maxval := opts.Threshold.values()
	r := opts.Region
	reply, found, err := w.query(ctx, poll.WindowPointMiss,
		fn, source, smallImagePath, r.Left, r.Top, r.Right, r.Bottom, opts.Sim, tt, thresh, maxval, opts.Multi, opts.Mode)
	if err != nil || !found {
		return nil, err
	}
	return parsePoints(reply)
}

// InitHid prepares the desktop side of HID. Phones call InitAccessory afterwards.
func (w *Windows) InitHid(ctx context.Context) (bool, error) {
	return w.ok(ctx, "initHid")
}

// HidData returns the android ids the driver can reach. An empty reply means none.
func (w *Windows) HidData(ctx context.Context) ([]string, error) {
	raw, err := w.text(ctx, "getHidData")
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	ids := strings.Split(raw, "|")
	out := ids[:0]
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out, nil
}

func (w *Windows) HidPress(ctx context.Context, androidID string, angle, x, y int) (bool, error) {
	return w.ok(ctx, "hidPress", androidID, angle, x, y)
}

func (w *Windows) HidMove(ctx context.Context, androidID string, angle, x, y int, d time.Duration) (bool, error) {
	return w.ok(ctx, "hidMove", androidID, angle, x, y, millis(d))
}

func (w *Windows) HidRelease(ctx context.Context, androidID string, angle int) (bool, error) {
	return w.ok(ctx, "hidRelease", androidID, angle)
}

func (w *Windows) HidClick(ctx context.Context, androidID string, angle, x, y int) (bool, error) {
	return w.ok(ctx, "hidClick", androidID, angle, x, y)
}

func (w *Windows) HidSwipe(ctx context.Context, androidID string, angle int, start, end Point, d time.Duration) (bool, error) {
	return w.ok(ctx, "hidSwipe", androidID, angle, start.X, start.Y, end.X, end.Y, millis(d))
}

func (w *Windows) HidBack(ctx context.Context, androidID string) (bool, error) {
	return w.ok(ctx, "hidBack", androidID)
}

func (w *Windows) HidHome(ctx context.Context, androidID string) (bool, error) {
	return w.ok(ctx, "hidHome", androidID)
}

func (w *Windows) HidRecents(ctx context.Context, androidID string) (bool, error) {
	return w.ok(ctx, "hidRecents", androidID)
}

// CloseDriver asks the driver to exit. The driver does not answer, so the session is
// closed once the frame is written.
func (w *Windows) CloseDriver(ctx context.Context) error {
	return w.SendAndClose(ctx, "closeDriver")
}
