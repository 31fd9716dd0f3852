package agent

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/botwire/internal/hid"
	"github.com/danmuck/botwire/internal/poll"
	"github.com/danmuck/botwire/internal/protocol/channel"
	"github.com/danmuck/botwire/internal/protocol/session"
	"github.com/danmuck/botwire/internal/registry"
	"github.com/danmuck/botwire/internal/testutil/fakedriver"
	"github.com/danmuck/botwire/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func pipeSession(t *testing.T, kind registry.Kind, h fakedriver.Handler) (*registry.Session, *fakedriver.Driver) {
	t.Helper()
	conn, drv := fakedriver.Pipe(h)
	s := &registry.Session{
		Channel: channel.New(conn, session.DefaultConfig(), channel.WithKind(string(kind))),
		ID:      t.Name(),
		Kind:    kind,
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, drv
}

func TestAndroidFindImageResolvesBareNameAndParsesPoints(t *testing.T) {
	testlog.Start(t)
	s, drv := pipeSession(t, registry.KindAndroid, fakedriver.Replies(map[string]string{
		"findImage": "100|200/300.0|400.0",
	}))
	a := NewAndroid(s, nil)

	pts, err := a.FindImage(context.Background(), "a.png", ImageOptions{Threshold: Threshold{Type: 5}, Multi: 2})
	require.NoError(t, err)
	require.Equal(t, []Point{{100, 200}, {300, 400}}, pts)

	args := drv.Calls()[0].Args
	require.Equal(t, []string{AndroidImageDir + "a.png", "0", "0", "0", "0", "0.95", "5", "127", "255", "2"}, args)
}

func TestAndroidFindImageMissWithoutWaitIsOneAttempt(t *testing.T) {
	testlog.Start(t)
	s, drv := pipeSession(t, registry.KindAndroid, fakedriver.Replies(map[string]string{
		"findImage": poll.PointMiss,
	}))
	a := NewAndroid(s, nil)

	pts, err := a.FindImage(context.Background(), "/sdcard/a.png", ImageOptions{})
	require.NoError(t, err)
	require.Nil(t, pts)
	require.Equal(t, 1, drv.Count("findImage"))
	require.Equal(t, "/sdcard/a.png", drv.Calls()[0].Args[0])
}

func TestAndroidFindColorRetriesUnderImplicitWait(t *testing.T) {
	testlog.Start(t)
	var n atomic.Int32
	s, drv := pipeSession(t, registry.KindAndroid, func(c fakedriver.Call) ([]byte, bool) {
		if n.Add(1) <= 2 {
			return []byte(poll.PointMiss), true
		}
		return []byte("10.0|20.0"), true
	})
	a := NewAndroid(s, nil)
	a.SetImplicitTimeout(time.Second, time.Millisecond)

	p, ok, err := a.FindColor(context.Background(), "#FF0000", ColorOptions{
		SubColors: []SubColor{{OffsetX: 1, OffsetY: 2, Color: "#00FF00"}, {OffsetX: -3, OffsetY: 4, Color: "#0000FF"}},
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Point{10, 20}, p)
	require.Equal(t, 3, drv.Count("findColor"))
	require.Equal(t, "1/2/#00FF00\n-3/4/#0000FF", drv.Calls()[0].Args[1])
	require.Equal(t, "0.98", drv.Calls()[0].Args[6])
}

func TestAndroidElementRectAndMiss(t *testing.T) {
	testlog.Start(t)
	s, _ := pipeSession(t, registry.KindAndroid, func(c fakedriver.Call) ([]byte, bool) {
		if c.Args[0] == "missing" {
			return []byte(poll.RectMiss), true
		}
		return []byte("1|2|30|40"), true
	})
	a := NewAndroid(s, nil)

	rect, ok, err := a.ElementRect(context.Background(), "//button")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Rect{1, 2, 30, 40}, rect)

	_, ok, err = a.ElementRect(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAndroidPushBytesUsesFileFrame(t *testing.T) {
	testlog.Start(t)
	s, drv := pipeSession(t, registry.KindAndroid, fakedriver.Replies(map[string]string{"pushFile": "true"}))
	a := NewAndroid(s, nil)

	ok, err := a.PushBytes(context.Background(), "/sdcard/x.bin", []byte{0, 1, '/', '\n'})
	require.NoError(t, err)
	require.True(t, ok)
	raw := drv.Calls()[0].Raw
	require.Equal(t, "pushFile", string(raw[0]))
	require.Equal(t, []byte{0, 1, '/', '\n'}, raw[2])
}

func TestAndroidHidInputRequiresActivation(t *testing.T) {
	testlog.Start(t)
	s, _ := pipeSession(t, registry.KindAndroid, fakedriver.Replies(nil))

	_, err := NewAndroid(s, nil).HidClick(context.Background(), 1, 1)
	require.ErrorIs(t, err, ErrNoHID)

	act := hid.New[*Windows](hid.DefaultConfig(), nil, nil)
	_, err = NewAndroid(s, act).HidBack(context.Background())
	require.ErrorIs(t, err, ErrHIDNotActivated)
}

func TestAndroidInitHidDelegatesInputToDesktopDriver(t *testing.T) {
	testlog.Start(t)
	ws, wdrv := pipeSession(t, registry.KindWindows, fakedriver.Replies(map[string]string{
		"initHid":    "true",
		"getHidData": "dev-1|dev-2",
		"hidClick":   "true",
		"hidSwipe":   "true",
		"hidHome":    "true",
	}))
	win := NewWindows(ws)
	var starts atomic.Int32
	act := hid.New[*Windows](hid.Config{Attempts: 1, Backoff: session.FixedBackoff(time.Millisecond)},
		func(context.Context) (func() error, error) {
			starts.Add(1)
			return func() error { return nil }, nil
		},
		func(context.Context) (*Windows, bool) { return win, true },
	)

	as, adrv := pipeSession(t, registry.KindAndroid, fakedriver.Replies(map[string]string{
		"initAccessory":    "true",
		"getAndroidId":     "dev-2",
		"getRotationAngle": "90",
	}))
	a := NewAndroid(as, act)

	ok, err := a.InitHid(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "dev-2", as.Identity())
	require.EqualValues(t, 1, starts.Load())
	require.Equal(t, 1, adrv.Count("initAccessory"))

	ok, err = a.HidClick(context.Background(), 5, 6)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = a.HidSwipe(context.Background(), Point{1, 2}, Point{3, 4}, 250*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = a.HidHome(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	var click, swipe fakedriver.Call
	for _, c := range wdrv.Calls() {
		switch c.Name {
		case "hidClick":
			click = c
		case "hidSwipe":
			swipe = c
		}
	}
	require.Equal(t, []string{"dev-2", "90", "5", "6"}, click.Args)
	require.Equal(t, []string{"dev-2", "90", "1", "2", "3", "4", "250"}, swipe.Args)
	require.Equal(t, 1, wdrv.Count("initHid"))
	require.Equal(t, 1, wdrv.Count("getHidData"))
}

func TestWindowsHidDataSplitsAndTreatsEmptyAsNone(t *testing.T) {
	testlog.Start(t)
	reply := "a1| b2 |"
	s, _ := pipeSession(t, registry.KindWindows, func(fakedriver.Call) ([]byte, bool) {
		return []byte(reply), true
	})
	w := NewWindows(s)

	ids, err := w.HidData(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a1", "b2"}, ids)

	reply = ""
	ids, err = w.HidData(context.Background())
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestWindowsFindImagePicksFileVariant(t *testing.T) {
	testlog.Start(t)
	s, drv := pipeSession(t, registry.KindWindows, fakedriver.Replies(map[string]string{
		"findImageByFile": "7|8",
		"findImage":       poll.WindowPointMiss,
	}))
	w := NewWindows(s)

	pts, err := w.FindImage(context.Background(), `C:\shots\big.png`, "small.png", WindowImageOptions{})
	require.NoError(t, err)
	require.Equal(t, []Point{{7, 8}}, pts)

	pts, err = w.FindImage(context.Background(), "132456", "small.png", WindowImageOptions{Mode: true})
	require.NoError(t, err)
	require.Nil(t, pts)
	calls := drv.Calls()
	require.Equal(t, "findImageByFile", calls[0].Name)
	require.Equal(t, "findImage", calls[1].Name)
	require.Equal(t, "true", calls[1].Args[len(calls[1].Args)-1])
}

func TestWindowsFindWindowNullIsMiss(t *testing.T) {
	testlog.Start(t)
	s, _ := pipeSession(t, registry.KindWindows, fakedriver.Replies(map[string]string{"findWindow": poll.Null}))
	_, ok, err := NewWindows(s).FindWindow(context.Background(), "Notepad", "")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestWebQueries(t *testing.T) {
	testlog.Start(t)
	s, drv := pipeSession(t, registry.KindWeb, fakedriver.Replies(map[string]string{
		"goto":           "true",
		"clickElement":   "true",
		"getElementText": "hello",
		"getElementRect": `{"left":1,"top":2,"right":11,"bottom":22,"width":10,"height":20}`,
	}))
	b := NewWeb(s)
	ctx := context.Background()

	ok, err := b.Goto(ctx, "https://example.com")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.ClickElement(ctx, "//a")
	require.NoError(t, err)
	require.True(t, ok)

	text, ok, err := b.ElementText(ctx, "//h1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", text)

	rect, ok, err := b.ElementRect(ctx, "//h1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, WebRect{Left: 1, Top: 2, Right: 11, Bottom: 22, Width: 10, Height: 20}, rect)

	require.Equal(t, "https://example.com", drv.Calls()[0].Args[0])
}

func TestWebSetImplicitTimeoutKeepsDefaultInterval(t *testing.T) {
	testlog.Start(t)
	s, _ := pipeSession(t, registry.KindWeb, fakedriver.Replies(nil))
	b := NewWeb(s)
	b.SetImplicitTimeout(2*time.Second, 0)
	require.Equal(t, poll.Policy{WaitTimeout: 2 * time.Second, Interval: 100 * time.Millisecond}, b.Policy())
}

func TestCloseDriverClosesSession(t *testing.T) {
	testlog.Start(t)
	s, drv := pipeSession(t, registry.KindWeb, fakedriver.Replies(nil))
	require.NoError(t, NewWeb(s).CloseDriver(context.Background()))
	require.Eventually(t, func() bool { return drv.Count("closeDriver") == 1 }, 2*time.Second, time.Millisecond)
	select {
	case <-s.Done():
	default:
		t.Fatalf("session still open after closeDriver")
	}
}
