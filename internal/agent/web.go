package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/danmuck/botwire/internal/poll"
	"github.com/danmuck/botwire/internal/registry"
)

const webInterval = 100 * time.Millisecond

// Web drives one browser.
type Web struct {
	*conn
}

func NewWeb(s *registry.Session) *Web {
	return &Web{conn: newConn(s, webInterval)}
}

func (b *Web) Goto(ctx context.Context, url string) (bool, error) {
	return b.ok(ctx, "goto", url)
}

func (b *Web) Title(ctx context.Context) (string, error) {
	return b.text(ctx, "getTitle")
}

// ClickElement clicks the element at xpath, retrying under the implicit wait.
func (b *Web) ClickElement(ctx context.Context, xpath string) (bool, error) {
	_, found, err := b.query(ctx, poll.False, "clickElement", xpath)
	return found, err
}

func (b *Web) ElementText(ctx context.Context, xpath string) (string, bool, error) {
	reply, found, err := b.query(ctx, poll.Null, "getElementText", xpath)
	if err != nil || !found {
		return "", false, err
	}
	return reply, true, nil
}

// WebRect is the element box reported by the browser driver.
type WebRect struct {
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Right  float64 `json:"right"`
	Bottom float64 `json:"bottom"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (b *Web) ElementRect(ctx context.Context, xpath string) (WebRect, bool, error) {
	reply, found, err := b.query(ctx, poll.Null, "getElementRect", xpath)
	if err != nil || !found {
		return WebRect{}, false, err
	}
	var rect WebRect
	if err := json.Unmarshal([]byte(reply), &rect); err != nil {
		return WebRect{}, false, fmt.Errorf("%w: element rect: %w", ErrMalformedReply, err)
	}
	return rect, true, nil
}

func (b *Web) CloseDriver(ctx context.Context) error {
	return b.SendAndClose(ctx, "closeDriver")
}
