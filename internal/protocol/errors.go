package protocol

import "errors"

var (
	// ErrFraming marks any reply that does not match its declared length header.
	ErrFraming = errors.New("protocol: framing inconsistency")
	// ErrChannelClosed is returned to every pending and future call once a channel fails.
	ErrChannelClosed = errors.New("protocol: channel closed")
)
