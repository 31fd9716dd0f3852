// Package poll implements the implicit-wait retry used by query-style driver calls.
//
// A query is retried while its reply equals the operation's miss sentinel and the
// wait budget has not elapsed. Every query makes at least one attempt.
package poll

import (
	"bytes"
	"context"
	"time"

	"github.com/danmuck/botwire/internal/observability"
	"github.com/danmuck/botwire/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

// Miss sentinels returned by drivers. These are wire constants.
const (
	PointMiss       = "-1.0|-1.0"
	WindowPointMiss = "-1|-1"
	RectMiss        = "-1|-1|-1|-1"
	False           = "false"
	Null            = "null"
)

// Policy is the caller-configured implicit wait.
type Policy struct {
	WaitTimeout time.Duration
	Interval    time.Duration
}

func DefaultPolicy() Policy {
	return Policy{WaitTimeout: 0, Interval: 5 * time.Millisecond}
}

// Result is the last reply of a poll and whether it differed from the sentinel.
type Result struct {
	Reply    []byte
	Found    bool
	Attempts int
}

// CallFunc performs one attempt.
type CallFunc func(ctx context.Context) ([]byte, error)

// Until retries call while it returns sentinel and the wait budget allows. Transport
// errors end the loop immediately.
func Until(ctx context.Context, op string, p Policy, sentinel string, call CallFunc) (Result, error) {
	miss := []byte(sentinel)
	start := time.Now()
	var res Result
	for {
		reply, err := call(ctx)
		res.Attempts++
		if err != nil {
			return res, err
		}
		res.Reply = reply
		if !bytes.Equal(reply, miss) {
			res.Found = true
			break
		}
		if p.WaitTimeout <= 0 {
			break
		}
		if err := session.Sleep(ctx, p.Interval); err != nil {
			return res, err
		}
		if time.Since(start) > p.WaitTimeout {
			break
		}
	}

	observability.RecordPoll(op, res.Attempts, res.Found)
	if res.Attempts > 1 {
		log.Debug().
			Str("op", op).
			Int("attempts", res.Attempts).
			Bool("found", res.Found).
			Dur("elapsed", time.Since(start)).
			Msg("implicit wait finished")
	}
	return res, nil
}
