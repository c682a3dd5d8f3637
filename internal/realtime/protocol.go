// Package realtime carries the live message feed over websockets. Server
// relays any chat.Feed to authenticated clients; Client consumes it and
// implements chat.Feed itself.
package realtime

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
)

// FrameType names the kind of a frame.
type FrameType string

const (
	// client -> server
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"

	// server -> client
	FrameInsert FrameType = "insert"
	FrameAck    FrameType = "ack"
	FrameError  FrameType = "error"
)

// Frame is the single JSON envelope used in both directions. Seq correlates
// a request with its ack or error.
type Frame struct {
	Type    FrameType     `json:"type"`
	Seq     uint64        `json:"seq,omitempty"`
	Target  *chat.Target  `json:"target,omitempty"`
	Message *chat.Message `json:"message,omitempty"`
	Code    string        `json:"code,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func errorFrame(seq uint64, err error) Frame {
	return Frame{Type: FrameError, Seq: seq, Code: chat.Code(err).String(), Error: err.Error()}
}

// frameError turns an error frame back into an error wrapping the matching
// chat sentinel.
func frameError(f Frame) error {
	var base error
	switch f.Code {
	case codes.Unauthenticated.String():
		base = chat.ErrUnauthenticated
	case codes.NotFound.String():
		base = chat.ErrNotFound
	case codes.InvalidArgument.String():
		base = chat.ErrInvalidArgument
	case codes.ResourceExhausted.String():
		base = chat.ErrRateLimited
	default:
		base = chat.ErrTransient
	}
	if f.Error == "" {
		return base
	}
	return fmt.Errorf("%w: relay: %s", base, f.Error)
}

var errConnClosed = errors.New("realtime connection closed")
