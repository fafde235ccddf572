package transport

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrClosed      = errors.New("Engine.IO transport closed")
	ErrNotWritable = errors.New("Engine.IO transport not writable")

	// ErrWriteWithoutChannel is raised with panic, never returned.
	ErrWriteWithoutChannel = errors.New("Engine.IO write without an attached poll channel")
)

type ChannelKind int

const (
	KindPoll ChannelKind = iota
	KindData
)

func (k ChannelKind) String() string {
	switch k {
	case KindPoll:
		return "poll"
	case KindData:
		return "data"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// OverlapError reports a second request of the same kind while one is attached.
type OverlapError struct {
	Kind ChannelKind
}

func (e *OverlapError) Error() string {
	if e.Kind == KindData {
		return "data request overlap from client"
	}
	return "overlap from client"
}

// PrematureCloseError reports a connection that dropped before the transport finished with it.
type PrematureCloseError struct {
	Kind ChannelKind
}

func (e *PrematureCloseError) Error() string {
	if e.Kind == KindData {
		return "data request connection closed prematurely"
	}
	return "poll connection closed prematurely"
}

type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "parser error: " + e.Err.Error()
}

func (e *ParseError) Cause() error { return e.Err }

func (e *ParseError) Unwrap() error { return e.Err }
