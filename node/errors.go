package node

import (
	"errors"
	"strings"
)

// MultiError collects errors from teardown paths that must not stop early.
type MultiError []error

func (m MultiError) Error() string {
	var b strings.Builder
	b.WriteString("multiple errors:")
	for _, err := range m {
		b.WriteString("\n- " + err.Error())
	}
	return b.String()
}

var (
	ErrSignalStopped    = errors.New("signal stopped")
	ErrPeerClosed       = errors.New("peer closed connection")
	ErrUnknownProtocol  = errors.New("unknown protocol")
	ErrMalformedRequest = errors.New("malformed request")
	ErrRequestTooLarge  = errors.New("request header too large")
	ErrPathEscapesRoot  = errors.New("path escapes root")
	ErrNotRegularFile   = errors.New("not a regular file")
	ErrGoAheadMissing   = errors.New("go-ahead byte not received")
	ErrIncomplete       = errors.New("transfer incomplete")
)
