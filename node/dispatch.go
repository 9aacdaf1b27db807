//go:build linux
// +build linux

package node

import (
	"fmt"
)

// Verb names used in logs and metrics.
const (
	VerbUpload   = "upload"
	VerbDownload = "download"
	VerbMessage  = "message"
	VerbHTTP     = "http"
)

// Classify maps the leading byte of a request to its verb. HTTP request
// lines start with a method token; only G(ET) and P(OST/PUT/...) are
// recognised.
func Classify(request []byte) (string, error) {
	if len(request) == 0 {
		return "", ErrMalformedRequest
	}
	switch request[0] {
	case 'f':
		return VerbUpload, nil
	case 'g':
		return VerbDownload, nil
	case 'm':
		return VerbMessage, nil
	case 'G', 'P':
		return VerbHTTP, nil
	}
	return "", fmt.Errorf("%w: leading byte %q", ErrUnknownProtocol, request[0])
}

// dispatch waits for a complete request line on a connection without an
// active task and creates the handler for it. A nil task with a nil error
// means the line is not complete yet.
func (p *Poll) dispatch(c *Connection) (Task, error) {
	complete, err := c.fillLine()
	if err != nil || !complete {
		return nil, err
	}

	verb, err := Classify(c.request)
	if err != nil {
		return nil, err
	}

	switch verb {
	case VerbUpload:
		return newUploadTask(), nil
	case VerbDownload:
		return newDownloadTask(), nil
	case VerbMessage:
		return newMessageTask(), nil
	default:
		return newHTTPTask(), nil
	}
}
