package engine

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrLinkExpired marks a worker's chunk fetch that failed with 403 —
// the signed-URL-style link this job was given has expired mid-run and
// retrying the same URL is pointless; the whole job must fail rather
// than retry the chunk.
var ErrLinkExpired = errors.New("download link expired")

// ErrRangesNotHonored marks a worker whose 206-expecting request came
// back 200 — the server lied about range support after the probe
// succeeded. The Content-Range total of a 206 response is not compared
// with the probe's.
var ErrRangesNotHonored = errors.New("server did not honor range request")

// friendlyHTTPError turns a terminal status code into an
// operator-facing message for the log/event stream.
func friendlyHTTPError(status int) string {
	switch status {
	case http.StatusForbidden:
		return "access denied (link may have expired)"
	case http.StatusNotFound:
		return "file not found on server"
	case http.StatusTooManyRequests:
		return "rate limited by server"
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return "server temporarily unavailable"
	default:
		return fmt.Sprintf("server returned http %d", status)
	}
}

// friendlyError classifies a transport-level error for the event
// stream, falling back to the raw error text.
func friendlyError(err error) string {
	if err == nil {
		return ""
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "connection timed out"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "connection refused"
	case strings.Contains(msg, "no such host"):
		return "could not resolve host"
	case strings.Contains(msg, "certificate"):
		return "TLS certificate error"
	default:
		return msg
	}
}
