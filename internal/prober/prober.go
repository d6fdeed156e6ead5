// Package prober implements the Range Prober: one lightweight request
// that resolves a job's total size, filename, and whether the server
// actually honors byte-range requests.
package prober

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Result is everything a Partition Planner needs to decide whether to
// fan out into multiple chunk workers or fall back to a single stream.
type Result struct {
	TotalSize      int64
	Filename       string
	AcceptsRanges  bool
	ETag           string
	LastModified   string
	ContentType    string
	FinalURL       string // after following redirects
}

// Probe issues a GET with "Range: bytes=0-0" and inspects the
// response. A 206 with a Content-Range header is the only trustworthy
// signal that ranges work — a 200 response, even with an
// Accept-Ranges: bytes header, is treated as "no range support" per
// the edge case where servers advertise support but ignore the Range
// header outright.
func Probe(ctx context.Context, client *http.Client, url string, headers map[string]string, userAgent string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Result{}, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Range", "bytes=0-0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("probe request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Result{}, &HTTPError{StatusCode: resp.StatusCode}
	}

	result := Result{
		Filename:     filenameFromHeaders(resp.Header, url),
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		ContentType:  resp.Header.Get("Content-Type"),
		FinalURL:     resp.Request.URL.String(),
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range"))
		if !ok {
			return Result{}, fmt.Errorf("malformed Content-Range header: %q", resp.Header.Get("Content-Range"))
		}
		result.TotalSize = total
		result.AcceptsRanges = true
	case http.StatusOK:
		result.TotalSize = resp.ContentLength
		result.AcceptsRanges = false
	default:
		return Result{}, fmt.Errorf("unexpected probe status: %d", resp.StatusCode)
	}

	return result, nil
}

// HTTPError wraps a terminal (4xx/5xx) probe response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("probe failed: http %d", e.StatusCode)
}

func parseContentRangeTotal(header string) (int64, bool) {
	// Format: "bytes 0-0/12345" or "bytes 0-0/*" (unknown total).
	idx := strings.LastIndex(header, "/")
	if idx < 0 || idx == len(header)-1 {
		return 0, false
	}
	totalStr := header[idx+1:]
	if totalStr == "*" {
		return 0, false
	}
	total, err := strconv.ParseInt(totalStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return total, true
}

func filenameFromHeaders(h http.Header, rawURL string) string {
	disposition := h.Get("Content-Disposition")
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}
