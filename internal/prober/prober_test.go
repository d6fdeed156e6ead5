package prober

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestProbeRangeSupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-0/1000")
		w.Header().Set("ETag", `"abc"`)
		w.Header().Set("Content-Disposition", `attachment; filename="file.zip"`)
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte{0})
	}))
	defer srv.Close()

	result, err := Probe(context.Background(), srv.Client(), srv.URL, nil, "test-agent")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if !result.AcceptsRanges {
		t.Error("expected AcceptsRanges = true")
	}
	if result.TotalSize != 1000 {
		t.Errorf("TotalSize = %d, want 1000", result.TotalSize)
	}
	if result.Filename != "file.zip" {
		t.Errorf("Filename = %q, want file.zip", result.Filename)
	}
}

func TestProbeRangeIgnoredDespite200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "2000")
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 2000))
	}))
	defer srv.Close()

	result, err := Probe(context.Background(), srv.Client(), srv.URL, nil, "test-agent")
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if result.AcceptsRanges {
		t.Error("a 200 response must never be treated as range-capable")
	}
	if result.TotalSize != 2000 {
		t.Errorf("TotalSize = %d, want 2000", result.TotalSize)
	}
}

func TestProbeHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := Probe(context.Background(), srv.Client(), srv.URL, nil, "test-agent")
	if err == nil {
		t.Fatal("expected an error for a 404 response")
	}
}
