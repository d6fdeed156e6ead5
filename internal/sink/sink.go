// Package sink manages a job's on-disk output file together with its
// ".ariapart" sidecar — the partial-state store a job's progress is
// resumed from.
package sink

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"tachyon/internal/filesystem"
	"tachyon/internal/interval"
)

const sidecarVersion = 1

// sidecarState is the on-disk JSON shape of the ".ariapart" file.
type sidecarState struct {
	Version      int              `json:"version"`
	URL          string           `json:"url"`
	ETag         string           `json:"etag,omitempty"`
	LastModified string           `json:"last_modified,omitempty"`
	TotalSize    int64            `json:"total_size"`
	Ranges       []interval.Range `json:"ranges"`
}

// Sink owns a pre-allocated output file and the byte-interval set
// describing which parts of it have been durably written.
type Sink struct {
	path         string
	partPath     string
	url          string
	totalSize    int64
	etag         string
	lastModified string

	mu      sync.Mutex
	file    *os.File
	written *interval.Set
}

// New pre-allocates a fresh output file at path, sized to totalSize,
// discarding any existing sidecar — used when a job starts for the
// first time or when resume validation fails.
func New(path, url string, totalSize int64, etag, lastModified string) (*Sink, error) {
	alloc := filesystem.NewAllocator()
	if err := alloc.AllocateFile(path, totalSize); err != nil {
		return nil, fmt.Errorf("allocate sink file: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	if err != nil {
		return nil, fmt.Errorf("open sink file: %w", err)
	}

	s := &Sink{
		path:         path,
		partPath:     sidecarPath(path),
		url:          url,
		totalSize:    totalSize,
		etag:         etag,
		lastModified: lastModified,
		file:         f,
		written:      &interval.Set{},
	}
	_ = os.Remove(s.partPath)
	return s, nil
}

// Resume reopens an existing output file and its sidecar, if both are
// present and the sidecar validates against the remote's current
// url/size (and ETag/Last-Modified, when the origin sends them). It
// returns ok=false (with no error) when validation fails — the caller
// should discard and call New instead.
func Resume(path, url string, totalSize int64, etag, lastModified string) (sk *Sink, ok bool, err error) {
	partPath := sidecarPath(path)

	raw, err := os.ReadFile(partPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read sidecar: %w", err)
	}

	var state sidecarState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, false, nil
	}

	if !validate(state, url, totalSize, etag, lastModified) {
		return nil, false, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0666)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("open sink file: %w", err)
	}

	return &Sink{
		path:         path,
		partPath:     partPath,
		url:          url,
		totalSize:    totalSize,
		etag:         etag,
		lastModified: lastModified,
		file:         f,
		written:      interval.NewSet(state.Ranges...),
	}, true, nil
}

// validate requires the sidecar's url and total_length to match the
// job being resumed — two different jobs writing to the same output
// path must never adopt each other's partial map, which an
// ETag/Last-Modified-only check would allow whenever the origin omits
// both headers. ETag/Last-Modified are still checked when the origin
// supplies them, as an additional, stricter signal.
func validate(state sidecarState, url string, totalSize int64, etag, lastModified string) bool {
	if state.URL != url {
		return false
	}
	if state.TotalSize != totalSize {
		return false
	}
	if etag != "" && state.ETag != "" && etag != state.ETag {
		return false
	}
	if lastModified != "" && state.LastModified != "" && lastModified != state.LastModified {
		return false
	}
	return true
}

func sidecarPath(path string) string {
	return path + ".ariapart"
}

// WriteAt writes p at the given file offset and records the range as
// written. It does not persist the sidecar — callers batch Persist
// calls to avoid an fsync per chunk.
func (s *Sink) WriteAt(p []byte, offset int64) (int, error) {
	n, err := s.file.WriteAt(p, offset)
	if n > 0 {
		s.mu.Lock()
		s.written.Add(interval.Range{Start: offset, End: offset + int64(n)})
		s.mu.Unlock()
	}
	return n, err
}

// Remaining returns the byte ranges not yet written, for the
// Partition Planner to turn back into chunk work.
func (s *Sink) Remaining() []interval.Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Complement(s.totalSize)
}

// Written returns the coalesced ranges already durably written.
func (s *Sink) Written() []interval.Range {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Ranges()
}

// BytesWritten returns the total durable byte count so far.
func (s *Sink) BytesWritten() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Len()
}

// Persist atomically writes the sidecar file: write to a temp file in
// the same directory, fsync, then rename over the old one.
func (s *Sink) Persist() error {
	s.mu.Lock()
	state := sidecarState{
		Version:      sidecarVersion,
		URL:          s.url,
		ETag:         s.etag,
		LastModified: s.lastModified,
		TotalSize:    s.totalSize,
		Ranges:       s.written.Ranges(),
	}
	s.mu.Unlock()

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}

	tmp := s.partPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("create sidecar tmp: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return fmt.Errorf("write sidecar tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync sidecar tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close sidecar tmp: %w", err)
	}
	if err := os.Rename(tmp, s.partPath); err != nil {
		return fmt.Errorf("rename sidecar: %w", err)
	}
	return nil
}

// Sync flushes the output file's contents to disk.
func (s *Sink) Sync() error {
	return s.file.Sync()
}

// Close releases the file handle without touching the sidecar.
func (s *Sink) Close() error {
	return s.file.Close()
}

// Finalize closes the file and removes the sidecar — called once a
// job completes and its bytes have verified.
func (s *Sink) Finalize() error {
	if err := s.file.Close(); err != nil {
		return err
	}
	if err := os.Remove(s.partPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Reset clears the written-ranges record in memory, for a job that
// must restart as a single stream after the server stopped honoring
// byte ranges mid-run: the bytes already on disk were written at
// chunk-worker offsets that a sequential single-stream rewrite cannot
// resume from, so the whole span is re-fetched from zero.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.written = &interval.Set{}
}

// Complete reports whether every byte in [0, totalSize) has been written.
func (s *Sink) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written.Contains(0, s.totalSize)
}
