package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"tachyon/internal/bandwidth"
	"tachyon/internal/httpclient"
	"tachyon/internal/storage"
)

func newTestController(t *testing.T) (*Controller, *storage.Storage) {
	t.Helper()
	st, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	c := NewController(Options{
		Storage:       st,
		ClientFactory: httpclient.NewFactory(httpclient.Options{}),
		Bandwidth:     bandwidth.NewManager(),
		MaxWorkers:    4,
	})
	return c, st
}

func TestStartDownloadPersistsJob(t *testing.T) {
	content := []byte("hello world, this is a test payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-0/"+itoa(len(content)))
		if r.Header.Get("Range") == "bytes=0-0" {
			w.WriteHeader(http.StatusPartialContent)
			w.Write(content[:1])
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer srv.Close()

	c, _ := newTestController(t)
	dir := t.TempDir()

	task, err := c.StartDownload(testCtx(t), StartRequest{
		URL:      srv.URL,
		SavePath: dir,
		Filename: "out.bin",
	})
	if err != nil {
		t.Fatalf("StartDownload() error = %v", err)
	}
	if task.Status != "pending" {
		t.Errorf("Status = %q, want pending", task.Status)
	}

	stored, err := c.storage.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask() error = %v", err)
	}
	if stored.URL != srv.URL {
		t.Errorf("stored URL = %q, want %q", stored.URL, srv.URL)
	}
}

func TestExecuteDownloadsAndVerifies(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer srv.Close()

	c, st := newTestController(t)
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")

	task := storage.DownloadTask{
		ID:       "job-1",
		URL:      srv.URL,
		SavePath: outPath,
		Status:   "pending",
	}
	if err := st.SaveTask(task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}

	if err := c.Execute(testCtx(t), "job-1"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("downloaded content = %q, want %q", got, content)
	}

	final, err := st.GetTask("job-1")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != "completed" {
		t.Errorf("Status = %q, want completed", final.Status)
	}
}

type capturingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (e *capturingEmitter) Emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *capturingEmitter) find(eventType string) (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ev := range e.events {
		if ev.Type == eventType {
			return ev, true
		}
	}
	return Event{}, false
}

func TestExecuteAlwaysComputesHashWithoutExpectedHash(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog, again")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer srv.Close()

	emitter := &capturingEmitter{}
	c, st := newTestController(t)
	c.emitter = emitter
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")

	task := storage.DownloadTask{
		ID:       "job-hash",
		URL:      srv.URL,
		SavePath: outPath,
		Status:   "pending",
	}
	if err := st.SaveTask(task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}

	if err := c.Execute(testCtx(t), "job-hash"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	final, err := st.GetTask("job-hash")
	if err != nil {
		t.Fatal(err)
	}
	if final.ComputedHash == "" {
		t.Error("expected ComputedHash to be populated even though ExpectedHash was empty")
	}

	completed, ok := emitter.find(EventCompleted)
	if !ok {
		t.Fatal("expected a job_completed event")
	}
	data, ok := completed.Data.(CompletionData)
	if !ok {
		t.Fatalf("EventCompleted Data = %T, want CompletionData", completed.Data)
	}
	if data.Hash == "" {
		t.Error("expected CompletionData.Hash to be populated")
	}
	if data.URL != srv.URL {
		t.Errorf("CompletionData.URL = %q, want %q", data.URL, srv.URL)
	}
	if data.Path != outPath {
		t.Errorf("CompletionData.Path = %q, want %q", data.Path, outPath)
	}
}

func TestExecuteRestartsAsSingleStreamWhenRangesNotHonored(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog, restart edition")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") == "bytes=0-0" {
			// Probe: claim range support.
			w.Header().Set("Content-Range", "bytes 0-0/"+itoa(len(content)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(content[:1])
			return
		}
		// Every other request — the real chunk fetch, ranged or not —
		// ignores Range and returns the whole body with 200.
		w.WriteHeader(http.StatusOK)
		w.Write(content)
	}))
	defer srv.Close()

	c, st := newTestController(t)
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.bin")

	task := storage.DownloadTask{
		ID:       "job-restart",
		URL:      srv.URL,
		SavePath: outPath,
		Status:   "pending",
	}
	if err := st.SaveTask(task); err != nil {
		t.Fatalf("SaveTask() error = %v", err)
	}

	if err := c.Execute(testCtx(t), "job-restart"); err != nil {
		t.Fatalf("Execute() error = %v, want success via single-stream restart", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("downloaded content = %q, want %q", got, content)
	}

	final, err := st.GetTask("job-restart")
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != "completed" {
		t.Errorf("Status = %q, want completed", final.Status)
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
