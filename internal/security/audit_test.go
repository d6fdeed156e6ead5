package security

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEmitter struct {
	events []string
}

func (r *recordingEmitter) Emit(eventName string, data interface{}) {
	r.events = append(r.events, eventName)
}

func TestAuditLoggerWritesAndEmits(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	a := NewAuditLogger(logger)
	t.Cleanup(a.Close)

	emitter := &recordingEmitter{}
	a.SetEmitter(emitter)

	a.Log("127.0.0.1", "test-agent", "POST /queue", 200, "Authorized")

	require.Len(t, emitter.events, 1)
	assert.Equal(t, "onAuditLog", emitter.events[0])

	entries := a.GetRecentLogs(10)
	require.NotEmpty(t, entries)
	assert.Equal(t, "POST /queue", entries[0].Action)
	assert.Equal(t, 200, entries[0].Status)
}

func TestAuditLoggerWithoutEmitterDoesNotPanic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	a := NewAuditLogger(logger)
	t.Cleanup(a.Close)

	assert.NotPanics(t, func() {
		a.Log("127.0.0.1", "test-agent", "GET /status", 200, "Authorized")
	})
}
