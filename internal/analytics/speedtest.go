package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/showwin/speedtest-go/speedtest"

	"tachyon/internal/storage"
)

// SpeedTestResult is a completed network diagnostics run, persisted to
// storage.SpeedTestHistory for the analytics dashboard.
type SpeedTestResult struct {
	DownloadMbps   float64
	UploadMbps     float64
	PingMs         int64
	JitterMs       int64
	ServerName     string
	ServerLocation string
	ISP            string
	Timestamp      time.Time
}

// SpeedTestPhase reports progress through a run — ping, download,
// upload — for the Command API's event stream.
type SpeedTestPhase struct {
	Phase        string
	PingMs       int64
	DownloadMbps float64
	UploadMbps   float64
}

type SpeedTestPhaseFunc func(SpeedTestPhase)

// RunSpeedTest runs a full ping/download/upload test against the
// nearest server and records the result, reporting progress through
// onPhase (which may be nil).
func (sm *StatsManager) RunSpeedTest(ctx context.Context, onPhase SpeedTestPhaseFunc) (SpeedTestResult, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	report := func(p SpeedTestPhase) {
		if onPhase != nil {
			onPhase(p)
		}
	}
	report(SpeedTestPhase{Phase: "connecting"})

	userInfo, err := speedtest.FetchUserInfo()
	if err != nil {
		return SpeedTestResult{}, fmt.Errorf("fetch user info: %w", err)
	}

	servers, err := speedtest.FetchServers()
	if err != nil {
		return SpeedTestResult{}, fmt.Errorf("fetch servers: %w", err)
	}
	targets, err := servers.FindServer([]int{})
	if err != nil || len(targets) == 0 {
		return SpeedTestResult{}, fmt.Errorf("find nearest server: %w", err)
	}
	server := targets[0]

	report(SpeedTestPhase{Phase: "ping"})
	if err := server.PingTestContext(ctx, nil); err != nil {
		return SpeedTestResult{}, fmt.Errorf("ping test: %w", err)
	}
	report(SpeedTestPhase{Phase: "ping", PingMs: server.Latency.Milliseconds()})

	report(SpeedTestPhase{Phase: "download"})
	if err := server.DownloadTestContext(ctx); err != nil {
		return SpeedTestResult{}, fmt.Errorf("download test: %w", err)
	}
	downloadMbps := float64(server.DLSpeed) / 1e6 * 8
	report(SpeedTestPhase{Phase: "download", DownloadMbps: downloadMbps})

	report(SpeedTestPhase{Phase: "upload"})
	if err := server.UploadTestContext(ctx); err != nil {
		return SpeedTestResult{}, fmt.Errorf("upload test: %w", err)
	}
	uploadMbps := float64(server.ULSpeed) / 1e6 * 8
	report(SpeedTestPhase{Phase: "upload", UploadMbps: uploadMbps})

	result := SpeedTestResult{
		DownloadMbps:   downloadMbps,
		UploadMbps:     uploadMbps,
		PingMs:         server.Latency.Milliseconds(),
		JitterMs:       server.Jitter.Milliseconds(),
		ServerName:     server.Name,
		ServerLocation: fmt.Sprintf("%s, %s", server.Name, server.Country),
		ISP:            userInfo.Isp,
		Timestamp:      time.Now(),
	}
	report(SpeedTestPhase{Phase: "complete", PingMs: result.PingMs, DownloadMbps: downloadMbps, UploadMbps: uploadMbps})

	sm.storage.SaveSpeedTest(storage.SpeedTestHistory{
		DownloadSpeed:  result.DownloadMbps,
		UploadSpeed:    result.UploadMbps,
		Ping:           result.PingMs,
		Jitter:         result.JitterMs,
		ISP:            result.ISP,
		ServerName:     result.ServerName,
		ServerLocation: result.ServerLocation,
		Timestamp:      result.Timestamp.Format(time.RFC3339),
	})

	return result, nil
}

// GetSpeedTestHistory returns the most recent recorded runs.
func (sm *StatsManager) GetSpeedTestHistory(limit int) ([]storage.SpeedTestHistory, error) {
	return sm.storage.GetSpeedTestHistory(limit)
}
