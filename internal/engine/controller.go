// Package engine implements the Job Controller: it probes a URL, plans
// its chunks, fans workers out across a Sink, verifies the result, and
// emits lifecycle events throughout.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"tachyon/internal/anonymizer"
	"tachyon/internal/bandwidth"
	"tachyon/internal/filesystem"
	"tachyon/internal/httpclient"
	"tachyon/internal/integrity"
	"tachyon/internal/interval"
	"tachyon/internal/planner"
	"tachyon/internal/prober"
	"tachyon/internal/sink"
	"tachyon/internal/storage"
)

// StartRequest describes a new job's immutable inputs.
type StartRequest struct {
	URL             string
	SavePath        string // directory to save into
	Filename        string // optional override
	Headers         map[string]string
	Priority        int
	ExpectedHash    string
	HashAlgorithm   string
	StartTime       string // RFC3339, optional scheduled start
	Connections     int    // requested worker count; 0 = server default
	ForceAnonymizer bool   // route this job's traffic through the SOCKS5 sidecar
}

// AnonymizerController is the subset of anonymizer.Supervisor the Job
// Controller needs to bring the SOCKS5 sidecar up on a single job's
// demand, rather than only once at process boot.
type AnonymizerController interface {
	EnsureReady(ctx context.Context) (addr string, err error)
	IsRunning() bool
	DaemonCount() int
}

// runningJob tracks the in-memory state of an executing job; the
// durable record lives in storage.DownloadTask.
type runningJob struct {
	cancel context.CancelFunc
}

// Controller is the Job Controller: it owns every active job's
// lifecycle and is the only thing that touches a job's Sink directly.
type Controller struct {
	logger  *slog.Logger
	storage *storage.Storage
	emitter EventEmitter

	clientFactory *httpclient.Factory
	bandwidth     *bandwidth.Manager
	congestion    *bandwidth.CongestionController

	anonymizerCtrl AnonymizerController // nil if no sidecar is configured
	forceAllJobs   bool                 // cfg.GetForceAnonymizer(): every job, not just onion/opt-in ones

	maxWorkers int

	mu   sync.Mutex
	jobs map[string]*runningJob
}

type Options struct {
	Logger        *slog.Logger
	Storage       *storage.Storage
	Emitter       EventEmitter
	ClientFactory *httpclient.Factory
	Bandwidth     *bandwidth.Manager
	MaxWorkers    int
}

func NewController(opts Options) *Controller {
	emitter := opts.Emitter
	if emitter == nil {
		emitter = NoopEmitter{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	maxWorkers := opts.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = planner.MaxWorkers
	}
	return &Controller{
		logger:        logger,
		storage:       opts.Storage,
		emitter:       emitter,
		clientFactory: opts.ClientFactory,
		bandwidth:     opts.Bandwidth,
		congestion:    bandwidth.NewCongestionController(1, maxWorkers),
		maxWorkers:    maxWorkers,
		jobs:          make(map[string]*runningJob),
	}
}

// SetAnonymizer wires in the SOCKS5 sidecar supervisor. Without one,
// a job whose URL or force_anonymizer input needs anonymizing fails
// rather than silently going out direct.
func (c *Controller) SetAnonymizer(ctrl AnonymizerController) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anonymizerCtrl = ctrl
}

// SetForceAnonymizerAll makes every job route through the anonymizer,
// mirroring the operator's global force_anonymizer setting regardless
// of what any individual job requested.
func (c *Controller) SetForceAnonymizerAll(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forceAllJobs = v
}

// ensureAnonymizerFor resolves the SOCKS5 address a job should dial
// through, if any. A .onion URL always implies anonymizer routing
// (there is no direct path to a hidden service); a job's own
// force_anonymizer input or the operator's global setting can also
// require it. It emits anonymizer_state transitions around bringing
// the sidecar up so external callers can watch Idle→Starting→Ready.
func (c *Controller) ensureAnonymizerFor(ctx context.Context, task storage.DownloadTask) (string, error) {
	c.mu.Lock()
	ctrl := c.anonymizerCtrl
	forceAll := c.forceAllJobs
	c.mu.Unlock()

	intent := task.ForceAnonymizer || forceAll || anonymizer.IsOnionURL(task.URL)
	if !intent {
		return "", nil
	}
	if ctrl == nil {
		return "", fmt.Errorf("anonymizer required for this job but is not configured")
	}

	if !ctrl.IsRunning() {
		c.emitter.Emit(Event{
			Type:      EventAnonymizerState,
			JobID:     task.ID,
			Data:      AnonymizerStateData{State: AnonymizerStarting, Message: "starting anonymizer daemon", DaemonCount: ctrl.DaemonCount()},
			Timestamp: time.Now(),
		})
	}

	addr, err := ctrl.EnsureReady(ctx)
	if err != nil {
		c.emitter.Emit(Event{
			Type:      EventAnonymizerState,
			JobID:     task.ID,
			Data:      AnonymizerStateData{State: AnonymizerError, Message: err.Error(), DaemonCount: 0},
			Timestamp: time.Now(),
		})
		return "", fmt.Errorf("anonymizer: %w", err)
	}

	c.emitter.Emit(Event{
		Type:      EventAnonymizerState,
		JobID:     task.ID,
		Data:      AnonymizerStateData{State: AnonymizerReady, Message: "anonymizer ready", DaemonCount: ctrl.DaemonCount()},
		Timestamp: time.Now(),
	})
	return addr, nil
}

// StartDownload probes the URL and persists a new job record. It does
// not start the transfer: callers push the returned task onto the
// queue, and the Dispatcher runs it through Execute.
func (c *Controller) StartDownload(ctx context.Context, req StartRequest) (storage.DownloadTask, error) {
	id := uuid.New().String()

	socksAddr, err := c.ensureAnonymizerFor(ctx, storage.DownloadTask{ID: id, URL: req.URL, ForceAnonymizer: req.ForceAnonymizer})
	if err != nil {
		return storage.DownloadTask{}, err
	}

	client, err := c.buildClient(socksAddr)
	if err != nil {
		return storage.DownloadTask{}, err
	}

	result, err := prober.Probe(ctx, client, req.URL, req.Headers, httpclient.GenericUserAgent)
	if err != nil {
		return storage.DownloadTask{}, fmt.Errorf("probe: %w", err)
	}

	filename := req.Filename
	if filename == "" {
		c.mu.Lock()
		idx := len(c.jobs)
		c.mu.Unlock()
		filename = filesystem.DeriveFilename(req.URL, result.Filename, idx)
	}
	outputPath := filesystem.FindAvailablePath(filepath.Join(req.SavePath, filename), pathExists)

	headersJSON, _ := json.Marshal(req.Headers)

	status := "pending"
	if req.StartTime != "" {
		status = "scheduled"
	}

	task := storage.DownloadTask{
		ID:              id,
		Filename:        filepath.Base(outputPath),
		URL:             req.URL,
		SavePath:        outputPath,
		Status:          status,
		Priority:        req.Priority,
		TotalSize:       result.TotalSize,
		ExpectedHash:    req.ExpectedHash,
		HashAlgorithm:   req.HashAlgorithm,
		Connections:     req.Connections,
		ForceAnonymizer: req.ForceAnonymizer,
		Headers:         string(headersJSON),
		StartTime:       req.StartTime,
		Domain:          hostOf(req.URL),
	}

	order, err := c.storage.GetAllTasks()
	if err == nil {
		task.QueueOrder = len(order) + 1
	}

	if err := c.storage.SaveTask(task); err != nil {
		return storage.DownloadTask{}, fmt.Errorf("persist job: %w", err)
	}

	c.emitter.Emit(Event{Type: EventJobQueued, JobID: id, Timestamp: time.Now()})
	return task, nil
}

// Execute runs a (non-scheduled, dequeued) job to completion,
// handling probe-then-plan-then-fetch-then-verify, and is meant to be
// called by the Dispatcher once it pulls a job off the queue.
func (c *Controller) Execute(ctx context.Context, taskID string) error {
	startedAt := time.Now()

	task, err := c.storage.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	job := &runningJob{cancel: cancel}
	c.mu.Lock()
	c.jobs[taskID] = job
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.jobs, taskID)
		c.mu.Unlock()
	}()

	task.Status = "downloading"
	c.storage.SaveTask(task)
	c.emitter.Emit(Event{Type: EventJobStarted, JobID: taskID, Timestamp: time.Now()})

	socksAddr, err := c.ensureAnonymizerFor(jobCtx, task)
	if err != nil {
		return c.fail(task, err)
	}

	client, err := c.buildClient(socksAddr)
	if err != nil {
		return c.fail(task, err)
	}

	var headers map[string]string
	json.Unmarshal([]byte(task.Headers), &headers)

	probed, err := prober.Probe(jobCtx, client, task.URL, headers, httpclient.GenericUserAgent)
	if err != nil {
		return c.fail(task, err)
	}
	if task.TotalSize != 0 && probed.TotalSize != task.TotalSize {
		c.logger.Warn("size changed since job was queued, restarting clean", "job", task.ID)
	}
	task.TotalSize = probed.TotalSize

	sk, err := c.openSink(task, probed)
	if err != nil {
		return c.fail(task, err)
	}

	workers := task.Connections
	if workers <= 0 {
		workers = c.maxWorkers
	}

	host := hostOf(task.URL)
	chunks := planner.Plan(writtenSet(sk), task.TotalSize, probed.AcceptsRanges, workers)

	if len(chunks) > 0 {
		deps := workerDeps{
			client:     client,
			bandwidth:  c.bandwidth,
			congestion: c.congestion,
			url:        task.URL,
			headers:    headers,
			userAgent:  httpclient.GenericUserAgent,
			sink:       sk,
		}

		fetchErr := c.runFetch(jobCtx, &task, sk, deps, host, chunks, !probed.AcceptsRanges)

		if fetchErr == ErrRangesNotHonored {
			c.logger.Warn("server stopped honoring range requests mid-run, restarting as single stream", "job", task.ID)
			sk.Reset()
			single := planner.Plan(writtenSet(sk), task.TotalSize, false, 1)
			fetchErr = c.runFetch(jobCtx, &task, sk, deps, host, single, true)
		}

		if fetchErr != nil {
			sk.Persist()
			sk.Close()
			if jobCtx.Err() != nil {
				if cur, err := c.storage.GetTask(task.ID); err == nil && cur.Status == "canceled" {
					return nil // Stop already recorded the cancellation
				}
				return c.pause(task)
			}
			return c.fail(task, fetchErr)
		}
	}

	sk.Persist()
	return c.completeJob(task, sk, time.Since(startedAt))
}

// runFetch fans chunks out across the worker pool while a background
// goroutine reports progress, stopping the progress reporter once the
// pool settles regardless of outcome.
func (c *Controller) runFetch(ctx context.Context, task *storage.DownloadTask, sk *sink.Sink, deps workerDeps, host string, chunks []planner.Chunk, singleStream bool) error {
	progressDone := make(chan struct{})
	go c.trackProgress(ctx, task, sk, progressDone)
	defer close(progressDone)
	return runWorkerPool(ctx, deps, host, chunks, singleStream)
}

// completeJob hashes the finished file and persists the result. Every
// completed job is hashed regardless of whether the caller supplied an
// expected hash: ExpectedHash, when set, is an additional comparison
// against the computed hash, never a gate on computing it at all.
func (c *Controller) completeJob(task storage.DownloadTask, sk *sink.Sink, elapsed time.Duration) error {
	task.Status = "verifying"
	c.storage.SaveTask(task)
	c.emitter.Emit(Event{Type: EventVerifying, JobID: task.ID, Timestamp: time.Now()})

	if err := sk.Sync(); err != nil {
		return c.fail(task, err)
	}

	hash, err := integrity.CalculateHashWithProgress(task.SavePath, "sha256", func(hashed int64) {
		c.emitter.Emit(Event{Type: EventHashProgress, JobID: task.ID, Data: hashed, Timestamp: time.Now()})
	})
	if err != nil {
		return c.fail(task, err)
	}
	task.ComputedHash = hash

	if task.ExpectedHash != "" {
		actual := hash
		if algo := task.HashAlgorithm; algo != "" && algo != "sha256" {
			if actual, err = integrity.CalculateHash(task.SavePath, algo); err != nil {
				return c.fail(task, err)
			}
		}
		if actual != task.ExpectedHash {
			task.Status = "corrupted"
			c.storage.SaveTask(task)
			return c.fail(task, fmt.Errorf("hash mismatch: expected %s, got %s", task.ExpectedHash, actual))
		}
	}

	if err := sk.Finalize(); err != nil {
		return c.fail(task, err)
	}

	task.Status = "completed"
	task.Progress = 100
	task.Downloaded = task.TotalSize
	c.storage.SaveTask(task)
	c.storage.IncrementDailyBytes(task.TotalSize)
	c.storage.IncrementDailyFiles()
	c.emitter.Emit(Event{
		Type:  EventCompleted,
		JobID: task.ID,
		Data: CompletionData{
			URL:     task.URL,
			Path:    task.SavePath,
			Hash:    hash,
			Elapsed: elapsed,
		},
		Timestamp: time.Now(),
	})
	return nil
}

func (c *Controller) fail(task storage.DownloadTask, err error) error {
	task.Status = "error"
	c.storage.SaveTask(task)
	c.emitter.Emit(Event{Type: EventFailed, JobID: task.ID, Data: FailureData{Message: friendlyError(err)}, Timestamp: time.Now()})
	return err
}

func (c *Controller) pause(task storage.DownloadTask) error {
	task.Status = "paused"
	c.storage.SaveTask(task)
	c.emitter.Emit(Event{Type: EventInterrupted, JobID: task.ID, Timestamp: time.Now()})
	return nil
}

// Pause cancels a running job's context; its worker pool unwinds and
// persists the sidecar, leaving it resumable.
func (c *Controller) Pause(taskID string) error {
	c.mu.Lock()
	job, ok := c.jobs[taskID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s is not running", taskID)
	}
	job.cancel()
	return nil
}

// Stop cancels a job and marks it canceled rather than paused/resumable.
func (c *Controller) Stop(taskID string) error {
	c.mu.Lock()
	job, ok := c.jobs[taskID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %s is not running", taskID)
	}
	job.cancel()
	task, err := c.storage.GetTask(taskID)
	if err != nil {
		return err
	}
	task.Status = "canceled"
	c.storage.SaveTask(task)
	c.emitter.Emit(Event{Type: EventCanceled, JobID: taskID, Timestamp: time.Now()})
	return nil
}

func (c *Controller) trackProgress(ctx context.Context, task *storage.DownloadTask, sk *sink.Sink, done <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var last int64
	lastTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			now := sk.BytesWritten()
			elapsed := time.Since(lastTime).Seconds()
			var speed float64
			if elapsed > 0 {
				speed = float64(now-last) / elapsed
			}
			last = now
			lastTime = time.Now()

			task.Downloaded = now
			if task.TotalSize > 0 {
				task.Progress = float64(now) / float64(task.TotalSize) * 100
			}
			task.Speed = speed
			c.storage.SaveTask(*task)

			eta := "unknown"
			if speed > 0 && task.TotalSize > now {
				remaining := time.Duration(float64(task.TotalSize-now)/speed) * time.Second
				eta = remaining.String()
			}
			c.emitter.Emit(Event{
				Type:  EventProgress,
				JobID: task.ID,
				Data: ProgressData{
					Downloaded:    now,
					TotalSize:     task.TotalSize,
					Speed:         speed,
					TimeRemaining: eta,
				},
				Timestamp: time.Now(),
			})
		}
	}
}

// buildClient returns an HTTP client routed through socksAddr if set,
// or the Controller's default factory otherwise.
func (c *Controller) buildClient(socksAddr string) (*http.Client, error) {
	factory := c.clientFactory
	if socksAddr != "" {
		factory = httpclient.NewFactory(httpclient.Options{SOCKS5Addr: socksAddr})
	}
	client, err := factory.New()
	if err != nil {
		return nil, fmt.Errorf("build http client: %w", err)
	}
	return client, nil
}

func (c *Controller) openSink(task storage.DownloadTask, probed prober.Result) (*sink.Sink, error) {
	if sk, ok, err := sink.Resume(task.SavePath, task.URL, task.TotalSize, probed.ETag, probed.LastModified); err != nil {
		return nil, err
	} else if ok {
		return sk, nil
	}
	return sink.New(task.SavePath, task.URL, task.TotalSize, probed.ETag, probed.LastModified)
}

func writtenSet(sk *sink.Sink) *interval.Set {
	return interval.NewSet(sk.Written()...)
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Hostname()
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
