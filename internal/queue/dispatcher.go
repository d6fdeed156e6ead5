package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"tachyon/internal/storage"
)

// ExecuteFunc runs one job to completion; the Dispatcher doesn't know
// about the Job Controller's type, only that it can run a job by ID.
type ExecuteFunc func(ctx context.Context, taskID string) error

// QuietHours configures a daily window during which the Dispatcher
// stops pulling new jobs off the queue. It doesn't touch jobs already
// running — "at most one job fetching" is a separate constraint.
type QuietHours struct {
	Enabled   bool
	StartHour int // 0-23, intake pauses at this hour
	StopHour  int // 0-23, intake resumes at this hour
}

// Dispatcher pulls the next schedule-eligible job off the queue and
// runs it, one at a time.
type Dispatcher struct {
	logger  *slog.Logger
	queue   *DownloadQueue
	storage *storage.Storage
	execute ExecuteFunc

	cron       *cron.Cron
	startEntry cron.EntryID
	stopEntry  cron.EntryID

	mu           sync.Mutex
	intakePaused bool
	quietHours   QuietHours
}

func NewDispatcher(logger *slog.Logger, queue *DownloadQueue, st *storage.Storage, execute ExecuteFunc) *Dispatcher {
	return &Dispatcher{
		logger:  logger,
		queue:   queue,
		storage: st,
		execute: execute,
		cron:    cron.New(),
	}
}

// Run dequeues and executes jobs one at a time until ctx is canceled.
// "At most one job fetching" is enforced simply by not looping ahead
// to the next task until execute returns.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		task := d.nextEligibleTask()
		if task == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
				continue
			}
		}

		if err := d.execute(ctx, task.ID); err != nil {
			d.logger.Warn("job execution returned an error", "job", task.ID, "error", err)
		}
	}
}

// nextEligibleTask pops the first queued task whose scheduled start
// time (if any) has arrived, or nil if intake is paused, the queue is
// empty, or every queued task is scheduled for later.
func (d *Dispatcher) nextEligibleTask() *storage.DownloadTask {
	d.mu.Lock()
	paused := d.intakePaused
	d.mu.Unlock()
	if paused {
		return nil
	}

	for _, task := range d.queue.GetAll() {
		if task.StartTime != "" {
			startAt, err := time.Parse(time.RFC3339, task.StartTime)
			if err == nil && time.Now().Before(startAt) {
				continue
			}
		}
		if d.queue.Remove(task.ID) {
			return task
		}
	}
	return nil
}

// PauseIntake stops the Dispatcher from pulling new jobs; running jobs
// are unaffected.
func (d *Dispatcher) PauseIntake() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.intakePaused = true
}

// ResumeIntake re-enables dequeuing.
func (d *Dispatcher) ResumeIntake() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.intakePaused = false
}

// SetQuietHours installs (or clears) the daily intake-pause window.
func (d *Dispatcher) SetQuietHours(cfg QuietHours) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.startEntry != 0 {
		d.cron.Remove(d.startEntry)
		d.startEntry = 0
	}
	if d.stopEntry != 0 {
		d.cron.Remove(d.stopEntry)
		d.stopEntry = 0
	}
	d.quietHours = cfg

	if !cfg.Enabled {
		return nil
	}

	stopID, err := d.cron.AddFunc(specFromHour(cfg.StartHour), d.PauseIntake)
	if err != nil {
		return fmt.Errorf("schedule quiet-hours start: %w", err)
	}
	startID, err := d.cron.AddFunc(specFromHour(cfg.StopHour), d.ResumeIntake)
	if err != nil {
		return fmt.Errorf("schedule quiet-hours stop: %w", err)
	}
	d.stopEntry = stopID
	d.startEntry = startID
	return nil
}

// Start begins the cron scheduler (quiet hours only take effect once
// this is running).
func (d *Dispatcher) Start() {
	d.cron.Start()
}

// Stop halts the cron scheduler.
func (d *Dispatcher) Stop() {
	d.cron.Stop()
}

func specFromHour(hour int) string {
	return fmt.Sprintf("0 %d * * *", hour)
}
