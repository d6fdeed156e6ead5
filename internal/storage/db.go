package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Storage wraps the SQLite-backed job database.
type Storage struct {
	DB *gorm.DB
}

// NewStorage opens (and migrates) the database under the user's config
// directory, creating it on first run.
func NewStorage() (*Storage, error) {
	appData, err := os.UserConfigDir()
	if err != nil {
		return nil, fmt.Errorf("resolve config dir: %w", err)
	}
	dataDir := filepath.Join(appData, "Tachyon", "data")
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	return Open(filepath.Join(dataDir, "tachyon.db"))
}

// Open opens the database at the given path, "" and ":memory:" both
// mean an ephemeral in-memory database (used by tests).
func Open(path string) (*Storage, error) {
	if path == "" {
		path = ":memory:"
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")

	if err := db.AutoMigrate(
		&DownloadTask{},
		&DownloadLocation{},
		&DailyStat{},
		&AppSetting{},
		&SpeedTestHistory{},
	); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Storage{DB: db}, nil
}

// Close releases the underlying database handle.
func (s *Storage) Close() error {
	sqlDB, err := s.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Checkpoint forces a WAL checkpoint so on-disk state is durable before
// shutdown.
func (s *Storage) Checkpoint() error {
	return s.DB.Exec("PRAGMA wal_checkpoint(TRUNCATE);").Error
}

// SaveTask inserts or updates a job record.
func (s *Storage) SaveTask(task DownloadTask) error {
	task.UpdatedAt = time.Now().Format(time.RFC3339)
	if task.CreatedAt == "" {
		task.CreatedAt = task.UpdatedAt
	}
	return s.DB.Save(&task).Error
}

// GetTask fetches a job by ID.
func (s *Storage) GetTask(id string) (DownloadTask, error) {
	var task DownloadTask
	err := s.DB.First(&task, "id = ?", id).Error
	return task, err
}

// GetTaskByURL fetches the most recently created job for a URL, if any.
func (s *Storage) GetTaskByURL(url string) (DownloadTask, error) {
	var task DownloadTask
	err := s.DB.Where("url = ?", url).Order("created_at desc").First(&task).Error
	return task, err
}

// GetAllTasks returns every non-deleted job, ordered by queue position
// and, within equal positions, newest first.
func (s *Storage) GetAllTasks() ([]DownloadTask, error) {
	var tasks []DownloadTask
	err := s.DB.Order("queue_order asc, created_at desc").Find(&tasks).Error
	return tasks, err
}

// DeleteTask soft-deletes a job record.
func (s *Storage) DeleteTask(id string) error {
	return s.DB.Delete(&DownloadTask{}, "id = ?", id).Error
}

// IncrementDailyBytes upserts today's byte counter.
func (s *Storage) IncrementDailyBytes(n int64) error {
	return s.upsertDailyStat(func(d *DailyStat) { d.Bytes += n })
}

// IncrementDailyFiles upserts today's completed-file counter.
func (s *Storage) IncrementDailyFiles() error {
	return s.upsertDailyStat(func(d *DailyStat) { d.Files++ })
}

func (s *Storage) upsertDailyStat(mutate func(*DailyStat)) error {
	today := time.Now().Format("2006-01-02")
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var stat DailyStat
		err := tx.First(&stat, "date = ?", today).Error
		if err != nil {
			if err != gorm.ErrRecordNotFound {
				return err
			}
			stat = DailyStat{Date: today}
		}
		mutate(&stat)
		return tx.Save(&stat).Error
	})
}

// GetTotalLifetime sums bytes across every recorded day.
func (s *Storage) GetTotalLifetime() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(bytes), 0)").Row().Scan(&total)
	return total, err
}

// GetTotalFiles sums completed files across every recorded day.
func (s *Storage) GetTotalFiles() (int64, error) {
	var total int64
	err := s.DB.Model(&DailyStat{}).Select("COALESCE(SUM(files), 0)").Row().Scan(&total)
	return total, err
}

// GetDailyHistory returns the last `days` daily stat rows, oldest first.
func (s *Storage) GetDailyHistory(days int) ([]DailyStat, error) {
	var stats []DailyStat
	cutoff := time.Now().AddDate(0, 0, -(days - 1)).Format("2006-01-02")
	err := s.DB.Where("date >= ?", cutoff).Order("date asc").Find(&stats).Error
	return stats, err
}

// AddLocation upserts a saved download-location nickname.
func (s *Storage) AddLocation(path, nickname string) error {
	loc := DownloadLocation{Path: path, Nickname: nickname}
	return s.DB.Save(&loc).Error
}

// GetLocations returns every saved download location.
func (s *Storage) GetLocations() ([]DownloadLocation, error) {
	var locs []DownloadLocation
	err := s.DB.Find(&locs).Error
	return locs, err
}

// GetString reads a single app-setting value.
func (s *Storage) GetString(key string) (string, error) {
	var setting AppSetting
	err := s.DB.First(&setting, "key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return "", nil
	}
	return setting.Value, err
}

// SetString upserts a single app-setting value.
func (s *Storage) SetString(key, value string) error {
	setting := AppSetting{Key: key, Value: value}
	return s.DB.Save(&setting).Error
}

// GetStringList reads a comma-separated app-setting as a slice.
func (s *Storage) GetStringList(key string) ([]string, error) {
	val, err := s.GetString(key)
	if err != nil || val == "" {
		return nil, err
	}
	return strings.Split(val, ","), nil
}

// SetStringList stores a slice as a comma-separated app-setting.
func (s *Storage) SetStringList(key string, values []string) error {
	return s.SetString(key, strings.Join(values, ","))
}

// SaveSpeedTest records a completed speed-test run.
func (s *Storage) SaveSpeedTest(entry SpeedTestHistory) error {
	return s.DB.Create(&entry).Error
}

// GetSpeedTestHistory returns the most recent speed-test runs.
func (s *Storage) GetSpeedTestHistory(limit int) ([]SpeedTestHistory, error) {
	var entries []SpeedTestHistory
	err := s.DB.Order("id desc").Limit(limit).Find(&entries).Error
	return entries, err
}
