// Package store persists monitor samples and warnings to SQLite so that
// `status`, the history API and post-mortems can look back past the
// current process lifetime.
package store

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/vesaa/ollamaguard/internal/models"
	"github.com/vesaa/ollamaguard/internal/monitor"
)

// Store wraps the GORM handle. It implements monitor.History.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if needed) the SQLite database and migrates the
// schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.AutoMigrate(&models.SampleRecord{}, &models.WarningRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveSample flattens and stores one sample.
func (s *Store) SaveSample(m *monitor.Sample) error {
	rec := models.SampleRecord{
		CollectedAt:     m.CollectedAt,
		CPUPercent:      m.CPUPercent,
		MemoryPercent:   m.MemoryPercent,
		MemoryUsedBytes: m.MemoryUsedBytes,
		DiskPercent:     m.DiskPercent,
		CPUTempC:        m.CPUTempC,
		ProcCPUPercent:  m.ProcCPUPercent,
		ProcMemoryBytes: m.ProcMemoryBytes,
		ProcGPUMemoryMB: m.ProcGPUMemoryMB,
	}
	if m.GPU != nil {
		rec.GPUName = m.GPU.Name
		rec.GPUMemoryTotalMB = m.GPU.MemoryTotalMB
		rec.GPUMemoryUsedMB = m.GPU.MemoryUsedMB
		rec.GPUTemperatureC = m.GPU.TemperatureC
		rec.GPUPowerWatts = m.GPU.PowerWatts
	}
	if m.Battery != nil {
		pct, charging := m.Battery.Percent, m.Battery.Charging
		rec.BatteryPercent = &pct
		rec.BatteryCharging = &charging
	}
	if m.Network != nil {
		sent, recv := m.Network.SentMbps, m.Network.RecvMbps
		rec.NetworkSentMbps = &sent
		rec.NetworkRecvMbps = &recv
	}
	return s.db.Create(&rec).Error
}

// SaveWarnings stores a warning batch.
func (s *Store) SaveWarnings(events []monitor.WarningEvent) error {
	recs := make([]models.WarningRecord, 0, len(events))
	for _, e := range events {
		recs = append(recs, models.WarningRecord{
			Metric:    e.Metric,
			Observed:  e.Observed,
			Threshold: e.Threshold,
			At:        e.At,
		})
	}
	if len(recs) == 0 {
		return nil
	}
	return s.db.Create(&recs).Error
}

// RecentSamples returns up to limit samples, newest first.
func (s *Store) RecentSamples(limit int) ([]models.SampleRecord, error) {
	var recs []models.SampleRecord
	err := s.db.Order("collected_at desc").Limit(limit).Find(&recs).Error
	return recs, err
}

// RecentWarnings returns up to limit warnings, newest first.
func (s *Store) RecentWarnings(limit int) ([]models.WarningRecord, error) {
	var recs []models.WarningRecord
	err := s.db.Order("at desc").Limit(limit).Find(&recs).Error
	return recs, err
}

// Prune keeps only the newest keep samples; warning records are small and
// left alone.
func (s *Store) Prune(keep int) error {
	var rows []models.SampleRecord
	if err := s.db.Order("collected_at desc").Offset(keep).Limit(1).Find(&rows).Error; err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil // nothing past the cap yet
	}
	return s.db.Unscoped().
		Where("collected_at <= ?", rows[0].CollectedAt).
		Delete(&models.SampleRecord{}).Error
}
