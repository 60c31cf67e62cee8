package database

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// TelemetryRepository stores stats snapshots and message traces
type TelemetryRepository struct {
	db *gorm.DB
}

// NewTelemetryRepository creates a new repository instance
func NewTelemetryRepository(db *gorm.DB) *TelemetryRepository {
	return &TelemetryRepository{db: db}
}

// SaveSnapshot inserts a stats snapshot
func (r *TelemetryRepository) SaveSnapshot(s *StatsSnapshot) error {
	if s == nil {
		return fmt.Errorf("snapshot cannot be nil")
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	return r.db.Create(s).Error
}

// LatestSnapshot returns the most recent snapshot
func (r *TelemetryRepository) LatestSnapshot() (*StatsSnapshot, error) {
	var s StatsSnapshot
	err := r.db.Order("created_at DESC").Order("id DESC").First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SnapshotsSince returns snapshots taken after since, oldest first
func (r *TelemetryRepository) SnapshotsSince(since time.Time, limit int) ([]StatsSnapshot, error) {
	var snaps []StatsSnapshot
	err := r.db.Where("created_at > ?", since).
		Order("created_at ASC").
		Limit(limit).
		Find(&snaps).Error
	return snaps, err
}

// InsertTraces stores a batch of trace records in one transaction
func (r *TelemetryRepository) InsertTraces(records []TraceRecord) error {
	if len(records) == 0 {
		return nil
	}

	valid := make([]TraceRecord, 0, len(records))
	for _, rec := range records {
		if rec.IsValid() {
			valid = append(valid, rec)
		}
	}
	if len(valid) == 0 {
		return nil
	}

	const batchSize = 500
	if err := r.db.CreateInBatches(valid, batchSize).Error; err != nil {
		return fmt.Errorf("trace insert failed: %w", err)
	}
	return nil
}

// RecentTraces returns the newest traces, newest first
func (r *TelemetryRepository) RecentTraces(limit int) ([]TraceRecord, error) {
	var records []TraceRecord
	err := r.db.Order("id DESC").Limit(limit).Find(&records).Error
	return records, err
}

// TracesForID returns the newest traces carrying a CAN identifier
func (r *TelemetryRepository) TracesForID(canID uint32, limit int) ([]TraceRecord, error) {
	var records []TraceRecord
	err := r.db.Where("can_id = ?", canID).
		Order("id DESC").
		Limit(limit).
		Find(&records).Error
	return records, err
}

// CountTraces returns the number of stored traces
func (r *TelemetryRepository) CountTraces() (int64, error) {
	var count int64
	err := r.db.Model(&TraceRecord{}).Count(&count).Error
	return count, err
}

// PruneBefore deletes snapshots and traces older than cutoff
func (r *TelemetryRepository) PruneBefore(cutoff time.Time) (int64, error) {
	var removed int64
	err := r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("created_at < ?", cutoff).Delete(&StatsSnapshot{})
		if res.Error != nil {
			return res.Error
		}
		removed += res.RowsAffected

		res = tx.Where("created_at < ?", cutoff).Delete(&TraceRecord{})
		if res.Error != nil {
			return res.Error
		}
		removed += res.RowsAffected
		return nil
	})
	return removed, err
}

// GetStatistics returns basic database statistics
func (r *TelemetryRepository) GetStatistics() (map[string]interface{}, error) {
	stats := make(map[string]interface{})

	traces, err := r.CountTraces()
	if err != nil {
		return nil, err
	}
	stats["total_traces"] = traces

	var snapshots int64
	if err := r.db.Model(&StatsSnapshot{}).Count(&snapshots).Error; err != nil {
		return nil, err
	}
	stats["total_snapshots"] = snapshots

	latest, err := r.LatestSnapshot()
	if err != nil && err != gorm.ErrRecordNotFound {
		return nil, err
	}
	if latest != nil {
		stats["last_snapshot"] = latest.CreatedAt
		stats["total_lost"] = latest.LossTotal()
	}

	// Busiest identifiers (top 10)
	var idStats []struct {
		CANID uint32 `json:"can_id"`
		Count int    `json:"count"`
	}
	err = r.db.Model(&TraceRecord{}).
		Select("can_id, COUNT(*) as count").
		Group("can_id").
		Order("count DESC").
		Limit(10).
		Find(&idStats).Error
	if err != nil {
		return nil, err
	}
	stats["top_ids"] = idStats

	return stats, nil
}

// HealthCheck verifies the repository is working correctly
func (r *TelemetryRepository) HealthCheck() error {
	var count int64
	return r.db.Model(&StatsSnapshot{}).Count(&count).Error
}
