package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/common"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// MetricStorage implements the MetricStorage interface for Badger
type MetricStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewMetricStorage creates a new MetricStorage instance
func NewMetricStorage(db *BadgerDB, logger arbor.ILogger) interfaces.MetricStorage {
	return &MetricStorage{
		db:     db,
		logger: logger,
	}
}

func (s *MetricStorage) RecordSample(ctx context.Context, sample *models.MetricSample) error {
	if sample.ID == 0 {
		sample.ID = common.NextID()
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now()
	}
	if err := s.db.Store().Insert(sample.ID, sample); err != nil {
		return fmt.Errorf("%w: failed to record metric sample: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *MetricStorage) RecentSamples(ctx context.Context, jobID int64, limit int) ([]*models.MetricSample, error) {
	var samples []models.MetricSample
	if err := s.db.Store().Find(&samples, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return nil, fmt.Errorf("%w: failed to load metric samples: %v", interfaces.ErrStoreUnavailable, err)
	}

	sort.Slice(samples, func(i, j int) bool {
		return samples[i].Timestamp.After(samples[j].Timestamp)
	})
	if limit > 0 && len(samples) > limit {
		samples = samples[:limit]
	}

	result := make([]*models.MetricSample, len(samples))
	for i := range samples {
		result[i] = &samples[i]
	}
	return result, nil
}

func (s *MetricStorage) DeleteJobSamples(ctx context.Context, jobID int64) error {
	if err := s.db.Store().DeleteMatching(&models.MetricSample{}, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return fmt.Errorf("%w: failed to delete metric samples: %v", interfaces.ErrStoreUnavailable, err)
	}
	return nil
}
