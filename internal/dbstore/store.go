package dbstore

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Store batches rotation events and usage samples into the database off the
// hot path, the same shape as the teacher's AsyncRequestLogger
// (core/logger.go): a buffered channel drained by a single worker goroutine,
// flushed on a ticker or when the queue fills, and drained one final time on
// Close.
type Store struct {
	db        *gorm.DB
	logger    *logrus.Logger
	eventChan chan *RotationEvent
	wg        sync.WaitGroup
	quit      chan struct{}
}

func New(db *gorm.DB, logger *logrus.Logger) (*Store, error) {
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	s := &Store{
		db:        db,
		logger:    logger,
		eventChan: make(chan *RotationEvent, 256),
		quit:      make(chan struct{}),
	}
	s.wg.Add(1)
	go s.worker()
	return s, nil
}

// RecordRotation queues a rotation event for persistence. Never blocks the
// caller: a full queue drops the event with a warning, same policy as the
// teacher's Log() method.
func (s *Store) RecordRotation(from, to int, reason string, succeeded bool, detail string) {
	evt := &RotationEvent{
		FromIndex: from,
		ToIndex:   to,
		Reason:    reason,
		Succeeded: succeeded,
		Detail:    detail,
	}
	select {
	case s.eventChan <- evt:
	default:
		s.logger.Warn("rotation event queue full, dropping event")
	}
}

func (s *Store) worker() {
	defer s.wg.Done()
	var batch []*RotationEvent
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case evt := <-s.eventChan:
			batch = append(batch, evt)
			if len(batch) >= 50 {
				s.flush(batch)
				batch = nil
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = nil
			}
		case <-s.quit:
			for len(s.eventChan) > 0 {
				batch = append(batch, <-s.eventChan)
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *Store) flush(events []*RotationEvent) {
	if err := s.db.CreateInBatches(events, len(events)).Error; err != nil {
		s.logger.Errorf("failed to flush rotation events: %v", err)
	}
}

// RecentRotations returns the most recent rotation events, newest first, for
// the status endpoint.
func (s *Store) RecentRotations(limit int) ([]RotationEvent, error) {
	var events []RotationEvent
	err := s.db.Order("id desc").Limit(limit).Find(&events).Error
	return events, err
}

// SampleUsage records a usage/failure snapshot for a credential.
func (s *Store) SampleUsage(index, usage, failures int) {
	sample := UsageSample{
		CredentialIndex: index,
		SampledAt:       time.Now(),
		UsageCount:      usage,
		FailureCount:    failures,
	}
	if err := s.db.Create(&sample).Error; err != nil {
		s.logger.Warnf("failed to record usage sample: %v", err)
	}
}

func (s *Store) Close() {
	close(s.quit)
	s.wg.Wait()
	close(s.eventChan)
}
