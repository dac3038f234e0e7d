package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/keywatch/internal/common"
	"github.com/ternarybob/keywatch/internal/interfaces"
	"github.com/ternarybob/keywatch/internal/models"
)

// Manager holds the four priority FIFO queues on the ephemeral store.
// Entries live under ordered keys "job_queue:{priority}:{seq}", so an
// ascending prefix scan yields FIFO order within each priority.
type Manager struct {
	db     *badger.DB
	store  interfaces.EphemeralStore
	logger arbor.ILogger

	// mu serializes dequeue/remove so two workers never claim one entry
	mu sync.Mutex
}

// NewManager creates a queue manager over the ephemeral store
func NewManager(store interfaces.EphemeralStore, logger arbor.ILogger) *Manager {
	return &Manager{
		db:     store.DB(),
		store:  store,
		logger: logger,
	}
}

func queueKey(priority models.JobPriority, seq int64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", interfaces.KeyJobQueue, priority, seq))
}

func queuePrefix(priority models.JobPriority) []byte {
	return []byte(fmt.Sprintf("%s%s:", interfaces.KeyJobQueue, priority))
}

// Enqueue appends an entry to the tail of its priority queue. A positive
// delay on the entry keeps it invisible to workers until ScheduledFor.
func (m *Manager) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	if !models.ValidPriority(entry.Priority) {
		return fmt.Errorf("unknown priority %q", entry.Priority)
	}
	data, err := entry.ToJSON()
	if err != nil {
		return err
	}

	err = m.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queueKey(entry.Priority, common.NextID()), data)
	})
	if err != nil {
		return fmt.Errorf("%w: failed to enqueue job %d: %v", interfaces.ErrStoreUnavailable, entry.JobID, err)
	}

	if err := m.store.AddCounter(ctx, interfaces.KeyQueueStats, "enqueued:"+string(entry.Priority), 1, interfaces.TTLQueueStats); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to bump enqueue counter")
	}

	m.logger.Debug().
		Int64("job_id", entry.JobID).
		Str("priority", string(entry.Priority)).
		Int("retry_count", entry.RetryCount).
		Msg("Enqueued job")
	return nil
}

// Dequeue pops the head of the highest non-empty priority queue. Entries
// whose ScheduledFor is still in the future rotate to the tail of their
// queue so ready entries behind them are not starved. Returns ErrQueueEmpty
// when nothing is ready.
func (m *Manager) Dequeue(ctx context.Context) (*models.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var result *models.QueueEntry

	err := m.db.Update(func(txn *badger.Txn) error {
		for _, priority := range models.PriorityOrder {
			prefix := queuePrefix(priority)
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			it := txn.NewIterator(opts)

			type rotation struct {
				key  []byte
				data []byte
			}
			var rotate []rotation

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()
				data, err := item.ValueCopy(nil)
				if err != nil {
					it.Close()
					return err
				}
				entry, err := models.QueueEntryFromJSON(data)
				if err != nil {
					// Corrupt entry; drop it rather than wedging the queue.
					m.logger.Warn().Str("key", string(item.Key())).Err(err).Msg("Dropping undecodable queue entry")
					key := item.KeyCopy(nil)
					it.Close()
					return txn.Delete(key)
				}
				if !entry.Ready(now) {
					rotate = append(rotate, rotation{key: item.KeyCopy(nil), data: data})
					continue
				}
				key := item.KeyCopy(nil)
				it.Close()
				if err := txn.Delete(key); err != nil {
					return err
				}
				result = entry
				return nil
			}
			it.Close()

			// Everything in this priority was delayed; move the skipped
			// entries to the tail to preserve arrival order among them.
			for _, r := range rotate {
				if err := txn.Delete(r.key); err != nil {
					return err
				}
				if err := txn.Set(queueKey(priority, common.NextID()), r.data); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dequeue failed: %v", interfaces.ErrStoreUnavailable, err)
	}
	if result == nil {
		return nil, interfaces.ErrQueueEmpty
	}

	if err := m.store.AddCounter(ctx, interfaces.KeyQueueStats, "dequeued:"+string(result.Priority), 1, interfaces.TTLQueueStats); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to bump dequeue counter")
	}
	return result, nil
}

// Remove deletes a job's entry from whichever queue holds it. Returns true
// when an entry was found and removed.
func (m *Manager) Remove(ctx context.Context, jobID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := false
	err := m.db.Update(func(txn *badger.Txn) error {
		for _, priority := range models.PriorityOrder {
			prefix := queuePrefix(priority)
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			it := txn.NewIterator(opts)

			var target []byte
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				item := it.Item()
				data, err := item.ValueCopy(nil)
				if err != nil {
					it.Close()
					return err
				}
				entry, err := models.QueueEntryFromJSON(data)
				if err != nil {
					continue
				}
				if entry.JobID == jobID {
					target = item.KeyCopy(nil)
					break
				}
			}
			it.Close()

			if target != nil {
				if err := txn.Delete(target); err != nil {
					return err
				}
				removed = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: failed to remove job %d from queue: %v", interfaces.ErrStoreUnavailable, jobID, err)
	}
	return removed, nil
}

// Position returns the 1-based position of a job within its priority queue,
// or -1 when the job is not queued.
func (m *Manager) Position(ctx context.Context, jobID int64) (int, error) {
	position := -1
	err := m.db.View(func(txn *badger.Txn) error {
		for _, priority := range models.PriorityOrder {
			prefix := queuePrefix(priority)
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			it := txn.NewIterator(opts)

			index := 0
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				index++
				data, err := it.Item().ValueCopy(nil)
				if err != nil {
					it.Close()
					return err
				}
				entry, err := models.QueueEntryFromJSON(data)
				if err != nil {
					continue
				}
				if entry.JobID == jobID {
					position = index
					it.Close()
					return nil
				}
			}
			it.Close()
		}
		return nil
	})
	if err != nil {
		return -1, fmt.Errorf("%w: failed to locate job %d: %v", interfaces.ErrStoreUnavailable, jobID, err)
	}
	return position, nil
}

// Length returns the number of entries in one priority queue
func (m *Manager) Length(ctx context.Context, priority models.JobPriority) (int, error) {
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := queuePrefix(priority)
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: failed to measure queue %s: %v", interfaces.ErrStoreUnavailable, priority, err)
	}
	return count, nil
}

// Stats reports per-priority depth plus cumulative enqueue/dequeue counters
func (m *Manager) Stats(ctx context.Context) (*models.QueueStats, error) {
	stats := &models.QueueStats{
		Lengths:  make(map[models.JobPriority]int),
		Enqueued: make(map[models.JobPriority]int64),
		Dequeued: make(map[models.JobPriority]int64),
	}

	for _, priority := range models.PriorityOrder {
		length, err := m.Length(ctx, priority)
		if err != nil {
			return nil, err
		}
		stats.Lengths[priority] = length
		stats.Total += length
	}

	counters, err := m.store.GetCounters(ctx, interfaces.KeyQueueStats)
	if err != nil {
		return nil, err
	}
	for _, priority := range models.PriorityOrder {
		stats.Enqueued[priority] = counters["enqueued:"+string(priority)]
		stats.Dequeued[priority] = counters["dequeued:"+string(priority)]
	}
	return stats, nil
}
