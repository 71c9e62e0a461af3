// Package runqueue implements the RunQueue component: materializing a
// scheduled TaskRequest into a pending TaskToRun row, streaming
// dimension-matching candidates to polling bots in
// (priority, created_ts) order, atomically claiming a row for a bot, and
// sweeping expired rows.
package runqueue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"

	"github.com/madecoste/swarming/internal/model"
	"github.com/madecoste/swarming/internal/scherr"
)

var bucketQueue = []byte("task_to_run") // queue_number (big-endian) -> TaskToRun

// Queue is the RunQueue component.
type Queue struct {
	db *bbolt.DB

	yielded metric.Int64Counter
	claimed metric.Int64Counter
	expired metric.Int64Counter
}

// Open creates or opens the bbolt database at path.
func Open(path string, meter metric.Meter) (*Queue, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("runqueue: open: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketQueue)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("runqueue: init bucket: %w", err)
	}
	yielded, _ := meter.Int64Counter("swarm_runqueue_yielded_total")
	claimed, _ := meter.Int64Counter("swarm_runqueue_claimed_total")
	expired, _ := meter.Int64Counter("swarm_runqueue_expired_total")
	return &Queue{db: db, yielded: yielded, claimed: claimed, expired: expired}, nil
}

// Close releases the underlying database handle.
func (q *Queue) Close() error { return q.db.Close() }

// QueueNumber composites priority (lower sorts first, i.e. runs sooner)
// and creation time (earlier sorts first within the same priority) into
// the single ordering key the queue's bucket is keyed by.
func QueueNumber(priority int, createdTS time.Time) int64 {
	return int64(priority)<<55 | (createdTS.UnixNano() >> 8 & 0x007fffffffffffff)
}

func queueKey(n int64) []byte {
	buf := make([]byte, 8)
	// Flip the sign bit so bbolt's byte-lexicographic cursor order
	// matches signed numeric order (queue numbers are always
	// non-negative in practice, but this keeps the key space correct if
	// that ever changes).
	binary.BigEndian.PutUint64(buf, uint64(n)^(1<<63))
	return buf
}

// Push materializes a newly scheduled TaskRequest as a pending
// TaskToRun.
func (q *Queue) Push(ctx context.Context, t model.TaskToRun) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	err = q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).Put(queueKey(t.QueueNumber), data)
	})
	return err
}

// Next returns the highest-priority, oldest, unclaimed, unexpired
// TaskToRun whose dimensions are satisfied by botDimensions — a bot
// matches a task iff every (key, value) pair the task requires appears
// in the bot's key-to-set-of-values mapping (a bot may advertise more
// than one accepted value per dimension key, e.g. os:["Win","Win-3.1.1"]) —
// scanning in queue_number order. This is the streaming matcher spec §4.3
// calls yield_next_available. A TaskToRun carrying ExcludedBotID is never
// yielded to that bot id, enforcing the same-bot-denial invariant on a
// bot-died retry. It returns ok=false if nothing matches.
func (q *Queue) Next(ctx context.Context, botID string, botDimensions map[string][]string, now time.Time) (t model.TaskToRun, ok bool, err error) {
	err = q.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketQueue).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var candidate model.TaskToRun
			if uerr := json.Unmarshal(v, &candidate); uerr != nil {
				return uerr
			}
			if candidate.Claimed {
				continue
			}
			if now.After(candidate.ExpirationTS) {
				continue
			}
			if candidate.ExcludedBotID != "" && candidate.ExcludedBotID == botID {
				continue
			}
			if !matches(candidate.Dimensions, botDimensions) {
				continue
			}
			t = candidate
			ok = true
			return nil
		}
		return nil
	})
	if err == nil && ok {
		q.yielded.Add(ctx, 1)
	}
	return t, ok, err
}

func matches(required map[string]string, have map[string][]string) bool {
	for k, v := range required {
		if !contains(have[k], v) {
			return false
		}
	}
	return true
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// Claim atomically transitions a TaskToRun to claimed, failing with
// ErrConflict if it was already claimed, expired, or no longer present
// (another bot won the race, or it was reaped/expired concurrently).
func (q *Queue) Claim(ctx context.Context, id string, queueNumber int64, now time.Time) error {
	key := queueKey(queueNumber)
	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		data := b.Get(key)
		if data == nil {
			return scherr.ErrConflict
		}
		var t model.TaskToRun
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if t.ID != id || t.Claimed || now.After(t.ExpirationTS) {
			return scherr.ErrConflict
		}
		t.Claimed = true
		encoded, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put(key, encoded)
	})
	if err == nil {
		q.claimed.Add(ctx, 1)
	}
	return err
}

// Remove deletes a TaskToRun row outright. Scheduler calls it only when
// cancelling a pending task; a claimed row is not removed when its
// RunResult resolves and stays in the bucket, skipped by Next and
// ExpireDue.
func (q *Queue) Remove(queueNumber int64) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketQueue).Delete(queueKey(queueNumber))
	})
}

// ExpireDue scans for unclaimed rows past their expiration and removes
// them, returning the expired TaskToRun rows — the sweep
// cron_abort_expired_task_to_run drives.
func (q *Queue) ExpireDue(ctx context.Context, now time.Time) ([]model.TaskToRun, error) {
	var expired []model.TaskToRun
	err := q.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		c := b.Cursor()
		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t model.TaskToRun
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if t.Claimed {
				continue
			}
			if now.After(t.ExpirationTS) {
				expired = append(expired, t)
				toDelete = append(toDelete, bytes.Clone(k))
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		q.expired.Add(ctx, int64(len(expired)))
	}
	return expired, err
}
