// Package resulttracker implements the ResultTracker component:
// ResultSummary/RunResult persistence and state transitions, and
// chunked stdout/stderr assembly with gap tracking for out-of-order or
// sparse writes, grounded on
// appengine/swarming/server/task_result_test.py.
package resulttracker

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"

	"github.com/madecoste/swarming/internal/model"
	"github.com/madecoste/swarming/internal/scherr"
)

var (
	bucketSummaries = []byte("result_summaries")
	bucketRuns      = []byte("run_results")
	bucketChunks    = []byte("task_output_chunks")
)

// Tracker is the ResultTracker component.
type Tracker struct {
	db         *bbolt.DB
	chunkSize  int
	outputByte metric.Int64Counter
}

// Open creates or opens the bbolt database at path. chunkSize bounds how
// many bytes of a run's output live in a single TaskOutputChunk row,
// mirroring the original CHUNK_SIZE constant.
func Open(path string, chunkSize int, meter metric.Meter) (*Tracker, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("resulttracker: open: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketSummaries, bucketRuns, bucketChunks} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("resulttracker: init buckets: %w", err)
	}
	outputByte, _ := meter.Int64Counter("swarm_resulttracker_output_bytes_total")
	return &Tracker{db: db, chunkSize: chunkSize, outputByte: outputByte}, nil
}

// Close releases the underlying database handle.
func (t *Tracker) Close() error { return t.db.Close() }

// PutSummary persists a ResultSummary, creating or overwriting it
// wholesale (callers read-modify-write under their own transactional
// retry, e.g. Scheduler's bounded conflict retry).
func (t *Tracker) PutSummary(s model.ResultSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return t.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSummaries).Put([]byte(s.ID), data)
	})
}

// GetSummary loads a ResultSummary by id.
func (t *Tracker) GetSummary(id string) (*model.ResultSummary, error) {
	var s model.ResultSummary
	found := false
	err := t.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSummaries).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &s)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: result summary %s", scherr.ErrNotFound, id)
	}
	return &s, nil
}

// PutRun persists a RunResult.
func (t *Tracker) PutRun(r model.RunResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return t.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(r.ID), data)
	})
}

// GetRun loads a RunResult by id.
func (t *Tracker) GetRun(id string) (*model.RunResult, error) {
	var r model.RunResult
	found := false
	err := t.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRuns).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: run result %s", scherr.ErrNotFound, id)
	}
	return &r, nil
}

// SetFromRunResult projects a RunResult's state onto its owning
// ResultSummary, the way task_result_test.py's test_set_from_run_result
// expects TaskResultSummary.set_from_run_result to behave: state/bot/
// timestamps/exit_codes/durations/failure copy across, and a RunResult
// whose server_versions introduces a build the summary hasn't recorded
// yet appends it (deduped, sorted) rather than replacing the list — see
// test_set_from_run_result_two_server_versions.
func (t *Tracker) SetFromRunResult(summary model.ResultSummary, run model.RunResult) model.ResultSummary {
	summary.State = run.State
	summary.TryNumber = run.TryNumber
	summary.BotID = run.BotID
	summary.StartedTS = run.StartedTS
	summary.CompletedTS = run.CompletedTS
	summary.AbandonedTS = run.AbandonedTS
	summary.ExitCodes = run.ExitCodes
	summary.Durations = run.Durations
	summary.Failure = run.Failure
	summary.InternalFailure = run.InternalFailure
	summary.CostsUSD = appendCost(summary.CostsUSD, run.TryNumber, run.CostUSD)
	summary.ServerVersions = mergeServerVersions(summary.ServerVersions, run.ServerVersions)
	return summary
}

// appendCost records a run's cost in its try_number's slot (costs_usd
// holds one entry per attempt), so projecting the same attempt again
// overwrites its entry instead of adding another.
func appendCost(costs []float64, tryNumber int, cost float64) []float64 {
	if tryNumber < 1 {
		return costs
	}
	out := append([]float64(nil), costs...)
	for len(out) < tryNumber {
		out = append(out, 0)
	}
	out[tryNumber-1] = cost
	return out
}

func mergeServerVersions(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, v := range existing {
		seen[v] = true
	}
	merged := existing
	for _, v := range incoming {
		if !seen[v] {
			seen[v] = true
			merged = append(merged, v)
		}
	}
	return sortedUnique(merged)
}

func sortedUnique(versions []string) []string {
	// Small N in practice (at most two server builds observed per run),
	// so a simple insertion sort over a copy is enough. Callers pass an
	// already-deduplicated list; this only sorts.
	out := append([]string(nil), versions...)
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j-1] > out[j]; j-- {
			out[j-1], out[j] = out[j], out[j-1]
		}
	}
	return out
}

// ListByName returns every ResultSummary created with the given request
// name, most-recently-created first. A linear bucket scan is acceptable
// at this engine's target scale; a deployment indexing a very large
// number of summaries by name would want a secondary name index bucket
// instead.
func (t *Tracker) ListByName(ctx context.Context, name string) ([]*model.ResultSummary, error) {
	var out []*model.ResultSummary
	err := t.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketSummaries).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var s model.ResultSummary
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			if s.Name == name {
				out = append(out, &s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedTS.After(out[j].CreatedTS) })
	return out, nil
}

// StaleRunIDs returns the ids of every non-final RunResult whose last
// ping is older than tolerance, as of now — the candidate set
// cron_handle_bot_died sweeps, the Go analogue of
// task_result_test.py's test_yield_run_result_keys_with_dead_bot.
// Scanning the whole bucket is acceptable at the scale this engine
// targets; a deployment with a very large number of concurrently
// running tasks would want a secondary last-ping-ordered index instead.
func (t *Tracker) StaleRunIDs(ctx context.Context, tolerance time.Duration, now time.Time) []string {
	var ids []string
	cutoff := now.Add(-tolerance)
	_ = t.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r model.RunResult
			if err := json.Unmarshal(v, &r); err != nil {
				continue
			}
			if r.State.IsFinal() {
				continue
			}
			if r.LastPingTS.Before(cutoff) {
				ids = append(ids, r.ID)
			}
		}
		return nil
	})
	return ids
}

// chunkKey packs (runResultID, commandIndex, chunkIndex) into a
// lexicographically sortable bucket key so a future range-scan (e.g.
// "all chunks for this run's command") is a cheap bbolt cursor prefix
// walk. Each command gets its own independent chunk_index sequence,
// since TaskProperties.Commands now names an ordered list of argv
// vectors rather than a single command.
func chunkKey(runResultID string, commandIndex, chunkIndex int) []byte {
	key := make([]byte, len(runResultID)+1+4+4)
	copy(key, runResultID)
	key[len(runResultID)] = '\x00'
	binary.BigEndian.PutUint32(key[len(runResultID)+1:], uint32(commandIndex))
	binary.BigEndian.PutUint32(key[len(runResultID)+5:], uint32(chunkIndex))
	return key
}

// AppendOutput writes data at byte offset within one command's overall
// output stream, splitting across TaskOutputChunk rows of t.chunkSize
// bytes and merging gaps within each affected chunk. putMaxContent, when
// positive, bounds the total bytes a single command's output may ever
// accumulate — spec §6's PUT_MAX_CONTENT — with writes beyond it dropped
// (or truncated to the boundary) with a warning rather than an error,
// per spec §3's TaskOutputChunk invariant. A zero or negative
// putMaxContent means no limit is enforced.
func (t *Tracker) AppendOutput(ctx context.Context, runResultID string, commandIndex, offset int, data []byte, putMaxContent int) error {
	if len(data) == 0 {
		return nil
	}
	if putMaxContent > 0 {
		if offset >= putMaxContent {
			slog.Warn("output write beyond PUT_MAX_CONTENT dropped",
				"run_result_id", runResultID, "command_index", commandIndex, "offset", offset, "put_max_content", putMaxContent)
			return nil
		}
		if offset+len(data) > putMaxContent {
			slog.Warn("output write truncated at PUT_MAX_CONTENT",
				"run_result_id", runResultID, "command_index", commandIndex, "offset", offset, "put_max_content", putMaxContent)
			data = data[:putMaxContent-offset]
		}
	}
	err := t.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		pos := offset
		remaining := data
		for len(remaining) > 0 {
			chunkIndex := pos / t.chunkSize
			chunkStart := chunkIndex * t.chunkSize
			localOffset := pos - chunkStart
			room := t.chunkSize - localOffset
			n := len(remaining)
			if n > room {
				n = room
			}
			slice := remaining[:n]

			key := chunkKey(runResultID, commandIndex, chunkIndex)
			var chunk model.TaskOutputChunk
			if existing := b.Get(key); existing != nil {
				if err := json.Unmarshal(existing, &chunk); err != nil {
					return err
				}
			} else {
				chunk = model.TaskOutputChunk{RunResultID: runResultID, CommandIndex: commandIndex, ChunkIndex: chunkIndex}
			}
			chunk.Data, chunk.Gaps = mergeWrite(chunk.Data, chunk.Gaps, localOffset, slice)

			encoded, err := json.Marshal(chunk)
			if err != nil {
				return err
			}
			if err := b.Put(key, encoded); err != nil {
				return err
			}

			pos += n
			remaining = remaining[n:]
		}
		return nil
	})
	if err == nil {
		t.outputByte.Add(ctx, int64(len(data)))
	}
	return err
}

// GetOutput reassembles one command's output from offset for at most
// length bytes, zero-filling any gaps — callers see sparse writes
// exactly as spec §3's TaskOutputChunk invariant promises (a gap reads
// back as zero bytes, never an error or a short read). fetchMaxContent,
// when positive, caps the bytes returned independent of the
// caller-requested length — spec §6's FETCH_MAX_CONTENT.
func (t *Tracker) GetOutput(runResultID string, commandIndex, offset, length int, fetchMaxContent int) ([]byte, error) {
	if fetchMaxContent > 0 && length > fetchMaxContent {
		length = fetchMaxContent
	}
	out := make([]byte, 0, length)
	remaining := length
	pos := offset
	err := t.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChunks)
		for remaining > 0 {
			chunkIndex := pos / t.chunkSize
			chunkStart := chunkIndex * t.chunkSize
			localOffset := pos - chunkStart

			data := b.Get(chunkKey(runResultID, commandIndex, chunkIndex))
			var chunk model.TaskOutputChunk
			if data != nil {
				if err := json.Unmarshal(data, &chunk); err != nil {
					return err
				}
			}
			avail := len(chunk.Data) - localOffset
			take := t.chunkSize - localOffset
			if take > remaining {
				take = remaining
			}
			for i := 0; i < take; i++ {
				if i < avail {
					out = append(out, chunk.Data[localOffset+i])
				} else {
					out = append(out, 0)
				}
			}
			pos += take
			remaining -= take
		}
		return nil
	})
	return out, err
}
