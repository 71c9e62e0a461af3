// Package requeststore implements the RequestStore component: validating
// and persisting immutable TaskRequest entities, allocating their ids,
// and computing the canonical properties hash the Scheduler's dedup fast-path
// keys off of.
//
// Grounded on original_source/services/swarming/server/task_request.py's
// _DATA_KEYS/_PROPERTIES_KEYS validators and new_request flow, adapted
// onto go.etcd.io/bbolt transactions the way
// services/orchestrator/persistence.go persists Workflow entities.
package requeststore

import (
	"context"
	"crypto/sha1" //nolint:gosec // content-addressing identity, not a security boundary
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/metric"

	"github.com/madecoste/swarming/internal/canonjson"
	"github.com/madecoste/swarming/internal/model"
	"github.com/madecoste/swarming/internal/resilience"
	"github.com/madecoste/swarming/internal/scherr"
	"github.com/madecoste/swarming/internal/taskid"
)

var bucketRequests = []byte("task_requests")
var bucketPropsIndex = []byte("task_properties_index") // properties_hash -> request_id, only for idempotent requests
var bucketChildren = []byte("task_children_index")     // parent_task_id -> []request_id
var bucketCounter = []byte("task_id_counter")

var counterKey = []byte("next")

// recognized top-level and properties keys, mirroring _DATA_KEYS and
// _PROPERTIES_KEYS.
var dataKeys = map[string]bool{
	"name": true, "priority": true, "properties": true,
	"scheduling_expiration_secs": true, "user": true,
	"parent_task_id": true, "tags": true,
}

var propertiesKeys = map[string]bool{
	"commands": true, "data": true, "dimensions": true, "env": true,
	"execution_timeout_secs": true, "io_timeout_secs": true, "idempotent": true,
}

const maxIDAllocationAttempts = 5

// Store is the RequestStore component.
type Store struct {
	db *bbolt.DB

	puts         metric.Int64Counter
	idConflicts  metric.Int64Counter
	writeLatency metric.Float64Histogram
}

// Open creates or opens the bbolt database at path and ensures the
// buckets this component owns exist.
func Open(path string, meter metric.Meter) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout:      1 * time.Second,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("requeststore: open: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketRequests, bucketPropsIndex, bucketChildren, bucketCounter} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("requeststore: init buckets: %w", err)
	}
	puts, _ := meter.Int64Counter("swarm_requeststore_puts_total")
	idConflicts, _ := meter.Int64Counter("swarm_requeststore_id_conflicts_total")
	writeLatency, _ := meter.Float64Histogram("swarm_requeststore_write_ms")
	return &Store{db: db, puts: puts, idConflicts: idConflicts, writeLatency: writeLatency}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// NewRequestInput is the raw, caller-supplied data new_request validates
// before allocating a TaskRequest.
type NewRequestInput struct {
	Name                     string
	Priority                 int
	Properties               model.TaskProperties
	SchedulingExpirationSecs int64
	User                     string
	ParentTaskID             string
	Tags                     []string
}

// ValidateKeys checks that a raw caller-supplied request body (as an
// external HTTP layer would decode it prior to building a
// NewRequestInput) only names recognized top-level and properties keys,
// mirroring task_request.py's _DATA_KEYS/_PROPERTIES_KEYS closed sets.
func ValidateKeys(data map[string]any) error {
	for k := range data {
		if !dataKeys[k] {
			return fmt.Errorf("%w: unrecognized key %q", scherr.ErrValidation, k)
		}
	}
	props, ok := data["properties"].(map[string]any)
	if !ok {
		return nil
	}
	for k := range props {
		if !propertiesKeys[k] {
			return fmt.Errorf("%w: unrecognized properties key %q", scherr.ErrValidation, k)
		}
	}
	return nil
}

// Validate checks the required-field and value-range invariants from
// task_request.py's validators. The recognized key sets are checked
// separately, by ValidateKeys on the raw request body.
func (in NewRequestInput) Validate() error {
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", scherr.ErrValidation)
	}
	if in.User == "" {
		return fmt.Errorf("%w: user is required", scherr.ErrValidation)
	}
	if in.Priority < 0 || in.Priority > 255 {
		return fmt.Errorf("%w: priority %d out of range [0,255]", scherr.ErrValidation, in.Priority)
	}
	if in.SchedulingExpirationSecs <= 0 {
		return fmt.Errorf("%w: scheduling_expiration_secs must be positive", scherr.ErrValidation)
	}
	if len(in.Properties.Commands) == 0 {
		return fmt.Errorf("%w: properties.commands is required", scherr.ErrValidation)
	}
	for i, cmd := range in.Properties.Commands {
		if len(cmd) == 0 {
			return fmt.Errorf("%w: properties.commands[%d] must be a non-empty argv vector", scherr.ErrValidation, i)
		}
	}
	if in.Properties.ExecutionTimeoutSecs <= 0 {
		return fmt.Errorf("%w: properties.execution_timeout_secs must be positive", scherr.ErrValidation)
	}
	return nil
}

// New validates input, computes the canonical properties hash, allocates
// an id with bounded retry on collision, and persists the TaskRequest.
func (s *Store) New(ctx context.Context, in NewRequestInput, now time.Time) (*model.TaskRequest, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	hash, err := PropertiesHash(in.Properties)
	if err != nil {
		return nil, fmt.Errorf("%w: hashing properties: %v", scherr.ErrValidation, err)
	}

	req, err := resilience.Retry(ctx, maxIDAllocationAttempts, 5*time.Millisecond, func() (*model.TaskRequest, error) {
		return s.tryInsert(in, hash, now)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", scherr.ErrIDExhausted, err)
	}
	s.puts.Add(ctx, 1)
	return req, nil
}

func (s *Store) tryInsert(in NewRequestInput, hash string, now time.Time) (*model.TaskRequest, error) {
	var req *model.TaskRequest
	err := s.db.Update(func(tx *bbolt.Tx) error {
		counter := tx.Bucket(bucketCounter)
		next := nextCounter(counter)
		value := taskid.NewRequestValue(uint64(now.UnixMilli())<<20 | (next&0xFFF)<<8)
		id := taskid.PackRequestID(value)

		requests := tx.Bucket(bucketRequests)
		if requests.Get([]byte(id)) != nil {
			s.idConflicts.Add(context.Background(), 1)
			return scherr.ErrConflict
		}

		req = &model.TaskRequest{
			ID:                       id,
			Name:                     in.Name,
			Priority:                 in.Priority,
			Properties:               in.Properties,
			SchedulingExpirationSecs: in.SchedulingExpirationSecs,
			User:                     in.User,
			ParentTaskID:             in.ParentTaskID,
			Tags:                     in.Tags,
			CreatedTS:                now,
			PropertiesHash:           hash,
			ExpirationTS:             now.Add(time.Duration(in.SchedulingExpirationSecs) * time.Second),
		}
		data, err := json.Marshal(req)
		if err != nil {
			return err
		}
		if err := requests.Put([]byte(id), data); err != nil {
			return err
		}
		if err := counter.Put(counterKey, encodeCounter(next+1)); err != nil {
			return err
		}
		if req.Properties.Idempotent {
			if err := tx.Bucket(bucketPropsIndex).Put([]byte(hash), []byte(id)); err != nil {
				return err
			}
		}
		if req.ParentTaskID != "" {
			children := tx.Bucket(bucketChildren)
			existing := children.Get([]byte(req.ParentTaskID))
			var ids []string
			if existing != nil {
				_ = json.Unmarshal(existing, &ids)
			}
			ids = append(ids, id)
			encoded, err := json.Marshal(ids)
			if err != nil {
				return err
			}
			if err := children.Put([]byte(req.ParentTaskID), encoded); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// Get loads a TaskRequest by id.
func (s *Store) Get(id string) (*model.TaskRequest, error) {
	var req model.TaskRequest
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRequests).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &req)
	})
	if err != nil {
		return nil, fmt.Errorf("requeststore: get %s: %w", id, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: request %s", scherr.ErrNotFound, id)
	}
	return &req, nil
}

// FindIdempotentMatch returns the request id of a prior idempotent
// request sharing properties hash, if any — the Scheduler's dedup
// fast-path lookup. The index keeps only the most recently created
// idempotent request per hash.
func (s *Store) FindIdempotentMatch(hash string) (string, bool, error) {
	var id string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketPropsIndex).Get([]byte(hash))
		if v != nil {
			id = string(v)
		}
		return nil
	})
	if err != nil {
		return "", false, err
	}
	return id, id != "", nil
}

// ChildrenOf returns the request ids of tasks created with parentTaskID
// as their parent_task_id.
func (s *Store) ChildrenOf(parentTaskID string) ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketChildren).Get([]byte(parentTaskID))
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &ids)
	})
	return ids, err
}

// PropertiesHash computes the SHA-1 content hash of a TaskProperties'
// canonical JSON encoding — the dedup identity spec §3/§4.2 describes.
func PropertiesHash(p model.TaskProperties) (string, error) {
	canon, err := toCanonicalMap(p)
	if err != nil {
		return "", err
	}
	data, err := canonjson.Marshal(canon)
	if err != nil {
		return "", err
	}
	sum := sha1.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:]), nil
}

func toCanonicalMap(p model.TaskProperties) (map[string]any, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	// Commands/data order is significant to execution semantics, never
	// sorted; only map-typed fields (dimensions/env) get deterministic
	// key order for free from canonjson's own map handling.
	return m, nil
}

func nextCounter(b *bbolt.Bucket) uint64 {
	v := b.Get(counterKey)
	if v == nil {
		return 1
	}
	return decodeCounter(v)
}

func encodeCounter(v uint64) []byte {
	buf := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
	return buf
}

func decodeCounter(buf []byte) uint64 {
	var v uint64
	for _, b := range buf {
		v = v<<8 | uint64(b)
	}
	return v
}
