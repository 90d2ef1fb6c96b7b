package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/stridesense/gait-backend/internal/platform/logger"
)

// ClaimTimeout is how long a claim may go without a heartbeat before
// another worker is allowed to take it over.
const ClaimTimeout = 50 * time.Minute

const HeartbeatInterval = 60 * time.Second

// ErrClaimLost reports that the caller no longer holds the claim it is
// trying to refresh or release. The holder must abort its in-flight
// work and discard results.
var ErrClaimLost = errors.New("queue: claim no longer held")

// Store is the claim-based work-queue substrate. Entries live at
// queues/{queue}/{job_id}; every mutation of a held entry goes through
// an optimistic transaction on that one key.
type Store interface {
	Enqueue(ctx context.Context, q Queue, item *Item) error
	EnqueueFinalize(ctx context.Context, item *FinalizeItem) error
	Claim(ctx context.Context, q Queue, workerID string) ClaimResult
	Heartbeat(ctx context.Context, q Queue, jobID, workerID string) error
	Complete(ctx context.Context, q Queue, jobID string) error
	Release(ctx context.Context, q Queue, jobID, workerID string) error
}

type store struct {
	log          *logger.Logger
	rdb          *goredis.Client
	claimTimeout time.Duration
	nowMS        func() int64
}

func NewStore(log *logger.Logger, rdb *goredis.Client) Store {
	return &store{
		log:          log.With("service", "QueueStore"),
		rdb:          rdb,
		claimTimeout: ClaimTimeout,
		nowMS:        func() int64 { return time.Now().UnixMilli() },
	}
}

// Enqueue writes unconditionally. An existing entry for the job is
// overwritten; rerun relies on this to replace lingering stale items.
func (s *store) Enqueue(ctx context.Context, q Queue, item *Item) error {
	return s.enqueueRaw(ctx, q, item.JobID, item)
}

func (s *store) EnqueueFinalize(ctx context.Context, item *FinalizeItem) error {
	return s.enqueueRaw(ctx, Finalize, item.JobID, item)
}

func (s *store) enqueueRaw(ctx context.Context, q Queue, jobID string, item any) error {
	if jobID == "" {
		return fmt.Errorf("enqueue into %s: empty job id", q)
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	if err := s.rdb.Set(ctx, q.Key(jobID), raw, 0).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", q.Key(jobID), err)
	}
	return nil
}

// Claim scans the queue and tries to lock the first entry whose claim
// is absent or stale. The lock is a compare-and-set on the single
// entry: losing the race on one key just moves the scan along.
func (s *store) Claim(ctx context.Context, q Queue, workerID string) ClaimResult {
	keys, err := s.scanKeys(ctx, q.Prefix())
	if err != nil {
		return ClaimResult{State: StateError, Err: fmt.Errorf("scan %s: %w", q.Prefix(), err)}
	}
	if len(keys) == 0 {
		return ClaimResult{State: StateQueueEmpty}
	}

	for _, key := range keys {
		raw, acquired, err := s.tryAcquire(ctx, key, workerID)
		if err != nil {
			if errors.Is(err, goredis.TxFailedErr) {
				// Another worker moved first; keep scanning.
				continue
			}
			return ClaimResult{State: StateError, Err: err}
		}
		if acquired {
			return ClaimResult{State: StateClaimed, Raw: raw}
		}
	}
	return ClaimResult{State: StateAllClaimed}
}

func (s *store) scanKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// tryAcquire CAS-writes a fresh claim onto the entry at key. Returns
// the updated entry bytes when the claim was taken; acquired=false
// means the entry is actively held (or vanished) and should be skipped.
func (s *store) tryAcquire(ctx context.Context, key, workerID string) (raw []byte, acquired bool, err error) {
	err = s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		cur, getErr := tx.Get(ctx, key).Bytes()
		if getErr == goredis.Nil {
			// Completed between scan and watch.
			return nil
		}
		if getErr != nil {
			return getErr
		}

		var entry map[string]any
		if uErr := json.Unmarshal(cur, &entry); uErr != nil {
			return fmt.Errorf("corrupt queue entry %s: %w", key, uErr)
		}

		now := s.nowMS()
		if hb, held := claimHeartbeat(entry); held && now-hb <= s.claimTimeout.Milliseconds() {
			return nil
		}

		entry["claim"] = map[string]any{
			"worker_id":       workerID,
			"claimed_at_ms":   now,
			"heartbeat_at_ms": now,
		}
		updated, mErr := json.Marshal(entry)
		if mErr != nil {
			return mErr
		}

		_, pErr := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		if pErr != nil {
			return pErr
		}
		raw = updated
		acquired = true
		return nil
	}, key)
	if err != nil {
		return nil, false, err
	}
	return raw, acquired, nil
}

// Heartbeat refreshes heartbeat_at_ms, but only while workerID still
// holds the claim. ErrClaimLost means the lease was taken over.
func (s *store) Heartbeat(ctx context.Context, q Queue, jobID, workerID string) error {
	key := q.Key(jobID)
	for attempt := 0; attempt < 3; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
			cur, getErr := tx.Get(ctx, key).Bytes()
			if getErr == goredis.Nil {
				return ErrClaimLost
			}
			if getErr != nil {
				return getErr
			}
			var entry map[string]any
			if uErr := json.Unmarshal(cur, &entry); uErr != nil {
				return fmt.Errorf("corrupt queue entry %s: %w", key, uErr)
			}
			if holder, _ := claimHolder(entry); holder != workerID {
				return ErrClaimLost
			}
			claim := entry["claim"].(map[string]any)
			claim["heartbeat_at_ms"] = s.nowMS()
			entry["claim"] = claim

			updated, mErr := json.Marshal(entry)
			if mErr != nil {
				return mErr
			}
			_, pErr := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, updated, 0)
				return nil
			})
			return pErr
		}, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("heartbeat %s: %w", key, goredis.TxFailedErr)
}

// Complete removes the entry regardless of who holds the claim; the
// work is done either way.
func (s *store) Complete(ctx context.Context, q Queue, jobID string) error {
	if err := s.rdb.Del(ctx, q.Key(jobID)).Err(); err != nil {
		return fmt.Errorf("complete %s: %w", q.Key(jobID), err)
	}
	return nil
}

// Release gives the entry back to the queue: the claim is cleared and
// the attempt counter bumped.
func (s *store) Release(ctx context.Context, q Queue, jobID, workerID string) error {
	key := q.Key(jobID)
	err := s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
		cur, getErr := tx.Get(ctx, key).Bytes()
		if getErr == goredis.Nil {
			return ErrClaimLost
		}
		if getErr != nil {
			return getErr
		}
		var entry map[string]any
		if uErr := json.Unmarshal(cur, &entry); uErr != nil {
			return fmt.Errorf("corrupt queue entry %s: %w", key, uErr)
		}
		if holder, _ := claimHolder(entry); holder != workerID {
			return ErrClaimLost
		}
		delete(entry, "claim")
		entry["attempts"] = toInt64(entry["attempts"]) + 1

		updated, mErr := json.Marshal(entry)
		if mErr != nil {
			return mErr
		}
		_, pErr := tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			return nil
		})
		return pErr
	}, key)
	if errors.Is(err, goredis.TxFailedErr) {
		return ErrClaimLost
	}
	return err
}

func claimHolder(entry map[string]any) (string, bool) {
	claim, ok := entry["claim"].(map[string]any)
	if !ok {
		return "", false
	}
	holder, _ := claim["worker_id"].(string)
	return holder, holder != ""
}

func claimHeartbeat(entry map[string]any) (int64, bool) {
	claim, ok := entry["claim"].(map[string]any)
	if !ok {
		return 0, false
	}
	return toInt64(claim["heartbeat_at_ms"]), true
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	default:
		return 0
	}
}
