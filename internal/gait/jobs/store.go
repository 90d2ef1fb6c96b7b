// Package jobs persists user records and their job lists in the
// realtime database. The user blob at users/{uid} is the unit of
// mutation: every append or status change is a read-modify-write under
// an optimistic transaction, so concurrent uploads by the same user
// retry instead of losing updates.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/stridesense/gait-backend/internal/gait/status"
	"github.com/stridesense/gait-backend/internal/platform/logger"
)

var ErrUserNotFound = errors.New("jobs: user not found")
var ErrJobNotFound = errors.New("jobs: job not found")

// JobRecord is one submission: patient metadata, notification address
// and the current lifecycle status. The job's index within the user's
// list is part of its identity and never changes.
type JobRecord struct {
	Age              int           `json:"age"`
	Sex              string        `json:"sex"`
	Ethnicity        string        `json:"ethnicity"`
	Height           string        `json:"height"`
	Weight           string        `json:"weight"`
	Email            string        `json:"email"`
	Timestamp        time.Time     `json:"timestamp"`
	Status           status.Status `json:"status"`
	RequiresApproval bool          `json:"requires_approval"`
}

type UserRecord struct {
	UID           string      `json:"uid"`
	Administrator bool        `json:"administrator"`
	Jobs          []JobRecord `json:"jobs"`
}

type Store interface {
	EnsureUser(ctx context.Context, uid string) error
	GetUser(ctx context.Context, uid string) (*UserRecord, error)
	CountJobs(ctx context.Context, uid string) (int, error)
	NewJob(ctx context.Context, uid string, job JobRecord) (int, error)
	UpdateStatus(ctx context.Context, uid string, index int, st status.Status) error
	GetJob(ctx context.Context, uid string, index int) (*JobRecord, error)
	GetAllJobs(ctx context.Context, uid string) ([]JobRecord, error)
	AppendStageLog(ctx context.Context, uid string, index, stage int, logs string) error
}

type store struct {
	log *logger.Logger
	rdb *goredis.Client
}

func NewStore(log *logger.Logger, rdb *goredis.Client) Store {
	return &store{
		log: log.With("service", "JobStore"),
		rdb: rdb,
	}
}

func userKey(uid string) string { return "users/" + uid }

func stageLogKey(uid string, index, stage int) string {
	return fmt.Sprintf("stage_logs/%s/%d/stage_%d", uid, index, stage)
}

const rmwAttempts = 5

// mutateUser runs fn against the current user blob and writes the
// result back, retrying on write conflicts. createIfMissing controls
// whether a missing user starts from a zero record or fails.
func (s *store) mutateUser(ctx context.Context, uid string, createIfMissing bool, fn func(u *UserRecord) error) error {
	key := userKey(uid)
	for attempt := 0; attempt < rmwAttempts; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *goredis.Tx) error {
			u, err := readUser(ctx, tx, uid)
			if err != nil {
				if errors.Is(err, ErrUserNotFound) && createIfMissing {
					u = &UserRecord{UID: uid}
				} else {
					return err
				}
			}
			if err := fn(u); err != nil {
				return err
			}
			raw, err := json.Marshal(u)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.Set(ctx, key, raw, 0)
				return nil
			})
			return err
		}, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("update user %s: %w", uid, goredis.TxFailedErr)
}

type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

func readUser(ctx context.Context, g getter, uid string) (*UserRecord, error) {
	raw, err := g.Get(ctx, userKey(uid)).Bytes()
	if err == goredis.Nil {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read user %s: %w", uid, err)
	}
	var u UserRecord
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", uid, err)
	}
	return &u, nil
}

// EnsureUser creates the record on first sight. An existing user's
// administrator flag and job list are left untouched.
func (s *store) EnsureUser(ctx context.Context, uid string) error {
	if uid == "" {
		return fmt.Errorf("ensure user: empty uid")
	}
	return s.mutateUser(ctx, uid, true, func(u *UserRecord) error {
		u.UID = uid
		return nil
	})
}

func (s *store) GetUser(ctx context.Context, uid string) (*UserRecord, error) {
	return readUser(ctx, s.rdb, uid)
}

func (s *store) CountJobs(ctx context.Context, uid string) (int, error) {
	u, err := readUser(ctx, s.rdb, uid)
	if errors.Is(err, ErrUserNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(u.Jobs), nil
}

// NewJob appends and returns the job's index, which becomes part of
// the job id.
func (s *store) NewJob(ctx context.Context, uid string, job JobRecord) (int, error) {
	index := -1
	err := s.mutateUser(ctx, uid, true, func(u *UserRecord) error {
		u.UID = uid
		index = len(u.Jobs)
		u.Jobs = append(u.Jobs, job)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return index, nil
}

func (s *store) UpdateStatus(ctx context.Context, uid string, index int, st status.Status) error {
	return s.mutateUser(ctx, uid, false, func(u *UserRecord) error {
		if index < 0 || index >= len(u.Jobs) {
			return fmt.Errorf("%w: %s/%d", ErrJobNotFound, uid, index)
		}
		u.Jobs[index].Status = st
		return nil
	})
}

func (s *store) GetJob(ctx context.Context, uid string, index int) (*JobRecord, error) {
	u, err := readUser(ctx, s.rdb, uid)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(u.Jobs) {
		return nil, fmt.Errorf("%w: %s/%d", ErrJobNotFound, uid, index)
	}
	job := u.Jobs[index]
	return &job, nil
}

func (s *store) GetAllJobs(ctx context.Context, uid string) ([]JobRecord, error) {
	u, err := readUser(ctx, s.rdb, uid)
	if errors.Is(err, ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u.Jobs, nil
}

// AppendStageLog grows the append-only per-stage log string.
func (s *store) AppendStageLog(ctx context.Context, uid string, index, stage int, logs string) error {
	if logs == "" {
		return nil
	}
	key := stageLogKey(uid, index, stage)
	if err := s.rdb.Append(ctx, key, logs).Err(); err != nil {
		return fmt.Errorf("append stage log %s: %w", key, err)
	}
	return nil
}
