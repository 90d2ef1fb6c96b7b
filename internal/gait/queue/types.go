package queue

import (
	"encoding/json"
	"fmt"
)

// Queue names a single work queue in the realtime database. Stage
// queues are "stage_1".."stage_7"; the terminal queue is "finalize".
type Queue string

const Finalize Queue = "finalize"

func ForStage(stage int) Queue {
	return Queue(fmt.Sprintf("stage_%d", stage))
}

func (q Queue) Prefix() string {
	return "queues/" + string(q) + "/"
}

func (q Queue) Key(jobID string) string {
	return q.Prefix() + jobID
}

// Metadata is the patient and contact data carried with a job through
// every stage.
type Metadata struct {
	Age       int    `json:"age"`
	Sex       string `json:"sex"`
	Ethnicity string `json:"ethnicity"`
	Height    string `json:"height"`
	Weight    string `json:"weight"`
	Email     string `json:"email"`
}

// Claim is a worker's lease on a queue item. A claim whose heartbeat is
// older than the claim timeout is stale and may be taken over.
type Claim struct {
	WorkerID      string `json:"worker_id"`
	ClaimedAtMS   int64  `json:"claimed_at_ms"`
	HeartbeatAtMS int64  `json:"heartbeat_at_ms"`
}

// Item is one unit of work: one job pending (or claimed) in one stage's
// queue. InputKeys maps the stage's symbolic input names to storage
// keys produced by the previous stage.
type Item struct {
	JobID            string            `json:"job_id"`
	UserID           string            `json:"user_id"`
	InputKeys        map[string]string `json:"input_keys"`
	Metadata         Metadata          `json:"metadata"`
	RequiresApproval bool              `json:"requires_approval"`
	Claim            *Claim            `json:"claim,omitempty"`
	Attempts         int               `json:"attempts"`
}

// FinalizeItem extends Item with the outcome context the finalize
// worker needs. FailedAtStage is 0 when the pipeline succeeded.
type FinalizeItem struct {
	Item
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	ErrorLogs     string `json:"error_logs,omitempty"`
	FailedAtStage int    `json:"failed_at_stage,omitempty"`
}

type ClaimState int

const (
	StateClaimed ClaimState = iota
	StateQueueEmpty
	StateAllClaimed
	StateError
)

// ClaimResult is the outcome of one claim attempt. Raw holds the
// claimed entry's JSON so stage and finalize queues can decode their
// own item shapes.
type ClaimResult struct {
	State ClaimState
	Raw   []byte
	Err   error
}

func (r ClaimResult) Item() (*Item, error) {
	var it Item
	if err := json.Unmarshal(r.Raw, &it); err != nil {
		return nil, fmt.Errorf("decode queue item: %w", err)
	}
	return &it, nil
}

func (r ClaimResult) FinalizeItem() (*FinalizeItem, error) {
	var it FinalizeItem
	if err := json.Unmarshal(r.Raw, &it); err != nil {
		return nil, fmt.Errorf("decode finalize queue item: %w", err)
	}
	return &it, nil
}
