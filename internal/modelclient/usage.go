package modelclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"swarmcore/internal/errors"
	"swarmcore/internal/filestore"
)

// UsageRecord is one accounted call, appended to logs/usage.jsonl.
type UsageRecord struct {
	TaskID           string  `json:"task_id,omitempty"`
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	Timestamp        float64 `json:"ts"`
}

// ErrBudgetExceeded is wrapped in an errors.PermanentError so Retry never
// treats it as transient: spending more after the ceiling is hit would only
// compound the overrun.
var ErrBudgetExceeded = fmt.Errorf("model client: budget exceeded")

// UsageLedger appends UsageRecords to a JSONL file and enforces an optional
// cumulative spend ceiling.
type UsageLedger struct {
	path        string
	lock        *filestore.Lock
	now         func() time.Time
	mu          sync.Mutex
	spentUSD    float64
	budgetUSD   float64 // <= 0 means unlimited
	loadedTotal bool
}

// NewUsageLedger creates a ledger persisted at path with an optional budget
// ceiling in USD (<=0 disables enforcement).
func NewUsageLedger(path string, budgetUSD float64) *UsageLedger {
	return &UsageLedger{
		path:      path,
		lock:      filestore.NewLock(path + ".lock"),
		now:       time.Now,
		budgetUSD: budgetUSD,
	}
}

// CheckBudget returns ErrBudgetExceeded (wrapped non-retryable) if recording
// addCostUSD would push cumulative spend past the configured ceiling.
func (l *UsageLedger) CheckBudget(addCostUSD float64) error {
	if l.budgetUSD <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.spentUSD+addCostUSD > l.budgetUSD {
		return errors.NewPermanentError(ErrBudgetExceeded,
			fmt.Sprintf("model client budget of $%.4f exhausted (spent $%.4f, this call $%.4f)", l.budgetUSD, l.spentUSD, addCostUSD))
	}
	return nil
}

// Record appends rec and updates the in-memory running total used by
// CheckBudget. Append failures are logged by the caller; they never abort an
// already-completed model call.
func (l *UsageLedger) Record(ctx context.Context, rec UsageRecord) error {
	rec.Timestamp = float64(l.now().UnixNano()) / float64(time.Second)
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode usage record: %w", err)
	}

	err = l.lock.WithExclusive(ctx, func() error {
		if err := filestore.EnsureParentDir(l.path); err != nil {
			return err
		}
		f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open usage ledger %s: %w", l.path, err)
		}
		defer f.Close()
		_, err = f.Write(append(line, '\n'))
		return err
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.spentUSD += rec.CostUSD
	l.mu.Unlock()
	return nil
}

// Total reads the ledger from disk and sums recorded cost, for callers
// resuming against a ledger written by a prior process.
func (l *UsageLedger) Total(ctx context.Context) (float64, error) {
	var total float64
	err := l.lock.WithShared(ctx, func() error {
		data, err := filestore.ReadFileOrEmpty(l.path)
		if err != nil {
			return err
		}
		scanner := bufio.NewScanner(bytes.NewReader(data))
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var rec UsageRecord
			if err := json.Unmarshal(line, &rec); err != nil {
				continue
			}
			total += rec.CostUSD
		}
		return scanner.Err()
	})
	if err != nil {
		return 0, err
	}
	l.mu.Lock()
	l.spentUSD = total
	l.loadedTotal = true
	l.mu.Unlock()
	return total, nil
}
