package dlq

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultRetentionDays  = 30
	DefaultAlertThreshold = 100
	DefaultAutoRetryMax   = 3
)

// AutoRetry re-enqueues dead letters on a schedule.
type AutoRetry struct {
	Enabled     bool
	Interval    time.Duration
	MaxAttempts int
	// ErrorPatterns are case-sensitive substrings matched against the
	// record's last error and reason. Empty matches every record.
	ErrorPatterns []string
}

// Matches reports whether errText or reason contains one of the patterns.
func (a AutoRetry) Matches(errText, reason string) bool {
	if len(a.ErrorPatterns) == 0 {
		return true
	}
	for _, p := range a.ErrorPatterns {
		if p == "" {
			continue
		}
		if strings.Contains(errText, p) || strings.Contains(reason, p) {
			return true
		}
	}
	return false
}

type Policy struct {
	Enabled bool
	// TargetQueueID, when set, is where auto-retried messages are enqueued.
	TargetQueueID  uuid.UUID
	RetentionDays  int
	MaxSize        int64
	AlertThreshold int64
	AutoRetry      AutoRetry
}

func DefaultPolicy() Policy {
	return Policy{
		Enabled:        true,
		RetentionDays:  DefaultRetentionDays,
		AlertThreshold: DefaultAlertThreshold,
		AutoRetry: AutoRetry{
			Interval:    5 * time.Minute,
			MaxAttempts: DefaultAutoRetryMax,
		},
	}
}

// Retention is RetentionDays as a duration. Zero disables retention cleanup.
func (p Policy) Retention() time.Duration {
	if p.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(p.RetentionDays) * 24 * time.Hour
}

// PolicySet resolves the effective policy for a queue.
type PolicySet struct {
	Default Policy
	Queues  map[uuid.UUID]Policy
}

func NewPolicySet(def Policy) PolicySet {
	return PolicySet{Default: def, Queues: map[uuid.UUID]Policy{}}
}

func (ps PolicySet) For(queueID uuid.UUID) Policy {
	if p, ok := ps.Queues[queueID]; ok {
		return p
	}
	return ps.Default
}

// Overridden lists the queues with their own policy in a stable order.
func (ps PolicySet) Overridden() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(ps.Queues))
	for id := range ps.Queues {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}
