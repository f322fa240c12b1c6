package domain

type Status string

const (
	StatusProcessing Status = "processing"
	StatusQueued     Status = "queued"
	StatusRetrying   Status = "retrying"
	StatusSent       Status = "sent"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
	StatusBypassed   Status = "bypassed"
	StatusDeadLetter Status = "dead_letter"
)

var statusRank = map[Status]int{
	StatusProcessing: 10,
	StatusQueued:     10,
	StatusRetrying:   20,
	StatusSent:       30,
	StatusDelivered:  40,
	StatusFailed:     50,
	StatusBypassed:   50,
	StatusDeadLetter: 60,
}

// AllStatuses lists every known log status in rank order.
var AllStatuses = []Status{
	StatusProcessing, StatusQueued, StatusRetrying, StatusSent,
	StatusDelivered, StatusFailed, StatusBypassed, StatusDeadLetter,
}

// Rank returns the lifecycle rank of s; unknown statuses rank 0.
func (s Status) Rank() int { return statusRank[s] }

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s is a final outcome.
func (s Status) Terminal() bool {
	switch s {
	case StatusFailed, StatusBypassed, StatusDelivered, StatusDeadLetter:
		return true
	}
	return false
}

// CanTransition applies the non-regression rule: terminal states accept no
// other status, non-terminal states only move to an equal or higher rank.
// Writing the current status again is always allowed.
func CanTransition(from, to Status) bool {
	if from == "" || to == "" || from == to {
		return true
	}
	if from.Terminal() {
		return false
	}
	return to.Rank() >= from.Rank()
}

type DeliveryMode string

const (
	ModeImmediate DeliveryMode = "immediate"
	ModeQueue     DeliveryMode = "queue"
)

func (m DeliveryMode) Valid() bool { return m == ModeImmediate || m == ModeQueue }

// ParseDeliveryMode returns the mode for s, or fallback when s is not a known mode.
func ParseDeliveryMode(s string, fallback DeliveryMode) DeliveryMode {
	if m := DeliveryMode(s); m.Valid() {
		return m
	}
	return fallback
}
