package types

type Status string

const (
	StatusInitiated            Status = "initiated"
	StatusSourceSubmitted      Status = "source_submitted"
	StatusSourceConfirmed      Status = "source_confirmed"
	StatusQuorumPending        Status = "quorum_pending"
	StatusRelayed              Status = "relayed"
	StatusDestinationSubmitted Status = "destination_submitted"
	StatusCompleted            Status = "completed"
	StatusFailed               Status = "failed"
)

var statusRank = map[Status]int{
	StatusInitiated:            0,
	StatusSourceSubmitted:      1,
	StatusSourceConfirmed:      2,
	StatusQuorumPending:        3,
	StatusRelayed:              4,
	StatusDestinationSubmitted: 5,
	StatusCompleted:            6,
}

// persisted record statuses shared with the rest of the platform
const (
	PersistedPending    = "pending"
	PersistedProcessing = "processing"
	PersistedCompleted  = "completed"
	PersistedFailed     = "failed"
)

var PersistedStatuses = []string{PersistedPending, PersistedProcessing, PersistedCompleted, PersistedFailed}

func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok || s == StatusFailed
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition allows forward moves only, and Failed from any non-terminal status
func (s Status) CanTransition(to Status) bool {
	if s.Terminal() || !to.Valid() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return statusRank[to] > statusRank[s]
}

// Cancellable is true while nothing has been sent on chain
func (s Status) Cancellable() bool {
	return s == StatusInitiated
}

func (s Status) Persisted() string {
	switch s {
	case StatusInitiated:
		return PersistedPending
	case StatusCompleted:
		return PersistedCompleted
	case StatusFailed:
		return PersistedFailed
	default:
		return PersistedProcessing
	}
}
