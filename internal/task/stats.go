package task

// JobStats summarises jobs and the marketplace requests they produced.
// Requests counts request ids across every job with a recorded result;
// Undelivered is the part of those that never saw a delivery.
type JobStats struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Running     int `json:"running"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Requests    int `json:"requests"`
	Delivered   int `json:"delivered"`
	Undelivered int `json:"undelivered"`

	OldestUpdatedAt int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt int64 `json:"newest_updated_at,omitempty"`
}

func (s *JobStats) add(t *Task) {
	s.Total++
	switch t.Status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	}
	if t.Result != nil {
		requests, delivered := t.Result.counts()
		s.Requests += requests
		s.Delivered += delivered
		s.Undelivered += requests - delivered
	}
	if t.UpdatedAt > s.NewestUpdatedAt {
		s.NewestUpdatedAt = t.UpdatedAt
	}
	if t.UpdatedAt != 0 && (s.OldestUpdatedAt == 0 || t.UpdatedAt < s.OldestUpdatedAt) {
		s.OldestUpdatedAt = t.UpdatedAt
	}
}

// counts returns how many requests the result covers and how many of them
// were delivered.
func (r ExecutionResult) counts() (requests, delivered int) {
	return len(r.RequestIDs), len(r.Deliveries)
}
