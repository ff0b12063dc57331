package task

import (
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions selects jobs for List and Stats. Zero values do not filter.
type ListOptions struct {
	Limit    int
	Offset   int
	Statuses []Status
	// PriorityMech matches the requested mech address, case-insensitively.
	PriorityMech string
	// Since and Until bound the last update time, both inclusive.
	Since time.Time
	Until time.Time
	// Submitted selects jobs that did (or did not) reach the marketplace or
	// the mech endpoint, i.e. jobs with a recorded result.
	Submitted   *bool
	Query       string
	OldestFirst bool
}

// ListOption mutates ListOptions.
type ListOption func(*ListOptions)

// WithLimit caps the page size at 100.
func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

// WithOffset skips the first n matching jobs.
func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses keeps jobs in any of statuses. Unknown statuses are dropped.
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = append(o.Statuses[:0], statuses...) }
}

// WithPriorityMech keeps jobs addressed to mech.
func WithPriorityMech(mech string) ListOption {
	return func(o *ListOptions) { o.PriorityMech = mech }
}

// WithUpdatedBetween keeps jobs updated within [since, until]. A zero bound
// is open.
func WithUpdatedBetween(since, until time.Time) ListOption {
	return func(o *ListOptions) {
		o.Since = since
		o.Until = until
	}
}

// WithSubmitted keeps jobs whose request was (or was not) sent.
func WithSubmitted(submitted bool) ListOption {
	return func(o *ListOptions) { o.Submitted = &submitted }
}

// WithQuery keeps jobs whose id, mech, tx hash or last error contains
// query.
func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

// WithOldestFirst reverses the default newest-first order.
func WithOldestFirst() ListOption {
	return func(o *ListOptions) { o.OldestFirst = true }
}

func buildListOptions(opts []ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.normalize()
	return o
}

func (o *ListOptions) normalize() {
	switch {
	case o.Limit <= 0:
		o.Limit = defaultListLimit
	case o.Limit > maxListLimit:
		o.Limit = maxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	o.Statuses = uniqueStatuses(o.Statuses)
	o.PriorityMech = strings.TrimSpace(o.PriorityMech)
	if common.IsHexAddress(o.PriorityMech) {
		o.PriorityMech = common.HexToAddress(o.PriorityMech).Hex()
	}
	o.Query = strings.TrimSpace(o.Query)
}

func (o ListOptions) sinceUnix() int64 { return unixOrZero(o.Since) }
func (o ListOptions) untilUnix() int64 { return unixOrZero(o.Until) }

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func uniqueStatuses(in []Status) []Status {
	var out []Status
	seen := make(map[Status]bool, len(in))
	for _, s := range in {
		if IsValidStatus(s) && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
