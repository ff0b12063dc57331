// Package delivery observes the results of marketplace requests, either as
// Deliver events on-chain or through a mech's off-chain HTTP endpoint, and
// races the two sources.
package delivery

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of one request as seen by a watcher.
type Status int

const (
	StatusWaiting Status = iota
	StatusDelivered
	StatusTimedOut
	// StatusSteppedIn marks a delivery made by a mech other than the
	// priority mech.
	StatusSteppedIn
)

func (s Status) String() string {
	switch s {
	case StatusWaiting:
		return "waiting"
	case StatusDelivered:
		return "delivered"
	case StatusTimedOut:
		return "timed_out"
	case StatusSteppedIn:
		return "stepped_in"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Source names where a delivery was observed.
type Source string

const (
	SourceOnchain  Source = "onchain"
	SourceOffchain Source = "offchain"
)

// Delivery is the observed result of one request.
type Delivery struct {
	RequestID     common.Hash
	DeliveryMech  common.Address
	ResultPointer string
	Data          []byte
	Status        Status
	BlockNumber   uint64
	TxHash        common.Hash
	Source        Source
}

// Result maps request ids to their deliveries. Ids without an entry were
// not delivered before the watcher stopped.
type Result map[common.Hash]Delivery

// Missing returns the ids in want that have no delivery.
func (r Result) Missing(want []common.Hash) []common.Hash {
	var missing []common.Hash
	for _, id := range want {
		if _, ok := r[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// Complete reports whether every id in want was delivered.
func (r Result) Complete(want []common.Hash) bool {
	return len(r.Missing(want)) == 0
}

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 15 * time.Minute
)

// Config controls polling cadence and the overall watch timeout.
type Config struct {
	PollInterval time.Duration
	Timeout      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

func uniqueIDs(ids []common.Hash) []common.Hash {
	seen := make(map[common.Hash]struct{}, len(ids))
	out := make([]common.Hash, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
