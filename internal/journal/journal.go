// Package journal persists one record per submitted request id so operators
// can look up what was sent and whether it was delivered.
package journal

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mechx/internal/delivery"
	xerrors "mechx/internal/errors"
	"mechx/internal/mech"
	"mechx/internal/payment"
)

// Status values stored in a record.
const (
	StatusPending   = "pending"
	StatusDelivered = "delivered"
	StatusSteppedIn = "stepped_in"
	StatusTimedOut  = "timed_out"
)

// Record is one journaled request.
type Record struct {
	RequestID    string `json:"request_id"`
	JobID        string `json:"job_id,omitempty"`
	Flow         string `json:"flow"`
	TxHash       string `json:"tx_hash,omitempty"`
	Sender       string `json:"sender"`
	PriorityMech string `json:"priority_mech"`
	DeliveryMech string `json:"delivery_mech,omitempty"`
	PaymentType  string `json:"payment_type"`
	ContentID    string `json:"content_id"`
	Status       string `json:"status"`
	Result       string `json:"result,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Repository stores records keyed by request id. Saving an existing id
// replaces it.
type Repository interface {
	Save(ctx context.Context, records ...Record) error
	Get(ctx context.Context, requestID string) (Record, error)
	ListLatest(ctx context.Context, limit int) ([]Record, error)
	Close() error
}

func notFound(requestID string) error {
	return xerrors.New(xerrors.CodeNotFound, "request not found in journal",
		xerrors.WithMetadata("request_id", requestID))
}

// FromResult builds one record per request id of a submission.
func FromResult(jobID string, priorityMech common.Address, res *mech.Result, now time.Time) []Record {
	if res == nil {
		return nil
	}
	ts := now.Unix()
	records := make([]Record, 0, len(res.RequestIDs))
	for i, id := range res.RequestIDs {
		rec := Record{
			RequestID:    id.Hex(),
			JobID:        jobID,
			Flow:         string(res.Flow),
			Sender:       res.Sender.Hex(),
			PriorityMech: priorityMech.Hex(),
			PaymentType:  payment.Name(res.PaymentType),
			Status:       StatusTimedOut,
			CreatedAt:    ts,
			UpdatedAt:    ts,
		}
		if res.TxHash != (common.Hash{}) {
			rec.TxHash = res.TxHash.Hex()
		}
		if i < len(res.ContentIDs) {
			rec.ContentID = res.ContentIDs[i]
		}
		if d, ok := res.Deliveries[id]; ok {
			rec.Status = statusOf(d.Status)
			rec.DeliveryMech = d.DeliveryMech.Hex()
			rec.Result = d.ResultPointer
			if body, ok := res.Contents[id]; ok {
				rec.Result = string(body)
			} else if rec.Result == "" && len(d.Data) > 0 {
				rec.Result = string(d.Data)
			}
		}
		records = append(records, rec)
	}
	return records
}

func statusOf(s delivery.Status) string {
	switch s {
	case delivery.StatusDelivered:
		return StatusDelivered
	case delivery.StatusSteppedIn:
		return StatusSteppedIn
	case delivery.StatusTimedOut:
		return StatusTimedOut
	default:
		return StatusPending
	}
}
