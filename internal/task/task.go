// Package task queues mech requests as jobs and drives them through the
// orchestrator with a pool of workers.
package task

import (
	stdErrors "errors"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mechx/internal/delivery"
	xerrors "mechx/internal/errors"
	"mechx/internal/mech"
	"mechx/internal/payment"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Request is the queued form of a mech request.
type Request struct {
	Prompts         []string       `json:"prompts"`
	Tools           []string       `json:"tools"`
	PriorityMech    string         `json:"priority_mech"`
	PaymentType     string         `json:"payment_type,omitempty"`
	UsePrepaid      bool           `json:"use_prepaid,omitempty"`
	UseOffchain     bool           `json:"use_offchain,omitempty"`
	OffchainURL     string         `json:"offchain_url,omitempty"`
	ExtraAttributes map[string]any `json:"extra_attributes,omitempty"`
	TimeoutSeconds  int            `json:"timeout_seconds,omitempty"`
}

// MechRequest converts the queued form into an orchestrator request.
func (r Request) MechRequest() (mech.Request, error) {
	if !common.IsHexAddress(r.PriorityMech) {
		return mech.Request{}, xerrors.New(CodeTaskValidation, "priority_mech must be a hex address")
	}
	req := mech.Request{
		Prompts:         append([]string(nil), r.Prompts...),
		Tools:           append([]string(nil), r.Tools...),
		PriorityMech:    common.HexToAddress(r.PriorityMech),
		UsePrepaid:      r.UsePrepaid,
		UseOffchain:     r.UseOffchain,
		OffchainURL:     r.OffchainURL,
		ExtraAttributes: cloneAttributes(r.ExtraAttributes),
	}
	if strings.TrimSpace(r.PaymentType) != "" {
		tag, err := payment.ParseType(r.PaymentType)
		if err != nil {
			return mech.Request{}, err
		}
		req.PaymentType = &tag
	}
	if r.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(r.TimeoutSeconds) * time.Second
	}
	return req, nil
}

func (r Request) validate() error {
	if len(r.Prompts) == 0 {
		return xerrors.New(CodeTaskValidation, "at least one prompt is required")
	}
	if len(r.Prompts) != len(r.Tools) {
		return xerrors.New(CodeTaskValidation, "prompts and tools must have the same length")
	}
	_, err := r.MechRequest()
	return err
}

// Delivery is the stored view of one delivery.
type Delivery struct {
	RequestID     string `json:"request_id"`
	DeliveryMech  string `json:"delivery_mech"`
	ResultPointer string `json:"result_pointer,omitempty"`
	Data          string `json:"data,omitempty"`
	Status        string `json:"status"`
	Source        string `json:"source"`
	TxHash        string `json:"tx_hash,omitempty"`
	BlockNumber   uint64 `json:"block_number,omitempty"`
}

// ExecutionResult is the stored outcome of a job.
type ExecutionResult struct {
	Flow        string     `json:"flow"`
	TxHash      string     `json:"tx_hash,omitempty"`
	ExplorerURL string     `json:"explorer_url,omitempty"`
	PaymentType string     `json:"payment_type"`
	Sender      string     `json:"sender"`
	RequestIDs  []string   `json:"request_ids"`
	ContentIDs  []string   `json:"content_ids"`
	Deliveries  []Delivery `json:"deliveries"`
	Missing     []string   `json:"missing,omitempty"`
}

// NewExecutionResult flattens an orchestrator result in request order.
func NewExecutionResult(res *mech.Result) ExecutionResult {
	out := ExecutionResult{
		Flow:        string(res.Flow),
		ExplorerURL: res.ExplorerURL,
		PaymentType: payment.Name(res.PaymentType),
		Sender:      res.Sender.Hex(),
		RequestIDs:  make([]string, len(res.RequestIDs)),
		ContentIDs:  append([]string(nil), res.ContentIDs...),
	}
	if res.TxHash != (common.Hash{}) {
		out.TxHash = res.TxHash.Hex()
	}
	for i, id := range res.RequestIDs {
		out.RequestIDs[i] = id.Hex()
		d, ok := res.Deliveries[id]
		if !ok {
			out.Missing = append(out.Missing, id.Hex())
			continue
		}
		out.Deliveries = append(out.Deliveries, deliveryView(d, res.Contents[id]))
	}
	return out
}

func deliveryView(d delivery.Delivery, body []byte) Delivery {
	v := Delivery{
		RequestID:     d.RequestID.Hex(),
		DeliveryMech:  d.DeliveryMech.Hex(),
		ResultPointer: d.ResultPointer,
		Status:        d.Status.String(),
		Source:        string(d.Source),
		BlockNumber:   d.BlockNumber,
	}
	if d.TxHash != (common.Hash{}) {
		v.TxHash = d.TxHash.Hex()
	}
	switch {
	case len(body) > 0:
		v.Data = string(body)
	case len(d.Data) > 0:
		v.Data = string(d.Data)
	}
	return v
}

// Task is one queued mech request.
type Task struct {
	ID         string           `json:"id"`
	Request    Request          `json:"request"`
	Status     Status           `json:"status"`
	Attempts   int              `json:"attempts"`
	MaxRetries int              `json:"max_retries"`
	LastError  string           `json:"last_error,omitempty"`
	ErrorCode  string           `json:"error_code,omitempty"`
	Result     *ExecutionResult `json:"result,omitempty"`
	CreatedAt  int64            `json:"created_at"`
	UpdatedAt  int64            `json:"updated_at"`
}

var (
	ErrTaskNotFound  = xerrors.New(CodeTaskNotFound, "task not found")
	ErrTaskConflict  = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrTaskSubmitted refuses a retry of a job whose request already
	// reached the marketplace or the mech endpoint.
	ErrTaskSubmitted = xerrors.New(CodeTaskSubmitted, "task already submitted", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskSubmitted  xerrors.Code = "TASK_ALREADY_SUBMITTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Kind:     xerrors.KindValidation,
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Kind:     xerrors.KindQueue,
		Message:  "task conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Kind:     xerrors.KindQueue,
		Message:  "task already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Kind:     xerrors.KindQueue,
		Message:  "task retries exhausted",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskSubmitted, xerrors.Attributes{
		Kind:     xerrors.KindQueue,
		Message:  "task already submitted",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Kind:     xerrors.KindValidation,
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Kind:      xerrors.KindQueue,
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Kind:      xerrors.KindQueue,
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsTaskError reports whether err is the task sentinel for target.
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeTaskNotFound:
		return stdErrors.Is(err, ErrTaskNotFound)
	case CodeTaskConflict:
		return stdErrors.Is(err, ErrTaskConflict)
	case CodeTaskCompleted:
		return stdErrors.Is(err, ErrTaskCompleted)
	case CodeTaskExhausted:
		return stdErrors.Is(err, ErrTaskExhausted)
	}
	return false
}

func cloneAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	cloned := make(map[string]any, len(attrs))
	for key, value := range attrs {
		cloned[key] = value
	}
	return cloned
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Request.Prompts = append([]string(nil), task.Request.Prompts...)
	clone.Request.Tools = append([]string(nil), task.Request.Tools...)
	clone.Request.ExtraAttributes = cloneAttributes(task.Request.ExtraAttributes)
	if task.Result != nil {
		result := *task.Result
		clone.Result = &result
	}
	return &clone
}

// IsValidStatus reports whether status is a known value.
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

func requeueable(t *Task) error {
	switch {
	case t.Status == StatusSucceeded:
		return ErrTaskCompleted
	case t.Status != StatusFailed:
		return ErrTaskConflict
	case t.Result != nil:
		return ErrTaskSubmitted
	}
	return nil
}
