package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mechx/internal/delivery"
	xerrors "mechx/internal/errors"
	"mechx/internal/journal"
	"mechx/internal/mech"
	"mechx/internal/observability/alerting"
	"mechx/internal/payment"
)

const testMech = "0x00000000000000000000000000000000000000aa"

type fakeExecutor struct {
	processed atomic.Int32
	latency   time.Duration
	respond   func(call int, req mech.Request) (*mech.Result, error)
}

func (f *fakeExecutor) Submit(ctx context.Context, req mech.Request) (*mech.Result, error) {
	if f.latency > 0 {
		select {
		case <-time.After(f.latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := int(f.processed.Add(1))
	if f.respond != nil {
		return f.respond(call, req)
	}
	return deliveredResult(len(req.Prompts)), nil
}

func deliveredResult(n int) *mech.Result {
	res := &mech.Result{
		Flow:        mech.FlowOnchain,
		TxHash:      common.HexToHash("0xfeed"),
		PaymentType: payment.TypeNative,
		Deliveries:  delivery.Result{},
	}
	for i := 0; i < n; i++ {
		var h common.Hash
		h[31] = byte(i + 1)
		res.RequestIDs = append(res.RequestIDs, h)
		res.ContentIDs = append(res.ContentIDs, fmt.Sprintf("f01%02d", i))
		res.Deliveries[h] = delivery.Delivery{RequestID: h, Status: delivery.StatusDelivered, Source: delivery.SourceOnchain}
	}
	return res
}

type memoryJournal struct {
	mu      sync.Mutex
	records []journal.Record
}

func (m *memoryJournal) Save(_ context.Context, records ...journal.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (r *recordingAlerter) Notify(_ context.Context, ev alerting.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func testRequest(prompts ...string) Request {
	tools := make([]string, len(prompts))
	for i := range tools {
		tools[i] = "openai-gpt-4"
	}
	return Request{Prompts: prompts, Tools: tools, PriorityMech: testMech}
}

func TestProcessorHandlesConcurrentTasks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(1024)
	exec := &fakeExecutor{latency: 5 * time.Millisecond}

	service := NewService(store, queue, 3)
	processor := NewProcessor(exec, store, queue, queue, WithWorkerCount(8))

	go func() {
		if err := processor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("processor exited: %v", err)
		}
	}()

	total := 100
	for i := 0; i < total; i++ {
		if _, err := service.Submit(ctx, "", testRequest(fmt.Sprintf("prompt-%d", i))); err != nil {
			t.Fatalf("submit job: %v", err)
		}
	}

	deadline := time.After(5 * time.Second)
	for int(exec.processed.Load()) < total {
		select {
		case <-deadline:
			t.Fatalf("jobs not processed in time, done %d", exec.processed.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func newHandledTask(t *testing.T, store *MemoryStore, req Request, maxRetries int) *Task {
	t.Helper()
	task := &Task{ID: "job-1", Request: req, Status: StatusPending, MaxRetries: maxRetries}
	if err := store.Create(context.Background(), task); err != nil {
		t.Fatalf("create: %v", err)
	}
	return task
}

func TestProcessorRecordsJournalOnSuccess(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	rec := &memoryJournal{}
	p := NewProcessor(&fakeExecutor{}, store, queue, queue, WithJournal(rec))
	newHandledTask(t, store, testRequest("a", "b"), 3)

	if err := p.handle(context.Background(), "job-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(context.Background(), "job-1")
	if got.Status != StatusSucceeded || got.Result == nil || len(got.Result.Deliveries) != 2 {
		t.Fatalf("unexpected job %+v", got)
	}
	if len(rec.records) != 2 || rec.records[0].Status != journal.StatusDelivered || rec.records[0].JobID != "job-1" {
		t.Fatalf("unexpected journal %+v", rec.records)
	}
}

func TestProcessorEmptyDeliveriesIsTimeout(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	exec := &fakeExecutor{respond: func(int, mech.Request) (*mech.Result, error) {
		res := deliveredResult(1)
		res.Deliveries = delivery.Result{}
		return res, nil
	}}
	p := NewProcessor(exec, store, queue, queue)
	newHandledTask(t, store, testRequest("a"), 3)

	if err := p.handle(context.Background(), "job-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	got, _ := store.Get(context.Background(), "job-1")
	if got.Status != StatusFailed || got.ErrorCode != string(xerrors.CodeDeliveryTimeout) {
		t.Fatalf("expected delivery timeout, got %+v", got)
	}
	if got.Result == nil || len(got.Result.Missing) != 1 {
		t.Fatalf("expected result with missing id, got %+v", got.Result)
	}
	if _, err := store.Claim(context.Background(), "job-1"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("delivery timeout must not be retried, got %v", err)
	}
}

func TestProcessorRequeuesRPCFailures(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	exec := &fakeExecutor{respond: func(call int, req mech.Request) (*mech.Result, error) {
		if call == 1 {
			return nil, xerrors.New(xerrors.CodeRPCFailure, "connection reset")
		}
		return deliveredResult(len(req.Prompts)), nil
	}}
	p := NewProcessor(exec, store, queue, queue)
	newHandledTask(t, store, testRequest("a"), 3)

	ctx := context.Background()
	if err := p.handle(ctx, "job-1"); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	select {
	case id := <-queue.ids:
		if err := p.handle(ctx, id); err != nil {
			t.Fatalf("second attempt: %v", err)
		}
	default:
		t.Fatal("expected job to be requeued")
	}
	got, _ := store.Get(ctx, "job-1")
	if got.Status != StatusSucceeded || got.Attempts != 2 {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestProcessorDoesNotResubmitPaymentFailures(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	alerts := &recordingAlerter{}
	exec := &fakeExecutor{respond: func(int, mech.Request) (*mech.Result, error) {
		return nil, xerrors.New(xerrors.CodeRetriesExhausted, "gave up",
			xerrors.WithMetadata("tx_hash", "0x01"))
	}}
	p := NewProcessor(exec, store, queue, queue, WithAlertDispatcher(alerts))
	newHandledTask(t, store, testRequest("a"), 3)

	if err := p.handle(context.Background(), "job-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if queue.Len() != 0 {
		t.Fatal("job must not be requeued")
	}
	got, _ := store.Get(context.Background(), "job-1")
	if got.Status != StatusFailed || got.ErrorCode != string(xerrors.CodeRetriesExhausted) {
		t.Fatalf("unexpected job %+v", got)
	}
	if len(alerts.events) != 1 || alerts.events[0].JobID != "job-1" || alerts.events[0].Metadata["stage"] != "terminal" {
		t.Fatalf("expected one terminal alert, got %+v", alerts.events)
	}
}

func TestProcessorRejectsInvalidStoredRequest(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	exec := &fakeExecutor{}
	p := NewProcessor(exec, store, queue, queue)
	req := testRequest("a")
	req.PriorityMech = "not-an-address"
	newHandledTask(t, store, req, 3)

	if err := p.handle(context.Background(), "job-1"); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if exec.processed.Load() != 0 {
		t.Fatal("executor must not be called")
	}
	got, _ := store.Get(context.Background(), "job-1")
	if got.ErrorCode != string(CodeTaskValidation) {
		t.Fatalf("unexpected error code %q", got.ErrorCode)
	}
}

func TestResubmittable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{xerrors.New(xerrors.CodeRPCFailure, "reset"), true},
		{xerrors.New(xerrors.CodeRPCFailure, "reset", xerrors.WithMetadata("tx_hash", "0x1")), false},
		{xerrors.New(xerrors.CodeInvalidArgument, "bad"), false},
		{errors.New("plain"), false},
	}
	for i, tc := range cases {
		if got := resubmittable(tc.err); got != tc.want {
			t.Fatalf("case %d: resubmittable(%v) = %v, want %v", i, tc.err, got, tc.want)
		}
	}
}
