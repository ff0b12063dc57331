package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"mechx/internal/delivery"
	xerrors "mechx/internal/errors"
	"mechx/internal/mech"
	"mechx/internal/payment"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error { return errors.New("broker down") }
func (failingProducer) Close() error                          { return nil }

func TestServiceSubmitIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(4)
	svc := NewService(store, queue, 0)
	ctx := context.Background()

	first, err := svc.Submit(ctx, "fixed-id", testRequest("a"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.MaxRetries != 3 {
		t.Fatalf("expected default retries, got %d", first.MaxRetries)
	}
	second, err := svc.Submit(ctx, "fixed-id", testRequest("b"))
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Request.Prompts[0] != "a" {
		t.Fatalf("expected existing job, got %+v", second)
	}
	if queue.Len() != 1 {
		t.Fatalf("expected one published job, got %d", queue.Len())
	}
}

func TestServiceSubmitValidates(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewMemoryQueue(1), 3)
	cases := []Request{
		{},
		{Prompts: []string{"a"}, Tools: []string{}, PriorityMech: testMech},
		{Prompts: []string{"a"}, Tools: []string{"t"}, PriorityMech: "0x12"},
		{Prompts: []string{"a"}, Tools: []string{"t"}, PriorityMech: testMech, PaymentType: "bitcoin"},
	}
	for i, req := range cases {
		if _, err := svc.Submit(context.Background(), "", req); xerrors.KindOf(err) != xerrors.KindValidation {
			t.Fatalf("case %d: expected validation error, got %v", i, err)
		}
	}
}

func TestServicePublishFailureMarksJobFailed(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, failingProducer{}, 3)
	_, err := svc.Submit(context.Background(), "job-x", testRequest("a"))
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("expected publish error, got %v", err)
	}
	got, _ := store.Get(context.Background(), "job-x")
	if got.Status != StatusFailed {
		t.Fatalf("unexpected job %+v", got)
	}
}

func TestWaitUntilCompleted(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, NewMemoryQueue(1), 3)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := svc.Submit(ctx, "w", testRequest("a")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = store.MarkSucceeded(context.Background(), "w", ExecutionResult{Flow: "onchain"})
	}()
	got, err := svc.WaitUntilCompleted(ctx, "w", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != StatusSucceeded {
		t.Fatalf("unexpected status %s", got.Status)
	}
}

func TestMechRequestConversion(t *testing.T) {
	req := testRequest("a")
	req.PaymentType = "native"
	req.TimeoutSeconds = 30
	req.UseOffchain = true
	got, err := req.MechRequest()
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if got.PaymentType == nil || *got.PaymentType != payment.TypeNative {
		t.Fatalf("unexpected payment type %v", got.PaymentType)
	}
	if got.Timeout != 30*time.Second || !got.UseOffchain || got.PriorityMech != common.HexToAddress(testMech) {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestNewExecutionResultOrdersByRequest(t *testing.T) {
	ids := []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02")}
	res := &mech.Result{
		Flow:        mech.FlowOffchain,
		PaymentType: payment.TypeNative,
		RequestIDs:  ids,
		Deliveries: delivery.Result{
			ids[1]: {RequestID: ids[1], Status: delivery.StatusDelivered, Source: delivery.SourceOffchain, Data: []byte(`{"result":"x"}`)},
		},
	}
	out := NewExecutionResult(res)
	if out.TxHash != "" {
		t.Fatalf("off-chain result must not carry a tx hash: %q", out.TxHash)
	}
	if len(out.Missing) != 1 || out.Missing[0] != ids[0].Hex() {
		t.Fatalf("unexpected missing %v", out.Missing)
	}
	if len(out.Deliveries) != 1 || out.Deliveries[0].Data != `{"result":"x"}` || out.Deliveries[0].Source != "offchain" {
		t.Fatalf("unexpected deliveries %+v", out.Deliveries)
	}
}
