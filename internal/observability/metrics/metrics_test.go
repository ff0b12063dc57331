package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"mechx/internal/delivery"
	xerrors "mechx/internal/errors"
	"mechx/internal/mech"
)

func TestObserveHTTPRequest(t *testing.T) {
	before := testutil.ToFloat64(Measures.HTTPRequests.WithLabelValues("requests", "POST", "202"))
	ObserveHTTPRequest("requests", "POST", 202, 30*time.Millisecond)
	after := testutil.ToFloat64(Measures.HTTPRequests.WithLabelValues("requests", "POST", "202"))
	if after != before+1 {
		t.Fatalf("expected counter to grow by one, got %v -> %v", before, after)
	}
}

func TestEngineRecordsOutcomes(t *testing.T) {
	var e Engine
	failed := testutil.ToFloat64(Measures.Submissions.WithLabelValues("onchain", "native", string(xerrors.KindPayment)))
	e.SubmissionFinished(mech.FlowOnchain, "native", xerrors.New(xerrors.CodePaymentFailure, "insufficient"), time.Second)
	if got := testutil.ToFloat64(Measures.Submissions.WithLabelValues("onchain", "native", string(xerrors.KindPayment))); got != failed+1 {
		t.Fatalf("unexpected failed submissions %v", got)
	}

	ids := []common.Hash{common.HexToHash("0x01"), common.HexToHash("0x02"), common.HexToHash("0x03")}
	res := delivery.Result{
		ids[0]: {RequestID: ids[0], Source: delivery.SourceOnchain, Status: delivery.StatusDelivered},
	}
	missing := testutil.ToFloat64(Measures.DeliveriesMissing.WithLabelValues("onchain"))
	e.DeliveriesFinished(mech.FlowOnchain, len(ids), res, 2*time.Second)
	if got := testutil.ToFloat64(Measures.DeliveriesMissing.WithLabelValues("onchain")); got != missing+2 {
		t.Fatalf("expected two missing deliveries, got %v", got-missing)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	ObserveJob("succeeded")
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "mechx_jobs_total") {
		t.Fatalf("jobs counter missing from exposition:\n%s", body)
	}
}

func TestSetPendingJobs(t *testing.T) {
	SetPendingJobs(7)
	if got := testutil.ToFloat64(Measures.JobQueueDepth); got != 7 {
		t.Fatalf("expected 7 pending jobs, got %v", got)
	}
	SetPendingJobs(0)
	if got := testutil.ToFloat64(Measures.JobQueueDepth); got != 0 {
		t.Fatalf("expected 0 pending jobs, got %v", got)
	}
}
