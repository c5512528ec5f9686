package metrics

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(itemsCompleted.WithLabelValues("mock"))
	ItemsCompleted(" Mock ", 3)
	ItemsCompleted("mock", 0)
	if got := testutil.ToFloat64(itemsCompleted.WithLabelValues("mock")) - before; got != 3 {
		t.Errorf("items completed delta = %v, want 3", got)
	}

	inFlight := testutil.ToFloat64(batchesInFlight)
	BatchStarted()
	if got := testutil.ToFloat64(batchesInFlight); got != inFlight+1 {
		t.Errorf("in flight = %v, want %v", got, inFlight+1)
	}
	BatchDone()
	if got := testutil.ToFloat64(batchesInFlight); got != inFlight {
		t.Errorf("in flight = %v, want %v", got, inFlight)
	}

	ObserveJob("mock", "Succeeded", 2*time.Second)
	if got := testutil.ToFloat64(jobOutcomes.WithLabelValues("mock", "succeeded")); got < 1 {
		t.Errorf("job outcomes = %v, want >= 1", got)
	}
}

func TestListenDisabled(t *testing.T) {
	s, err := Listen("", nil)
	if err != nil || s != nil {
		t.Fatalf("Listen(\"\") = %v, %v; want nil, nil", s, err)
	}
	if err := s.Serve(context.Background()); err != nil {
		t.Fatalf("nil Serve() error = %v", err)
	}
}

func TestServeMetrics(t *testing.T) {
	s, err := Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	PollError("azure")

	var body string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get("http://" + s.Addr() + "/metrics")
		if err == nil {
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			body = string(data)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(body, "narrate_poll_errors_total") {
		t.Errorf("metrics output missing poll errors counter")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
}
