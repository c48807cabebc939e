package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/musistudio/claude-code-router/pkg/apierror"
	"github.com/musistudio/claude-code-router/pkg/transformer"
)

func TestBreakerOpensAfterFailures(t *testing.T) {
	b := NewBreaker()
	for i := 0; i < failureThreshold-1; i++ {
		b.Record(false)
		if b.State() != StateClosed {
			t.Fatalf("opened after %d failures", i+1)
		}
	}
	b.Record(false)
	if b.State() != StateOpen {
		t.Fatalf("state = %s after %d failures", b.State(), failureThreshold)
	}
	if b.Allow() {
		t.Error("open breaker allowed a call")
	}
	if !b.Open() {
		t.Error("Open() = false on open breaker")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker()
	for i := 0; i < failureThreshold-1; i++ {
		b.Record(false)
	}
	b.Record(true)
	for i := 0; i < failureThreshold-1; i++ {
		b.Record(false)
	}
	if b.State() != StateClosed {
		t.Errorf("intervening success did not reset the count: %s", b.State())
	}
}

func TestBreakerHalfOpenCycle(t *testing.T) {
	b := NewBreaker()
	b.state = StateHalfOpen

	// limited probes in half-open
	for i := 0; i < halfOpenProbeCap; i++ {
		if !b.Allow() {
			t.Fatalf("probe %d rejected", i)
		}
	}
	if b.Allow() {
		t.Error("probe cap not enforced")
	}

	// enough successes close the breaker
	for i := 0; i < successThreshold; i++ {
		b.Record(true)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s after probe successes", b.State())
	}

	// a single failure in half-open reopens
	b.state = StateHalfOpen
	b.Record(false)
	if b.State() != StateOpen {
		t.Errorf("state = %s after half-open failure", b.State())
	}
}

func TestBreakerSetTransitionsObserved(t *testing.T) {
	var got []string
	set := NewBreakerSet(func(provider, from, to string) {
		got = append(got, provider+":"+from+">"+to)
	})
	b := set.Get("deepseek")
	for i := 0; i < failureThreshold; i++ {
		b.Record(false)
	}
	if len(got) != 1 || got[0] != "deepseek:closed>open" {
		t.Errorf("transitions = %v", got)
	}
	if set.Get("deepseek") != b {
		t.Error("Get did not return the same breaker")
	}
}

func TestBreakerSetCheck(t *testing.T) {
	set := NewBreakerSet(nil)
	if err := set.Check("p"); err != nil {
		t.Fatalf("closed breaker: %v", err)
	}
	b := set.Get("p")
	for i := 0; i < failureThreshold; i++ {
		b.Record(false)
	}
	err := set.Check("p")
	if err == nil {
		t.Fatal("open breaker not reported")
	}
	if apierror.AsError(err).Kind != apierror.KindCircuitOpen {
		t.Errorf("kind = %s", apierror.AsError(err).Kind)
	}
}

func TestClientRetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(WithMaxAttempts(3), WithBackoff(time.Millisecond, 2*time.Millisecond))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestClientDoesNotRetry4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewClient(WithMaxAttempts(3), WithBackoff(time.Millisecond, 2*time.Millisecond))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (4xx is terminal)", calls.Load())
	}
}

func TestClientExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	client := NewClient(WithMaxAttempts(2), WithBackoff(time.Millisecond, 2*time.Millisecond))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := client.Do(req)
	if err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if apierror.AsError(err).Kind != apierror.KindRateLimited {
		t.Errorf("kind = %s", apierror.AsError(err).Kind)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestDispatchUnary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk-test" {
			t.Errorf("Authorization = %q", auth)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"msg_1"}`))
	}))
	defer srv.Close()

	d := NewDispatcher(NewClient(), NewBreakerSet(nil), 5*time.Second)
	treq := &transformer.Request{
		Body:    []byte(`{"model":"m"}`),
		URL:     srv.URL,
		Headers: http.Header{"Authorization": {"Bearer sk-test"}},
	}
	resp, err := d.Dispatch(context.Background(), treq, "p", false)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if resp.Streaming() {
		t.Error("unary response reported streaming")
	}
	if string(resp.Body) != `{"id":"msg_1"}` {
		t.Errorf("body = %s", resp.Body)
	}
	if d.Breakers().Get("p").State() != StateClosed {
		t.Error("success not recorded")
	}
}

func TestDispatchStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte("data: {\"type\":\"message_stop\"}\n\n"))
	}))
	defer srv.Close()

	d := NewDispatcher(NewClient(), NewBreakerSet(nil), 5*time.Second)
	resp, err := d.Dispatch(context.Background(), &transformer.Request{URL: srv.URL, Headers: http.Header{}}, "p", true)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !resp.Streaming() {
		t.Fatal("stream response not detected")
	}
	resp.Stream.Close()
}

func TestDispatchErrorStatusFeedsBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad"}`))
	}))
	defer srv.Close()

	d := NewDispatcher(NewClient(), NewBreakerSet(nil), 5*time.Second)
	for i := 0; i < failureThreshold+1; i++ {
		_, err := d.Dispatch(context.Background(), &transformer.Request{URL: srv.URL, Headers: http.Header{}}, "p", false)
		if err == nil {
			t.Fatal("expected error")
		}
		apiErr := apierror.AsError(err)
		if apiErr.Kind != apierror.KindUpstreamClient {
			t.Fatalf("kind = %s", apiErr.Kind)
		}
		if apiErr.WireType() != "api_error" {
			t.Fatalf("wire type = %q", apiErr.WireType())
		}
		if apiErr.Provider != "p" {
			t.Fatalf("provider = %q", apiErr.Provider)
		}
	}
	// 400s are the caller's fault and must not trip the breaker
	if d.Breakers().Get("p").State() != StateClosed {
		t.Errorf("breaker state = %s", d.Breakers().Get("p").State())
	}
}

func TestDispatchCallerFaultDoesNotResetBreaker(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusInternalServerError)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	d := NewDispatcher(NewClient(WithMaxAttempts(1)), NewBreakerSet(nil), 5*time.Second)
	dispatch := func() {
		_, _ = d.Dispatch(context.Background(), &transformer.Request{URL: srv.URL, Headers: http.Header{}}, "p", false)
	}

	for i := 0; i < failureThreshold-1; i++ {
		dispatch()
	}
	status.Store(http.StatusBadRequest)
	dispatch()
	if d.Breakers().Get("p").State() != StateClosed {
		t.Fatal("400 counted as a provider failure")
	}

	// the 400 is neutral, so the next 500 is the fifth consecutive failure
	status.Store(http.StatusInternalServerError)
	dispatch()
	if d.Breakers().Get("p").State() != StateOpen {
		t.Errorf("intervening 400 reset the failure count: %s", d.Breakers().Get("p").State())
	}
}

func TestDispatchCircuitOpenShortCircuits(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	d := NewDispatcher(NewClient(), NewBreakerSet(nil), 5*time.Second)
	b := d.Breakers().Get("p")
	for i := 0; i < failureThreshold; i++ {
		b.Record(false)
	}

	_, err := d.Dispatch(context.Background(), &transformer.Request{URL: srv.URL, Headers: http.Header{}}, "p", false)
	if err == nil {
		t.Fatal("expected circuit open error")
	}
	if apierror.AsError(err).Kind != apierror.KindCircuitOpen {
		t.Errorf("kind = %s", apierror.AsError(err).Kind)
	}
	if calls.Load() != 0 {
		t.Error("request reached upstream despite open circuit")
	}
}
