package busclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestCallPostsActionWithHeaders(t *testing.T) {
	var gotPath, gotKey, gotContentType string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Write([]byte(`{"updated":1}`))
	}))
	defer server.Close()

	client := NewClient(Config{
		Service: "sales",
		BaseURL: server.URL,
		APIKey:  "secret",
	}, quietLogger())

	reply, err := client.Call(context.Background(), "deals.update", json.RawMessage(`{"status":"won"}`))
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if gotPath != "/rpc/deals.update" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotKey != "secret" || gotContentType != "application/json" {
		t.Fatalf("headers: key=%q content-type=%q", gotKey, gotContentType)
	}
	if string(gotBody) != `{"status":"won"}` {
		t.Fatalf("body: %s", gotBody)
	}
	if string(reply) != `{"updated":1}` {
		t.Fatalf("reply: %s", reply)
	}
}

func TestCallMapsRemoteStatusToStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such deal", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(Config{Service: "sales", BaseURL: server.URL}, quietLogger())
	_, err := client.Call(context.Background(), "deals.update", nil)

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("want StatusError, got %v", err)
	}
	if statusErr.Code != http.StatusNotFound || statusErr.Service != "sales" {
		t.Fatalf("unexpected status error: %+v", statusErr)
	}
}

func TestCallDeadlinePassesThroughContextError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewClient(Config{Service: "sales", BaseURL: server.URL}, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := client.Call(ctx, "deals.update", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
}

func TestCallClientTimeoutClassifiedAsDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	// The configured timeout fires before any context deadline would.
	client := NewClient(Config{
		Service: "sales",
		BaseURL: server.URL,
		Timeout: 30 * time.Millisecond,
	}, quietLogger())

	_, err := client.Call(context.Background(), "deals.update", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want DeadlineExceeded, got %v", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatal("a timed-out call is not an unreachable service")
	}
}

func TestCallConnectFailureIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // nobody listening

	client := NewClient(Config{Service: "sales", BaseURL: server.URL}, quietLogger())
	_, err := client.Call(context.Background(), "deals.update", nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close()

	client := NewClient(Config{
		Service: "sales",
		BaseURL: server.URL,
		Breaker: &BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	}, quietLogger())

	for i := 0; i < 2; i++ {
		if _, err := client.Call(context.Background(), "deals.update", nil); err == nil {
			t.Fatal("call should fail")
		}
	}

	// Third call is short-circuited before touching the network.
	_, err := client.Call(context.Background(), "deals.update", nil)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable from open breaker, got %v", err)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	breaker := NewBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMaxReqs: 1})

	breaker.OnFailure()
	if breaker.Allow() {
		t.Fatal("open breaker must not allow")
	}

	time.Sleep(15 * time.Millisecond)
	if !breaker.Allow() {
		t.Fatal("half-open breaker admits a probe")
	}
	breaker.OnSuccess()
	if breaker.State() != BreakerClosed {
		t.Fatalf("want closed after probe success, got %s", breaker.State())
	}
	if !breaker.Allow() {
		t.Fatal("closed breaker allows")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	breaker := NewBreaker(BreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMaxReqs: 1})

	breaker.OnFailure()
	time.Sleep(15 * time.Millisecond)
	if !breaker.Allow() {
		t.Fatal("probe not admitted")
	}
	breaker.OnFailure()
	if breaker.Allow() {
		t.Fatal("failed probe must reopen the breaker")
	}
}
