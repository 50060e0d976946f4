package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"restlink/internal/errors"
	"restlink/internal/restaurant"
)

func TestCandidates_SinglePass(t *testing.T) {
	c := NewCandidates([]restaurant.RawCandidate{{Name: "a"}, {Name: "b"}})

	first := c.Collect()
	if len(first) != 2 {
		t.Fatalf("first pass len = %d, want 2", len(first))
	}
	if second := c.Collect(); len(second) != 0 {
		t.Errorf("second pass len = %d, want 0", len(second))
	}
}

func TestCandidates_EarlyStop(t *testing.T) {
	c := NewCandidates([]restaurant.RawCandidate{{Name: "a"}, {Name: "b"}, {Name: "c"}})

	var seen []string
	for cand := range c.All() {
		seen = append(seen, cand.Name)
		if len(seen) == 1 {
			break
		}
	}
	if len(seen) != 1 || seen[0] != "a" {
		t.Errorf("seen = %v", seen)
	}
	if rest := c.Collect(); len(rest) != 0 {
		t.Errorf("sequence should not restart, got %d items", len(rest))
	}
}

func staleFixture() []restaurant.RawCandidate {
	return []restaurant.RawCandidate{
		{ExternalID: "t-1", Name: "Ichiran"},
		{ExternalID: "t-2", Name: "Afuri"},
		{ExternalID: "t-3", Name: "Fuunji"},
	}
}

func TestStaleDetector(t *testing.T) {
	d := NewStaleDetector()

	call1 := staleFixture()
	if d.Observe("q1", call1) {
		t.Error("first call can never be stale")
	}

	call2 := staleFixture()
	// order differs, identity set does not
	call2[0], call2[2] = call2[2], call2[0]
	if !d.Observe("q2", call2) {
		t.Error("identical set for a different query should be stale")
	}
	for _, c := range call2 {
		if !c.StaleResultSuspected {
			t.Errorf("candidate %s not flagged", c.Name)
		}
	}

	call3 := staleFixture()
	if !d.Observe("q3", call3) {
		t.Error("third identical set should be stale")
	}

	repeat := staleFixture()
	if d.Observe("q3", repeat) {
		t.Error("same query returning same results is not stale")
	}

	if d.Observe("q4", nil) {
		t.Error("empty result set is never stale")
	}

	d.Reset()
	if d.Observe("q5", staleFixture()) {
		t.Error("first call after Reset can never be stale")
	}
}

func TestHTTPClient_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   errors.ErrorCode
	}{
		{http.StatusTooManyRequests, errors.RateLimited},
		{http.StatusGatewayTimeout, errors.Timeout},
		{http.StatusBadGateway, errors.TransportFailed},
		{http.StatusForbidden, errors.RequestRejected},
		{http.StatusNotFound, errors.RequestRejected},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			c := NewHTTPClient(restaurant.SourceYelp, srv.URL, HTTPOptions{})
			_, err := c.Get(context.Background(), "/search", nil)
			if got := errors.CodeOf(err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v (err=%v)", got, tt.want, err)
			}
		})
	}
}

func TestHTTPClient_SuccessAndHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Query().Get("term") != "sushi" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	header := http.Header{}
	header.Set("Authorization", "Bearer k")
	c := NewHTTPClient(restaurant.SourceYelp, srv.URL+"/", HTTPOptions{Header: header})

	body, err := c.Get(context.Background(), "/v3/businesses/search", map[string][]string{"term": {"sushi"}})
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(body) != `{"ok":true}` {
		t.Errorf("body = %s", body)
	}
}

func TestHTTPClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := NewHTTPClient(restaurant.SourceTabelog, srv.URL, HTTPOptions{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Get(ctx, "/", nil)
	if got := errors.CodeOf(err); got != errors.Timeout {
		t.Errorf("CodeOf() = %v, want TIMEOUT (err=%v)", got, err)
	}
}

func TestHTTPClient_Canceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewHTTPClient(restaurant.SourceTabelog, srv.URL, HTTPOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := c.Get(ctx, "/", nil)
	if got := errors.CodeOf(err); got != errors.Canceled {
		t.Errorf("CodeOf() = %v, want CANCELED (err=%v)", got, err)
	}
}
