package gossip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/staeon/node/pkg/models"
)

func TestPropagateDeliversToAssignedDomains(t *testing.T) {
	var mu sync.Mutex
	var hits []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.URL.Path)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	domain := srv.Listener.Addr().String()

	p := New(func() []string { return []string{domain} }, "self.example")
	p.client = srv.Client()

	// deliver() always builds "https://<domain><path>" — rewrite via a
	// transport that redirects to the test server regardless of scheme,
	// since httptest only serves plain HTTP.
	p.client.Transport = rewriteTransport{target: srv.URL}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Run(ctx, 2)

	tx := models.Transaction{TxID: "abc123"}
	p.Propagate("transaction", tx)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(hits)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected at least one delivery, got none")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if hits[0] != "/staeon/transaction/" {
		t.Errorf("expected delivery to /staeon/transaction/, got %s", hits[0])
	}
}

func TestPropagateSkipsSelfDomain(t *testing.T) {
	p := New(func() []string { return []string{"self.example"} }, "self.example")
	// No server wired up — if this tried to deliver, it would hang/err.
	// Propagate should skip the self domain entirely and enqueue nothing.
	p.Propagate("transaction", models.Transaction{TxID: "x"})
	select {
	case <-p.jobs:
		t.Errorf("expected no job to be enqueued for the self domain")
	default:
	}
}

func TestMarkSeenIsAtMostOncePerDomain(t *testing.T) {
	p := New(func() []string { return nil }, "self.example")
	payload := []byte(`{"a":1}`)

	if p.markSeen(payload, "peer.example") {
		t.Fatalf("first observation should not be marked seen yet")
	}
	if !p.markSeen(payload, "peer.example") {
		t.Errorf("second observation of the same (payload, domain) should be seen")
	}
	if p.markSeen(payload, "other.example") {
		t.Errorf("a different domain should not be considered seen")
	}
}

// rewriteTransport forces every request to hit target's host instead of
// whatever https://<domain> URL deliver() constructed, so the test can
// use httptest's plain-HTTP server.
type rewriteTransport struct {
	target string
}

func (rt rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target, err := http.NewRequest(req.Method, rt.target+req.URL.Path, req.Body)
	if err != nil {
		return nil, err
	}
	target.Header = req.Header
	return http.DefaultTransport.RoundTrip(target)
}
