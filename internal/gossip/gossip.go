// Package gossip fans validated objects out to peers over HTTP, per
// spec.md §4.9. The worker pool is a channel-backed hub in the teacher's
// websocket.Hub idiom: a bounded job channel consumed by a fixed number
// of goroutines, except delivery here is a point-to-point HTTPS POST to
// one peer domain rather than a broadcast to every websocket client.
package gossip

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/staeon/node/pkg/models"
)

// DeliveryTimeout bounds a single peer POST, per spec.md §4.9's 3–5s
// window.
const DeliveryTimeout = 4 * time.Second

// QueueSize bounds the outstanding job queue; once full, Propagate and
// SendTo drop the oldest queued job to make room for the newest one
// (back-pressure by dropping oldest, not by blocking the caller).
const QueueSize = 512

// paths maps a gossiped object's type to the HTTP surface endpoint and
// form field spec.md §6's table assigns it.
var paths = map[string]struct {
	path  string
	field string
}{
	"transaction":     {"/staeon/transaction/", "tx"},
	"rejection":       {"/staeon/rejections/", "domain"},
	"peers":           {"/staeon/peers/", "registration"},
	"epoch_hash_push": {"/staeon/consensus/push", "obj"},
	"penalty":         {"/staeon/consensus/penalty", "obj"},
	"penalty_vote":    {"/staeon/consensus/penalty", "obj"},
}

type job struct {
	domain  string
	objType string
	payload []byte
}

// DomainsFunc resolves the current epoch's gossip fan-out set —
// spec.md §4.9's `EpochSummary.prop_domains()`, the domains in the
// current epoch's push_legit_to assignment. Supplied by the epoch driver
// so this package doesn't need to import epochsummary/peerset/shuffle
// just to ask "who do I gossip to right now".
type DomainsFunc func() []string

// Pool is the gossip fan-out worker pool. Safe for concurrent use.
type Pool struct {
	jobs       chan job
	client     *http.Client
	assigned   DomainsFunc
	selfDomain string

	mu   sync.Mutex
	seen map[string]bool // sha256(payload)+"|"+domain, at-most-once per epoch
}

// New builds a Pool. assigned is called fresh on every Propagate, so the
// fan-out set tracks whatever the epoch driver last computed.
func New(assigned DomainsFunc, selfDomain string) *Pool {
	return &Pool{
		jobs:       make(chan job, QueueSize),
		client:     &http.Client{Timeout: DeliveryTimeout},
		assigned:   assigned,
		selfDomain: selfDomain,
		seen:       make(map[string]bool),
	}
}

// Run starts n worker goroutines consuming the job queue, returning when
// ctx is cancelled. Grounded on the teacher's `go wsHub.Run()` background
// consumer started once at process wiring time.
func (p *Pool) Run(ctx context.Context, workers int) {
	for i := 0; i < workers; i++ {
		go p.worker(ctx)
	}
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			p.deliver(ctx, j)
		}
	}
}

// enqueue implements the drop-oldest back-pressure policy: if the queue
// is full, the oldest pending job is discarded to make room rather than
// blocking the caller (a request handler or the epoch driver).
func (p *Pool) enqueue(j job) {
	select {
	case p.jobs <- j:
		return
	default:
	}
	select {
	case <-p.jobs:
	default:
	}
	select {
	case p.jobs <- j:
	default:
	}
}

func hashKey(payload []byte, domain string) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]) + "|" + domain
}

// markSeen reports whether (payload, domain) has already been queued,
// and records it if not — the per-(object-hash, peer-domain) filter
// spec.md §4.9 requires to prevent re-propagation loops within an epoch.
func (p *Pool) markSeen(payload []byte, domain string) bool {
	k := hashKey(payload, domain)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen[k] {
		return true
	}
	p.seen[k] = true
	return false
}

// Propagate fans obj out to every domain the epoch driver's DomainsFunc
// currently assigns, skipping this node's own domain and any (hash,
// domain) pair already queued.
func (p *Pool) Propagate(objType string, obj interface{}) {
	payload, err := json.Marshal(obj)
	if err != nil {
		log.Printf("[Gossip] marshal %s: %v", objType, err)
		return
	}

	for _, domain := range p.assigned() {
		if domain == "" || domain == p.selfDomain {
			continue
		}
		if p.markSeen(payload, domain) {
			continue
		}
		p.enqueue(job{domain: domain, objType: objType, payload: payload})
	}
}

// SendTo delivers obj to exactly one domain — used for the point-to-point
// EpochHashPush, which already carries its own addressee.
func (p *Pool) SendTo(domain, objType string, obj interface{}) {
	payload, err := json.Marshal(obj)
	if err != nil {
		log.Printf("[Gossip] marshal %s: %v", objType, err)
		return
	}
	if domain == "" || domain == p.selfDomain {
		return
	}
	if p.markSeen(payload, domain) {
		return
	}
	p.enqueue(job{domain: domain, objType: objType, payload: payload})
}

// ResetEpoch clears the at-most-once filter at epoch rollover, so the
// same object shape gossiped again next epoch isn't silently swallowed.
func (p *Pool) ResetEpoch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = make(map[string]bool)
}

func (p *Pool) deliver(ctx context.Context, j job) {
	route, ok := paths[j.objType]
	if !ok {
		log.Printf("[Gossip] unknown object type %q", j.objType)
		return
	}

	form := url.Values{}
	form.Set(route.field, string(j.payload))
	if j.objType == "rejection" {
		// Rejection is the one object shape sent as discrete form fields
		// rather than a single JSON blob, per spec.md §6's table.
		var r models.Rejection
		if err := json.Unmarshal(j.payload, &r); err == nil {
			form = url.Values{"domain": {r.RejectingDomain}, "txid": {r.TxID}, "signature": {r.Signature}}
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, DeliveryTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("https://%s%s", j.domain, route.path)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewBufferString(form.Encode()))
	if err != nil {
		log.Printf("[Gossip] build request to %s: %v", j.domain, err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	// Every outbound delivery gets its own trace ID so a "delivery failed"
	// line in this node's log can be matched against the same line in the
	// receiving node's log during cross-node debugging.
	reqID := uuid.New().String()
	req.Header.Set("X-Staeon-Request-Id", reqID)

	resp, err := p.client.Do(req)
	if err != nil {
		log.Printf("[Gossip] delivery %s to %s failed: %v", reqID, j.domain, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		log.Printf("[Gossip] delivery %s: %s rejected %s with status %d", reqID, j.domain, j.objType, resp.StatusCode)
	}
}
