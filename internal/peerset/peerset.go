// Package peerset holds the set of registered peers, their reputations,
// and the derived quantities (rank, rep_percent, rep_percentile,
// consensus_line) spec.md §3/§4.5 define over them.
package peerset

import (
	"errors"
	"sort"
	"sync"

	"github.com/staeon/node/internal/walletcrypto"
	"github.com/staeon/node/pkg/models"
)

var (
	ErrRegistrationFieldsMissing = errors.New("peerset: registration missing required fields")
	ErrRegistrationBadSignature  = errors.New("peerset: registration signature does not match payout address")
	ErrUnknownPeer               = errors.New("peerset: unknown peer")
)

// PeerSet is safe for concurrent use. Reputation mutation only happens at
// epoch boundaries (via Adjust), while reads (rank, rep_percent, the HTTP
// peer listing) can happen at any time, so a single RWMutex is enough —
// there is no per-peer hot path the way there is for Ledger addresses.
type PeerSet struct {
	mu       sync.RWMutex
	byDomain map[string]*models.Peer
}

func New() *PeerSet {
	return &PeerSet{byDomain: make(map[string]*models.Peer)}
}

// Get returns a copy of the peer registered under domain.
func (s *PeerSet) Get(domain string) (models.Peer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byDomain[domain]
	if !ok {
		return models.Peer{}, false
	}
	return *p, true
}

// Seed inserts or overwrites a peer directly, used by store-load on
// startup.
func (s *PeerSet) Seed(p models.Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	s.byDomain[p.Domain] = &cp
}

// registrationMessage is the canonical bytes a PeerRegistration's
// signature must cover: proof that the registrant controls the payout
// address being claimed. original_source/main/views.py calls out to a
// validate_peer_registration helper not present in the retrieved source;
// this is the natural reading of "the signature on a registration", by
// analogy with txcodec's input-signing message.
func registrationMessage(domain, payoutAddress, timestamp string) []byte {
	return []byte(domain + "|" + payoutAddress + "|" + timestamp)
}

// Register applies the upsert-by-domain-OR-payout_address rule from
// original_source/main/views.py's `peers` POST handler: a peer already
// known under either the new domain or the new payout address has both
// fields overwritten in place (a re-registration, e.g. after a domain
// move), otherwise a fresh peer is created with reputation 0.
func (s *PeerSet) Register(reg models.PeerRegistration) error {
	if reg.Domain == "" || reg.PayoutAddress == "" || reg.Signature == "" {
		return ErrRegistrationFieldsMissing
	}

	msg := registrationMessage(reg.Domain, reg.PayoutAddress, reg.Timestamp.ISO())
	if !walletcrypto.RecoverAndVerifyAddress(msg, reg.Signature, reg.PayoutAddress) {
		return ErrRegistrationBadSignature
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range s.byDomain {
		if p.Domain == reg.Domain || p.PayoutAddress == reg.PayoutAddress {
			if p.Domain != reg.Domain {
				delete(s.byDomain, p.Domain)
			}
			p.Domain = reg.Domain
			p.PayoutAddress = reg.PayoutAddress
			s.byDomain[reg.Domain] = p
			return nil
		}
	}

	s.byDomain[reg.Domain] = &models.Peer{
		Domain:          reg.Domain,
		PayoutAddress:   reg.PayoutAddress,
		Reputation:      0,
		FirstRegistered: reg.Timestamp,
	}
	return nil
}

// ordered returns every peer sorted by rank (reputation descending, ties
// broken by earlier first_registered, then by domain), matching spec.md
// §3's rank definition.
func (s *PeerSet) ordered() []*models.Peer {
	out := make([]*models.Peer, 0, len(s.byDomain))
	for _, p := range s.byDomain {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Reputation != b.Reputation {
			return a.Reputation > b.Reputation
		}
		if !a.FirstRegistered.Time.Equal(b.FirstRegistered.Time) {
			return a.FirstRegistered.Time.Before(b.FirstRegistered.Time)
		}
		return a.Domain < b.Domain
	})
	return out
}

// Ordered returns a snapshot of every peer sorted by rank.
func (s *PeerSet) Ordered() []models.Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ranked := s.ordered()
	out := make([]models.Peer, len(ranked))
	for i, p := range ranked {
		out[i] = *p
	}
	return out
}

// Rank returns domain's zero-based rank (0 = highest reputation) per
// spec.md §3's definition, or -1 if domain is unknown.
func (s *PeerSet) Rank(domain string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, p := range s.ordered() {
		if p.Domain == domain {
			return i
		}
	}
	return -1
}

// TotalReputation sums every peer's reputation.
func (s *PeerSet) TotalReputation() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, p := range s.byDomain {
		total += p.Reputation
	}
	return total
}

// RepPercent implements spec.md §4.5's `rep_percent`: a peer's share of
// total reputation, as a percentage. Unknown domains return 0, matching
// the treatment of a peer that has since deregistered.
func (s *PeerSet) RepPercent(domain string) float64 {
	s.mu.RLock()
	p, ok := s.byDomain[domain]
	if !ok {
		s.mu.RUnlock()
		return 0
	}
	rep := p.Reputation
	s.mu.RUnlock()

	total := s.TotalReputation()
	if total == 0 {
		return 0
	}
	return rep / total * 100
}

// RepPercentile implements spec.md §4.5's `rep_percentile`: a peer's
// reputation plus the reputation of every peer ranked below it, as a
// percentage of the total.
func (s *PeerSet) RepPercentile(domain string) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ranked := s.ordered()
	var total float64
	for _, p := range ranked {
		total += p.Reputation
	}
	if total == 0 {
		return 0
	}

	idx := -1
	for i, p := range ranked {
		if p.Domain == domain {
			idx = i
			break
		}
	}
	if idx == -1 {
		return 0
	}

	var sum float64
	for i := idx; i < len(ranked); i++ {
		sum += ranked[i].Reputation
	}
	return sum / total * 100
}

// ConsensusLine implements spec.md §4.5's `consensus_line`: the rank of
// the lowest-reputation peer such that cumulative reputation, counted
// from the bottom, exceeds 50% of the total — the threshold below which
// a peer is eligible for penalty under spec.md §4.8.
func (s *PeerSet) ConsensusLine() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ranked := s.ordered()
	var total float64
	for _, p := range ranked {
		total += p.Reputation
	}
	if total == 0 || len(ranked) == 0 {
		return len(ranked) - 1
	}

	var cumulative float64
	for i := len(ranked) - 1; i >= 0; i-- {
		cumulative += ranked[i].Reputation
		if cumulative/total*100 > 50 {
			return i
		}
	}
	return 0
}

// Adjust multiplies domain's reputation by factor (e.g. 1 - penaltyFactor
// for a penalty), used at epoch boundaries by the consensus driver.
// Unknown domains are a no-op since a peer may have deregistered between
// accusation and resolution.
func (s *PeerSet) Adjust(domain string, factor float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.byDomain[domain]; ok {
		p.Reputation *= factor
	}
}

// MyNode resolves the local node's own Peer record, per spec.md §4.5's
// `my_node()`. Returns ErrUnknownPeer if this node has not registered
// itself into its own peer set yet.
func (s *PeerSet) MyNode(domain string) (models.Peer, error) {
	p, ok := s.Get(domain)
	if !ok {
		return models.Peer{}, ErrUnknownPeer
	}
	return p, nil
}

// Page returns page_size peers (1-indexed page, page_size 5 per
// original_source/main/views.py's `peers` GET handler), ordered by
// first_registered ascending as the original does for the plain paged
// listing (rank order is reserved for the `top` filter below).
func (s *PeerSet) Page(page, pageSize int) []models.Peer {
	s.mu.RLock()
	out := make([]*models.Peer, 0, len(s.byDomain))
	for _, p := range s.byDomain {
		out = append(out, p)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].FirstRegistered.Time.Before(out[j].FirstRegistered.Time)
	})

	start := pageSize * (page - 1)
	if start < 0 || start >= len(out) {
		return nil
	}
	end := start + pageSize
	if end > len(out) {
		end = len(out)
	}
	res := make([]models.Peer, end-start)
	for i, p := range out[start:end] {
		res[i] = *p
	}
	return res
}

// Top returns every peer whose rep_percentile exceeds 50, matching
// original_source/main/views.py's `?top` filter.
func (s *PeerSet) Top() []models.Peer {
	var out []models.Peer
	for _, p := range s.Ordered() {
		if s.RepPercentile(p.Domain) > 50 {
			out = append(out, p)
		}
	}
	return out
}

