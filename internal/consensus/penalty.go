package consensus

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/staeon/node/internal/peerset"
	"github.com/staeon/node/pkg/models"
)

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

// PenaltyFactor is the fraction of reputation removed from a peer whose
// penalty resolves "for" (DESIGN.md open-question decision a).
const PenaltyFactor = 0.10

// QuorumPercent is the share of total reputation that must have voted,
// combined for+against, before a penalty resolves (decision c).
const QuorumPercent = 50.0

// BuildPenalization implements spec.md §4.8 step 3: for a wrong or
// not-present pull, construct a signed NodePenalization naming the
// correct mini-hash and, for a wrong push, the full received push (a nil
// Push is the silent-penalty marker a not-present verdict uses).
func BuildPenalization(epoch int64, accusedDomain, accuserDomain, correctHash string, verdict Verdict, received *models.EpochHashPush, signer Signer) (models.NodePenalization, error) {
	p := models.NodePenalization{
		Epoch:         epoch,
		AccusedDomain: accusedDomain,
		AccuserDomain: accuserDomain,
		CorrectHash:   correctHash,
	}
	if verdict == VerdictWrong {
		p.Push = received
	}

	sig, err := signer.Sign([]byte(itoa(p.Epoch) + p.AccusedDomain + p.CorrectHash))
	if err != nil {
		return models.NodePenalization{}, err
	}
	p.Signature = sig
	return p, nil
}

// DecideVote implements spec.md §4.8 step 4: the voting node recomputes,
// from its own matrix, the mini-hash indices the accused owed the
// accuser. An empty expectation means the voter's matrix disagrees about
// the assignment entirely (itself only possible under a shuffle-seed
// disagreement) and the vote abstains. Otherwise the vote corroborates a
// silent-peer accusation (nothing to check independently beyond matrix
// agreement) or, for a wrong-hash accusation, refutes it only if the
// accused's received push actually carries every mini-hash the voter's
// own matrix says it owed.
func DecideVote(expectedIndices []int, accusation models.NodePenalization, ourMiniHashes []string) VoteDecision {
	if len(expectedIndices) == 0 {
		return VoteAbstain
	}
	if accusation.Push == nil {
		return VoteFor
	}
	for _, i := range expectedIndices {
		if i >= len(ourMiniHashes) {
			continue
		}
		if !strings.Contains(accusation.Push.Hashes, ourMiniHashes[i]) {
			return VoteFor
		}
	}
	return VoteAgainst
}

// VoteDecision is the outcome of DecideVote.
type VoteDecision int

const (
	VoteAbstain VoteDecision = iota
	VoteFor
	VoteAgainst
)

// BuildVote signs a PenaltyVote for the given decision. Abstain votes are
// never signed or gossiped — spec.md §4.8 step 4 only says votes are
// "signed and gossiped", implying an active for/against.
func BuildVote(epoch int64, penalizedPeer, votingPeer string, decision VoteDecision, signer Signer) (models.PenaltyVote, error) {
	if decision == VoteAbstain {
		return models.PenaltyVote{}, errors.New("consensus: abstain votes are not signed")
	}
	v := models.PenaltyVote{
		Epoch:         epoch,
		PenalizedPeer: penalizedPeer,
		VotingPeer:    votingPeer,
		VoteFor:       decision == VoteFor,
	}
	sig, err := signer.Sign([]byte(v.PenalizedPeer + v.VotingPeer))
	if err != nil {
		return models.PenaltyVote{}, err
	}
	v.Signature = sig
	return v, nil
}

// Tracker accumulates PenaltyVote reputation tallies per accused peer,
// keyed by (epoch, accused domain) so votes from different epochs for the
// same peer are never mixed.
type Tracker struct {
	mu    sync.Mutex
	votes map[string]map[string]bool // "accused@epoch" -> voterDomain -> voteFor
}

func NewTracker() *Tracker {
	return &Tracker{votes: make(map[string]map[string]bool)}
}

func key(epoch int64, accused string) string {
	return accused + "@" + itoa(epoch)
}

// RecordVote stores a single peer's vote, at-most-once per voter.
func (t *Tracker) RecordVote(v models.PenaltyVote) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(v.Epoch, v.PenalizedPeer)
	if t.votes[k] == nil {
		t.votes[k] = make(map[string]bool)
	}
	t.votes[k][v.VotingPeer] = v.VoteFor
}

// Tally sums the reputation voting for vs. against an accused peer.
func (t *Tracker) Tally(epoch int64, accused string, peers *peerset.PeerSet) (forRep, againstRep float64) {
	t.mu.Lock()
	votes := t.votes[key(epoch, accused)]
	t.mu.Unlock()

	for voter, voteFor := range votes {
		p, ok := peers.Get(voter)
		if !ok {
			continue
		}
		if voteFor {
			forRep += p.Reputation
		} else {
			againstRep += p.Reputation
		}
	}
	return forRep, againstRep
}

// Resolution is the outcome of resolving one accusation, per spec.md
// §4.8 step 5.
type Resolution int

const (
	ResolutionNoQuorum Resolution = iota
	ResolutionPenalizeAccused
	ResolutionPenalizeAccuser
)

// Resolve implements spec.md §4.8 step 5: quorum requires for+against to
// exceed QuorumPercent of total reputation; with quorum, for >= against
// penalizes the accused (ties favor the accuser — decision c), otherwise
// the accuser is penalized for a refuted claim.
func Resolve(forRep, againstRep, totalRep float64) Resolution {
	if totalRep <= 0 {
		return ResolutionNoQuorum
	}
	voted := forRep + againstRep
	if voted/totalRep*100 <= QuorumPercent {
		return ResolutionNoQuorum
	}
	if forRep >= againstRep {
		return ResolutionPenalizeAccused
	}
	return ResolutionPenalizeAccuser
}

// ApplyResolution mutates the target's reputation by PenaltyFactor. Per
// spec.md §4.8 step 5, callers must defer this to the next epoch boundary
// rather than applying it immediately, so the shuffle matrix for the
// epoch under consensus stays stable throughout its own round.
func ApplyResolution(peers *peerset.PeerSet, domain string) {
	peers.Adjust(domain, 1-PenaltyFactor)
}
