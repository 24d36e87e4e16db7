package consensus

import (
	"testing"

	"github.com/staeon/node/internal/peerset"
	"github.com/staeon/node/internal/shuffle"
	"github.com/staeon/node/pkg/models"
)

func ranked() []models.Peer {
	return []models.Peer{
		{Domain: "a.example", Reputation: 60},
		{Domain: "b.example", Reputation: 30},
		{Domain: "c.example", Reputation: 10},
		{Domain: "d.example", Reputation: 5},
		{Domain: "e.example", Reputation: 1},
	}
}

func TestPushAndPullTargetsAreSymmetric(t *testing.T) {
	peers := ranked()
	matrix := shuffle.MakeMatrix(peers, "epoch-seed")

	for rank, p := range peers {
		targets := PushTargets(matrix, rank)
		for toDomain := range targets {
			pulls := PullTargets(matrix, toDomain, peers)
			if _, ok := pulls[p.Domain]; !ok {
				t.Errorf("%s pushes to %s but %s doesn't expect a pull from %s", p.Domain, toDomain, toDomain, p.Domain)
			}
		}
	}
}

func TestClassifyPullNotPresentWhenNoPush(t *testing.T) {
	v := ClassifyPull([]int{0, 1}, nil, []string{"aaaaaaaa", "bbbbbbbb"})
	if v != VerdictNotPresent {
		t.Errorf("expected VerdictNotPresent, got %v", v)
	}
}

func TestClassifyPullWrongWhenHashMissing(t *testing.T) {
	push := &models.EpochHashPush{Hashes: "aaaaaaaa,cccccccc"}
	v := ClassifyPull([]int{0, 1}, push, []string{"aaaaaaaa", "bbbbbbbb"})
	if v != VerdictWrong {
		t.Errorf("expected VerdictWrong when an expected hash is missing, got %v", v)
	}
}

func TestClassifyPullCorrectWhenAllHashesPresent(t *testing.T) {
	push := &models.EpochHashPush{Hashes: "bbbbbbbb,aaaaaaaa"}
	v := ClassifyPull([]int{0, 1}, push, []string{"aaaaaaaa", "bbbbbbbb"})
	if v != VerdictCorrect {
		t.Errorf("expected VerdictCorrect, got %v", v)
	}
}

func TestDecideVoteAbstainsOnMatrixDisagreement(t *testing.T) {
	accusation := models.NodePenalization{Push: &models.EpochHashPush{Hashes: "aaaaaaaa"}}
	v := DecideVote(nil, accusation, []string{"aaaaaaaa"})
	if v != VoteAbstain {
		t.Errorf("expected VoteAbstain with no expected indices, got %v", v)
	}
}

func TestDecideVoteForSilentAccusation(t *testing.T) {
	accusation := models.NodePenalization{Push: nil}
	v := DecideVote([]int{0}, accusation, []string{"aaaaaaaa"})
	if v != VoteFor {
		t.Errorf("expected VoteFor on a corroborated silent-peer accusation, got %v", v)
	}
}

func TestDecideVoteAgainstWhenPushActuallyCorrect(t *testing.T) {
	accusation := models.NodePenalization{Push: &models.EpochHashPush{Hashes: "aaaaaaaa"}}
	v := DecideVote([]int{0}, accusation, []string{"aaaaaaaa"})
	if v != VoteAgainst {
		t.Errorf("expected VoteAgainst when the accused's push actually carries the expected hash, got %v", v)
	}
}

func TestResolveRequiresQuorum(t *testing.T) {
	if got := Resolve(10, 0, 100); got != ResolutionNoQuorum {
		t.Errorf("10%% of total voting should not reach quorum, got %v", got)
	}
}

func TestResolveTieFavorsAccuser(t *testing.T) {
	if got := Resolve(30, 30, 100); got != ResolutionPenalizeAccused {
		t.Errorf("a tie with quorum reached should favor the accuser (penalize accused), got %v", got)
	}
}

func TestResolvePenalizesAccuserWhenRefuted(t *testing.T) {
	if got := Resolve(10, 45, 100); got != ResolutionPenalizeAccuser {
		t.Errorf("against > for with quorum should penalize the accuser, got %v", got)
	}
}

func TestTrackerTallyAndApplyResolution(t *testing.T) {
	peers := peerset.New()
	peers.Seed(models.Peer{Domain: "accused.example", Reputation: 40})
	peers.Seed(models.Peer{Domain: "voter1.example", Reputation: 30})
	peers.Seed(models.Peer{Domain: "voter2.example", Reputation: 20})

	tr := NewTracker()
	tr.RecordVote(models.PenaltyVote{Epoch: 1, PenalizedPeer: "accused.example", VotingPeer: "voter1.example", VoteFor: true})
	tr.RecordVote(models.PenaltyVote{Epoch: 1, PenalizedPeer: "accused.example", VotingPeer: "voter2.example", VoteFor: false})

	forRep, againstRep := tr.Tally(1, "accused.example", peers)
	if forRep != 30 || againstRep != 20 {
		t.Fatalf("expected for=30 against=20, got for=%v against=%v", forRep, againstRep)
	}

	if Resolve(forRep, againstRep, peers.TotalReputation()) != ResolutionPenalizeAccused {
		t.Fatalf("expected ResolutionPenalizeAccused")
	}

	ApplyResolution(peers, "accused.example")
	p, _ := peers.Get("accused.example")
	if p.Reputation != 36 {
		t.Errorf("expected reputation 36 after penalty, got %v", p.Reputation)
	}
}
