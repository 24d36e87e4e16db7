package consensus

import (
	"sync"

	"github.com/staeon/node/internal/shuffle"
	"github.com/staeon/node/pkg/models"
)

// Inbox holds the pushes and accusations this node has received for
// epochs still open to ConsensusRound's pull/classify/vote steps
// (spec.md §4.8 steps 2-4). The epoch driver reads it one epoch after
// SendPushes, once pushes from that epoch have had a full epoch to
// arrive.
type Inbox struct {
	mu         sync.Mutex
	pushes     map[int64]map[string]models.EpochHashPush // epoch -> fromDomain -> push
	accusation map[int64][]models.NodePenalization
}

func NewInbox() *Inbox {
	return &Inbox{
		pushes:     make(map[int64]map[string]models.EpochHashPush),
		accusation: make(map[int64][]models.NodePenalization),
	}
}

// RecordPush stores an incoming EpochHashPush, at-most-one per
// (epoch, fromDomain) — a resend overwrites rather than duplicating.
func (ib *Inbox) RecordPush(push models.EpochHashPush) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	if ib.pushes[push.Epoch] == nil {
		ib.pushes[push.Epoch] = make(map[string]models.EpochHashPush)
	}
	ib.pushes[push.Epoch][push.FromDomain] = push
}

// PushesForEpoch returns every push received for epoch, keyed by sender.
func (ib *Inbox) PushesForEpoch(epoch int64) map[string]models.EpochHashPush {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	out := make(map[string]models.EpochHashPush, len(ib.pushes[epoch]))
	for k, v := range ib.pushes[epoch] {
		out[k] = v
	}
	return out
}

// RecordAccusation stores an incoming NodePenalization this node must
// vote on.
func (ib *Inbox) RecordAccusation(acc models.NodePenalization) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	ib.accusation[acc.Epoch] = append(ib.accusation[acc.Epoch], acc)
}

// AccusationsForEpoch returns every accusation received for epoch.
func (ib *Inbox) AccusationsForEpoch(epoch int64) []models.NodePenalization {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	out := make([]models.NodePenalization, len(ib.accusation[epoch]))
	copy(out, ib.accusation[epoch])
	return out
}

// Forget drops an epoch's pushes and accusations once ConsensusRound has
// finished with it, keeping the inbox bounded across a long-running node.
func (ib *Inbox) Forget(epoch int64) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	delete(ib.pushes, epoch)
	delete(ib.accusation, epoch)
}

// ExpectedIndices recomputes, from the epoch's shuffle matrix, the
// mini-hash column indices accusedDomain owed accuserDomain — the
// independent check DecideVote needs, derivable by any node holding the
// same matrix and rank-ordered peer list without relying on the accuser's
// say-so.
func ExpectedIndices(matrix shuffle.Matrix, ranked []models.Peer, accusedDomain, accuserDomain string) []int {
	accusedRank := -1
	for i, p := range ranked {
		if p.Domain == accusedDomain {
			accusedRank = i
			break
		}
	}
	if accusedRank == -1 {
		return nil
	}

	var indices []int
	for i := 0; i < shuffle.Columns; i++ {
		for _, p := range matrix.PushTo(i, accusedRank) {
			if p.Domain == accuserDomain {
				indices = append(indices, i)
			}
		}
	}
	return indices
}
