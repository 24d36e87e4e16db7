// Package consensus implements ConsensusRound (spec.md §4.8): the
// per-epoch push/pull of mini-hashes between matrix-assigned peers, and
// the penalty-vote sub-protocol triggered when proofs disagree.
package consensus

import (
	"math/rand"
	"strings"

	"github.com/staeon/node/internal/shuffle"
	"github.com/staeon/node/pkg/models"
)

// Signer is the subset of walletcrypto.Key consensus needs to authenticate
// its own pushes, penalizations, and votes.
type Signer interface {
	Sign(msg []byte) (string, error)
}

// Gossiper fans an object out to this node's assigned peers (Propagate,
// mirroring mempool.Gossiper) or delivers it to exactly one domain
// (SendTo, for the point-to-point EpochHashPush).
type Gossiper interface {
	Propagate(objType string, obj interface{})
	SendTo(domain, objType string, obj interface{})
}

// PushTargets implements spec.md §4.8 step 1's `consensus_pushes()`:
// groups the mini-hash column indices this node owes by destination
// domain, given myRank's position in a closed epoch's shuffle matrix.
// Grounded on the original node's consensus_step1.py, which iterates
// `es.consensus_pushes().items()` to build one EpochHashPush per
// destination.
func PushTargets(matrix shuffle.Matrix, myRank int) map[string][]int {
	targets := make(map[string][]int)
	for i := 0; i < shuffle.Columns; i++ {
		for _, peer := range matrix.PushTo(i, myRank) {
			targets[peer.Domain] = append(targets[peer.Domain], i)
		}
	}
	return targets
}

// BuildPush implements spec.md §4.8 step 1's push construction: collects
// the mini-hashes at indices, shuffles their order (the receiver doesn't
// rely on order), joins them, and signs hashes||to_domain under the local
// node's payout-address key, so a push cannot be replayed against a
// different recipient.
func BuildPush(epoch int64, fromDomain, toDomain string, indices []int, miniHashes []string, signer Signer) (models.EpochHashPush, error) {
	hashes := make([]string, 0, len(indices))
	for _, i := range indices {
		if i < len(miniHashes) {
			hashes = append(hashes, miniHashes[i])
		}
	}
	rand.Shuffle(len(hashes), func(i, j int) { hashes[i], hashes[j] = hashes[j], hashes[i] })

	joined := strings.Join(hashes, ",")
	// spec.md §6: "Signature covers hashes || to_domain recovered to
	// from_domain's payout address."
	sig, err := signer.Sign([]byte(joined + toDomain))
	if err != nil {
		return models.EpochHashPush{}, err
	}

	return models.EpochHashPush{
		Epoch:      epoch,
		FromDomain: fromDomain,
		ToDomain:   toDomain,
		Hashes:     joined,
		Signature:  sig,
	}, nil
}

// SendPushes builds and gossips one EpochHashPush per destination domain
// owed a push this epoch.
func SendPushes(epoch int64, fromDomain string, matrix shuffle.Matrix, myRank int, miniHashes []string, signer Signer, gossip Gossiper) error {
	for toDomain, indices := range PushTargets(matrix, myRank) {
		push, err := BuildPush(epoch, fromDomain, toDomain, indices, miniHashes, signer)
		if err != nil {
			return err
		}
		gossip.SendTo(toDomain, "epoch_hash_push", push)
	}
	return nil
}
