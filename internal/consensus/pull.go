package consensus

import (
	"strings"

	"github.com/staeon/node/internal/shuffle"
	"github.com/staeon/node/pkg/models"
)

// PullTargets implements spec.md §4.8 step 2's `consensus_pulls()`: for
// each peer expected to push to myDomain, the set of mini-hash column
// indices we expect from them. ranked is the full rank-ordered peer list
// for the epoch the matrix was built for.
func PullTargets(matrix shuffle.Matrix, myDomain string, ranked []models.Peer) map[string][]int {
	pulls := make(map[string][]int)
	for i := 0; i < shuffle.Columns; i++ {
		for _, peer := range matrix.PushedFrom(i, myDomain, ranked) {
			pulls[peer.Domain] = append(pulls[peer.Domain], i)
		}
	}
	return pulls
}

// Verdict is the per-peer classification from spec.md §4.8 step 2.
type Verdict int

const (
	VerdictCorrect Verdict = iota
	VerdictWrong
	VerdictNotPresent
)

// ClassifyPull implements spec.md §4.8 step 2's three-way classification
// for a single expected pusher: no received push is NotPresent; a
// received push missing one of the indices' mini-hashes is Wrong;
// otherwise Correct.
func ClassifyPull(expectedIndices []int, received *models.EpochHashPush, ourMiniHashes []string) Verdict {
	if received == nil {
		return VerdictNotPresent
	}
	for _, i := range expectedIndices {
		if i >= len(ourMiniHashes) {
			continue
		}
		if !strings.Contains(received.Hashes, ourMiniHashes[i]) {
			return VerdictWrong
		}
	}
	return VerdictCorrect
}

// ClassifyAll classifies every domain this node expected a push from,
// against whatever pushes it actually received this epoch.
func ClassifyAll(pulls map[string][]int, received map[string]models.EpochHashPush, ourMiniHashes []string) map[string]Verdict {
	out := make(map[string]Verdict, len(pulls))
	for domain, indices := range pulls {
		if push, ok := received[domain]; ok {
			out[domain] = ClassifyPull(indices, &push, ourMiniHashes)
		} else {
			out[domain] = ClassifyPull(indices, nil, ourMiniHashes)
		}
	}
	return out
}
