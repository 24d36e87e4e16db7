// Package shuffle derives the per-epoch communication matrix that decides
// which peers exchange mini-hashes with which during a ConsensusRound.
package shuffle

import (
	"crypto/sha256"
	"sort"
	"strconv"

	"github.com/staeon/node/pkg/models"
)

// Columns is the matrix width: each mini-hash i ∈ [0, Columns) is
// exchanged along Columns independent permutations, per spec.md §4.6.
const Columns = 5

// Keyed is anything deterministic_shuffle can sort: something with a
// stable string key. PeerSet peers key on domain.
type Keyed interface {
	ShuffleKey() string
}

// DeterministicShuffle sorts items by SHA-256(key || seed || str(n)),
// per spec.md §4.6. The sort is stable; hash collisions are treated as
// impossible, matching the spec's own assumption.
func DeterministicShuffle[T Keyed](items []T, seed string, n int) []T {
	out := make([]T, len(items))
	copy(out, items)

	suffix := seed + strconv.Itoa(n)
	digests := make(map[string][32]byte, len(out))
	for _, it := range out {
		digests[it.ShuffleKey()] = sha256.Sum256([]byte(it.ShuffleKey() + suffix))
	}

	sort.SliceStable(out, func(i, j int) bool {
		a := digests[out[i].ShuffleKey()]
		b := digests[out[j].ShuffleKey()]
		for k := range a {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return false
	})
	return out
}

// peerKey adapts models.Peer to Keyed by domain, per spec.md §4.6 ("The
// key is p.domain for peers").
type peerKey models.Peer

func (p peerKey) ShuffleKey() string { return p.Domain }

// Matrix is the 5×5 array of shuffled peer lists spec.md §4.6 defines:
// Matrix[i] is "column i", the permutation used for mini-hash i.
type Matrix [Columns][Columns][]models.Peer

// MakeMatrix builds the Columns×Columns matrix for a given epoch seed:
// matrix[i][j] = deterministic_shuffle(peers, seed, i*Columns+j).
func MakeMatrix(peers []models.Peer, seed string) Matrix {
	keyed := make([]peerKey, len(peers))
	for i, p := range peers {
		keyed[i] = peerKey(p)
	}

	var m Matrix
	for i := 0; i < Columns; i++ {
		for j := 0; j < Columns; j++ {
			shuffled := DeterministicShuffle(keyed, seed, i*Columns+j)
			row := make([]models.Peer, len(shuffled))
			for k, p := range shuffled {
				row[k] = models.Peer(p)
			}
			m[i][j] = row
		}
	}
	return m
}

// indexOf returns domain's position within a shuffled column, or -1.
func indexOf(column []models.Peer, domain string) int {
	for i, p := range column {
		if p.Domain == domain {
			return i
		}
	}
	return -1
}

// PushTo returns node p's "push_to for mini-hash i" (spec.md §4.6): the
// peer occupying p's own rank in every row of column i, up to Columns
// distinct peers.
func (m Matrix) PushTo(i int, rank int) []models.Peer {
	seen := make(map[string]bool)
	var out []models.Peer
	for j := 0; j < Columns; j++ {
		row := m[i][j]
		if rank < 0 || rank >= len(row) {
			continue
		}
		peer := row[rank]
		if seen[peer.Domain] {
			continue
		}
		seen[peer.Domain] = true
		out = append(out, peer)
	}
	return out
}

// PushedFrom returns node p's "pushed_from for mini-hash i" (spec.md
// §4.6): every peer q such that p occupies q's own rank in some row of
// column i. ranked is the full rank-ordered peer list (rank(q) = index
// into ranked), since this direction requires looking up the peer at
// every other peer's rank.
func (m Matrix) PushedFrom(i int, domain string, ranked []models.Peer) []models.Peer {
	seen := make(map[string]bool)
	var out []models.Peer
	for j := 0; j < Columns; j++ {
		pos := indexOf(m[i][j], domain)
		if pos == -1 || pos >= len(ranked) {
			continue
		}
		q := ranked[pos]
		if seen[q.Domain] {
			continue
		}
		seen[q.Domain] = true
		out = append(out, q)
	}
	return out
}
