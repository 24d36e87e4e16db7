package consensus

import (
	"testing"

	"github.com/staeon/node/internal/shuffle"
	"github.com/staeon/node/pkg/models"
)

func TestInboxRecordAndForget(t *testing.T) {
	ib := NewInbox()
	ib.RecordPush(models.EpochHashPush{Epoch: 1, FromDomain: "a.example", Hashes: "aaaaaaaa"})
	ib.RecordPush(models.EpochHashPush{Epoch: 1, FromDomain: "b.example", Hashes: "bbbbbbbb"})
	ib.RecordAccusation(models.NodePenalization{Epoch: 1, AccusedDomain: "a.example"})

	pushes := ib.PushesForEpoch(1)
	if len(pushes) != 2 {
		t.Fatalf("expected 2 pushes, got %d", len(pushes))
	}
	if len(ib.AccusationsForEpoch(1)) != 1 {
		t.Fatalf("expected 1 accusation")
	}

	ib.Forget(1)
	if len(ib.PushesForEpoch(1)) != 0 || len(ib.AccusationsForEpoch(1)) != 0 {
		t.Fatalf("expected epoch 1 forgotten")
	}
}

func TestExpectedIndicesMatchesPushTargets(t *testing.T) {
	peers := ranked()
	matrix := shuffle.MakeMatrix(peers, "epoch-seed")

	for rank, accused := range peers {
		targets := PushTargets(matrix, rank)
		for accuser, indices := range targets {
			got := ExpectedIndices(matrix, peers, accused.Domain, accuser)
			if len(got) != len(indices) {
				t.Errorf("%s->%s: expected %d indices, got %d", accused.Domain, accuser, len(indices), len(got))
			}
		}
	}
}
