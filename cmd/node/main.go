package main

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/staeon/node/internal/api"
	"github.com/staeon/node/internal/clock"
	"github.com/staeon/node/internal/config"
	"github.com/staeon/node/internal/consensus"
	"github.com/staeon/node/internal/epochsummary"
	"github.com/staeon/node/internal/gossip"
	"github.com/staeon/node/internal/ledger"
	"github.com/staeon/node/internal/mempool"
	"github.com/staeon/node/internal/peerset"
	"github.com/staeon/node/internal/store"
	"github.com/staeon/node/pkg/models"
)

func main() {
	log.Println("Starting Staeon node...")

	identity, err := config.LoadIdentity()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	log.Printf("Node identity: domain=%s", identity.Domain)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	var db *store.Store
	dbConn, err := store.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Printf("Warning: failed to connect to PostgreSQL, continuing without persistence. Error: %v", err)
	} else {
		defer dbConn.Close()
		if err := dbConn.InitSchema(); err != nil {
			log.Printf("Warning: schema init failed: %v", err)
		}
		db = dbConn
	}

	led := ledger.New()
	peers := peerset.New()
	if db != nil {
		ctx := context.Background()
		if rows, err := db.LoadLedger(ctx); err != nil {
			log.Printf("Warning: failed to warm-load ledger: %v", err)
		} else {
			for _, row := range rows {
				led.Seed(row.Address, row.Balance, row.LastUpdated)
			}
			log.Printf("Warm-loaded %d ledger entries", len(rows))
		}
		if loaded, err := db.LoadPeers(ctx); err != nil {
			log.Printf("Warning: failed to warm-load peers: %v", err)
		} else {
			for _, p := range loaded {
				peers.Seed(p)
			}
			log.Printf("Warm-loaded %d peers", len(loaded))
		}
	}

	mp := mempool.New()
	closer := epochsummary.New()
	votes := consensus.NewTracker()
	inbox := consensus.NewInbox()

	gossipPool := gossip.New(func() []string {
		rank := peers.Rank(identity.Domain)
		if cfg.RankOverride != nil {
			rank = *cfg.RankOverride
		}
		return domainsForCurrentEpoch(closer, peers, identity.Domain, rank)
	}, identity.Domain)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	gossipPool.Run(ctx, cfg.GossipWorkers)

	node := &api.Node{
		Domain:       identity.Domain,
		Key:          identity.Key,
		Ledger:       led,
		Mempool:      mp,
		Peers:        peers,
		Closer:       closer,
		Votes:        votes,
		Inbox:        inbox,
		Gossip:       gossipPool,
		DB:           db,
		RankOverride: cfg.RankOverride,
	}
	if node.RankOverride != nil {
		log.Printf("Warning: running consensus driver as rank override %d instead of this node's own rank", *node.RankOverride)
	}

	go runEpochDriver(ctx, node)

	limiter := api.NewRateLimiter(600, 60)
	r := api.SetupRouter(node, limiter)

	log.Printf("Staeon node running on :%s (domain=%s)\n", cfg.ListenPort, identity.Domain)
	if err := r.Run(":" + cfg.ListenPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// domainsForCurrentEpoch resolves the gossip fan-out set for whatever
// epoch is presently open: every peer this node's matrix column assigns a
// push to, plus a general-broadcast fallback to the whole peer set when no
// matrix has been computed yet (startup, before the first close_epoch).
func domainsForCurrentEpoch(closer *epochsummary.Closer, peers *peerset.PeerSet, selfDomain string, rank int) []string {
	epoch := clock.EpochOf(time.Now().UTC())
	matrix, ok := closer.Matrix(epoch - 1)
	if !ok {
		var domains []string
		for _, p := range peers.Ordered() {
			if p.Domain != selfDomain {
				domains = append(domains, p.Domain)
			}
		}
		return domains
	}

	myRank := rank
	seen := make(map[string]bool)
	var domains []string
	for toDomain := range consensus.PushTargets(matrix, myRank) {
		if toDomain != selfDomain && !seen[toDomain] {
			seen[toDomain] = true
			domains = append(domains, toDomain)
		}
	}
	return domains
}

// runEpochDriver closes each epoch as it ends and runs ConsensusRound
// (spec.md §4.8) against the prior epoch's shuffle matrix: push this
// node's assigned mini-hashes to its matrix-assigned peers.
func runEpochDriver(ctx context.Context, n *api.Node) {
	for {
		now := time.Now().UTC()
		wait := clock.SecondsTilNextEpoch(now)

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		closingEpoch := clock.EpochOf(time.Now().UTC()) - 1
		var summary models.EpochSummary
		var err error
		n.Mempool.EpochLock.BeginClose(closingEpoch, func() {
			summary, err = n.Closer.CloseEpoch(closingEpoch, n.Ledger, n.Mempool, n.Peers)
		})
		if err != nil {
			if err != epochsummary.ErrAlreadyClosed {
				log.Printf("[Epoch] close %d failed: %v", closingEpoch, err)
			}
			continue
		}
		log.Printf("[Epoch] closed %d: %d tx, ledger size %d, seed %s",
			closingEpoch, summary.TransactionCount, summary.LedgerSize, summary.EpochSeed)

		if n.DB != nil {
			if err := n.DB.SaveEpochSummary(ctx, summary); err != nil {
				log.Printf("[Epoch] persist summary %d failed: %v", closingEpoch, err)
			}
		}

		matrix, ok := n.Closer.Matrix(closingEpoch)
		if !ok {
			continue
		}
		miniHashes, _ := n.Closer.MiniHashesForEpoch(closingEpoch, epochsummary.DefaultMiniHashCount)
		myRank := n.Rank()

		if err := consensus.SendPushes(closingEpoch, n.Domain, matrix, myRank, miniHashes, n.Key, n.Gossip); err != nil {
			log.Printf("[Epoch] send pushes for %d failed: %v", closingEpoch, err)
		}

		// The epoch just closed (closingEpoch) is one epoch old for
		// whichever epoch's pushes were sent a tick ago: classify those
		// now that a full epoch has passed for them to arrive, and
		// resolve whatever was accused a tick before that, now that a
		// full epoch has passed for votes to arrive in response.
		classifyAndAccuse(n, closingEpoch-1)
		resolveAccusations(n, closingEpoch-2)

		n.Gossip.ResetEpoch()
	}
}

// classifyAndAccuse implements spec.md §4.8 steps 2-3 for epoch: compare
// the mini-hash pushes this node actually received against what its own
// copy of the epoch's shuffle matrix says it was owed, and gossip a
// signed NodePenalization for every domain found wrong or silent.
func classifyAndAccuse(n *api.Node, epoch int64) {
	if epoch < 0 {
		return
	}
	matrix, ok := n.Closer.Matrix(epoch)
	if !ok {
		return
	}
	miniHashes, ok := n.Closer.MiniHashesForEpoch(epoch, epochsummary.DefaultMiniHashCount)
	if !ok {
		return
	}

	ranked := n.Peers.Ordered()
	pulls := consensus.PullTargets(matrix, n.Domain, ranked)
	received := n.Inbox.PushesForEpoch(epoch)
	verdicts := consensus.ClassifyAll(pulls, received, miniHashes)

	for accused, verdict := range verdicts {
		if verdict == consensus.VerdictCorrect {
			continue
		}

		var receivedPush *models.EpochHashPush
		if push, ok := received[accused]; ok {
			receivedPush = &push
		}

		var owed []string
		for _, i := range pulls[accused] {
			if i < len(miniHashes) {
				owed = append(owed, miniHashes[i])
			}
		}
		correctHash := strings.Join(owed, ",")

		pen, err := consensus.BuildPenalization(epoch, accused, n.Domain, correctHash, verdict, receivedPush, n.Key)
		if err != nil {
			log.Printf("[Consensus] build penalization for %s/%d failed: %v", accused, epoch, err)
			continue
		}
		log.Printf("[Consensus] accusing %s for epoch %d: %v", accused, epoch, verdict)
		n.Inbox.RecordAccusation(pen)
		n.Gossip.Propagate("penalty", pen)
	}
}

// resolveAccusations implements spec.md §4.8 step 5 for epoch: tally the
// votes received against every accusation raised that epoch and, once
// quorum is reached, apply the reputation penalty to whichever side lost
// — the accused if corroborated, the accuser if refuted.
func resolveAccusations(n *api.Node, epoch int64) {
	if epoch < 0 {
		return
	}
	accusations := n.Inbox.AccusationsForEpoch(epoch)
	for _, acc := range accusations {
		forRep, againstRep := n.Votes.Tally(epoch, acc.AccusedDomain, n.Peers)
		switch consensus.Resolve(forRep, againstRep, n.Peers.TotalReputation()) {
		case consensus.ResolutionPenalizeAccused:
			log.Printf("[Consensus] epoch %d: penalizing accused %s (for=%.2f against=%.2f)", epoch, acc.AccusedDomain, forRep, againstRep)
			consensus.ApplyResolution(n.Peers, acc.AccusedDomain)
		case consensus.ResolutionPenalizeAccuser:
			log.Printf("[Consensus] epoch %d: penalizing accuser %s (for=%.2f against=%.2f)", epoch, acc.AccuserDomain, forRep, againstRep)
			consensus.ApplyResolution(n.Peers, acc.AccuserDomain)
		case consensus.ResolutionNoQuorum:
			log.Printf("[Consensus] epoch %d: accusation against %s did not reach quorum (for=%.2f against=%.2f)", epoch, acc.AccusedDomain, forRep, againstRep)
		}
	}
	n.Inbox.Forget(epoch)
}
