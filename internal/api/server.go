// Package api wires the node's REST surface (spec.md §6) to the in-memory
// Ledger/Mempool/PeerSet/epochsummary.Closer and the Postgres Store.
// Grounded on the teacher's internal/api package: gin.Engine setup,
// AuthMiddleware/RateLimiter composition, and handler shape (bind request,
// call into domain package, gin.H response).
package api

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/staeon/node/internal/clock"
	"github.com/staeon/node/internal/consensus"
	"github.com/staeon/node/internal/epochsummary"
	"github.com/staeon/node/internal/gossip"
	"github.com/staeon/node/internal/ledger"
	"github.com/staeon/node/internal/mempool"
	"github.com/staeon/node/internal/peerset"
	"github.com/staeon/node/internal/store"
	"github.com/staeon/node/internal/walletcrypto"
	"github.com/staeon/node/pkg/models"
)

// Node bundles every piece of shared state a request handler might touch.
// Built once in cmd/node/main.go and closed over by SetupRouter.
type Node struct {
	Domain string
	Key    *walletcrypto.Key

	Ledger  *ledger.Ledger
	Mempool *mempool.Mempool
	Peers   *peerset.PeerSet
	Closer  *epochsummary.Closer
	Votes   *consensus.Tracker
	Inbox   *consensus.Inbox
	Gossip  *gossip.Pool
	DB      *store.Store // nil when running without persistence

	// RankOverride lets the consensus driver run as if this node held an
	// arbitrary rank (config.Config.RankOverride) — nil in the normal
	// request path.
	RankOverride *int
}

// Rank returns RankOverride when set, otherwise this node's own rank in
// Peers' reputation ordering.
func (n *Node) Rank() int {
	if n.RankOverride != nil {
		return *n.RankOverride
	}
	return n.Peers.Rank(n.Domain)
}

// SetupRouter builds the gin.Engine exposing the /staeon/... surface,
// mirroring the teacher's api.SetupRouter(dbConn, btcClient, wsHub,
// scanner) composition-root shape.
func SetupRouter(n *Node, limiter *RateLimiter) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware())

	staeon := r.Group("/staeon")
	if limiter != nil {
		staeon.Use(limiter.Middleware())
	}

	staeon.POST("/transaction/", n.postTransaction)
	staeon.POST("/rejections/", n.postRejection)
	staeon.GET("/rejections/", n.getRejections)
	staeon.GET("/peers/", n.getPeers)
	staeon.POST("/peers/", n.postPeer)
	staeon.POST("/consensus/push", n.postConsensusPush)
	staeon.POST("/consensus/penalty", n.postConsensusPenalty)
	staeon.GET("/ledger/", n.getLedger)
	staeon.GET("/summary/", n.getSummary)

	admin := r.Group("/staeon/_admin")
	admin.Use(AuthMiddleware())
	admin.GET("/status", n.getStatus)

	return r
}

// postTransaction handles POST /staeon/transaction/: validate and admit a
// submitted transaction into the mempool, gossiping it onward on success.
func (n *Node) postTransaction(c *gin.Context) {
	var tx models.Transaction
	if err := bindFormJSON(c, "tx", &tx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	if err := n.Mempool.AcceptTx(tx, now, n.Domain, n.Ledger, n.Key, n.Gossip); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "accepted"})
}

// postRejection handles POST /staeon/rejections/: a peer reports that it
// rejected a transaction, as discrete form fields per spec.md §6's table.
func (n *Node) postRejection(c *gin.Context) {
	r := models.Rejection{
		TxID:            c.PostForm("txid"),
		RejectingDomain: c.PostForm("domain"),
		Signature:       c.PostForm("signature"),
	}
	if r.TxID == "" || r.RejectingDomain == "" || r.Signature == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "txid, domain, and signature are required"})
		return
	}

	peer, ok := n.Peers.Get(r.RejectingDomain)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown rejecting domain"})
		return
	}
	msg := mempool.RejectionMessage(r.TxID, r.RejectingDomain)
	if !walletcrypto.RecoverAndVerifyAddress(msg, r.Signature, peer.PayoutAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rejection signature does not recover to the claimed domain's payout address"})
		return
	}

	n.Mempool.RecordRejectionFrom(r)
	if n.DB != nil {
		_ = n.DB.SaveRejection(c.Request.Context(), r)
	}
	n.Gossip.Propagate("rejection", r)

	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

// getRejections handles GET /staeon/rejections/?epoch=N: every rejection
// attested against a transaction timestamped within that epoch.
func (n *Node) getRejections(c *gin.Context) {
	epoch, err := parseEpochParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if n.DB == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence unavailable"})
		return
	}

	start, end := clock.RangeOf(epoch)
	rejections, err := n.DB.LoadRejectionsForEpoch(c.Request.Context(), start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"epoch": epoch, "rejections": rejections})
}

// getPeers handles GET /staeon/peers/?page=N and GET /staeon/peers/?top.
func (n *Node) getPeers(c *gin.Context) {
	if _, ok := c.GetQuery("top"); ok {
		c.JSON(http.StatusOK, gin.H{"peers": n.Peers.Top()})
		return
	}

	page := 1
	if p := c.Query("page"); p != "" {
		if parsed, err := parsePositiveInt(p); err == nil {
			page = parsed
		}
	}
	c.JSON(http.StatusOK, gin.H{"peers": n.Peers.Page(page, 5)})
}

// postPeer handles POST /staeon/peers/: a prospective or existing peer's
// signed registration.
func (n *Node) postPeer(c *gin.Context) {
	var reg models.PeerRegistration
	if err := bindFormJSON(c, "registration", &reg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := n.Peers.Register(reg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if n.DB != nil {
		if p, ok := n.Peers.Get(reg.Domain); ok {
			_ = n.DB.SavePeer(c.Request.Context(), p)
		}
	}
	n.Gossip.Propagate("peers", reg)

	c.JSON(http.StatusOK, gin.H{"status": "registered"})
}

// postConsensusPush handles POST /staeon/consensus/push: the mini-hash
// push side of ConsensusRound (spec.md §4.8 step 1/2).
func (n *Node) postConsensusPush(c *gin.Context) {
	var push models.EpochHashPush
	if err := bindFormJSON(c, "obj", &push); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	from, ok := n.Peers.Get(push.FromDomain)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown from_domain"})
		return
	}
	if !walletcrypto.RecoverAndVerifyAddress([]byte(push.Hashes+push.ToDomain), push.Signature, from.PayoutAddress) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "signature does not recover to from_domain's payout address"})
		return
	}

	n.Inbox.RecordPush(push)
	if n.DB != nil {
		_ = n.DB.SaveEpochHashPush(c.Request.Context(), push)
	}

	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

// penaltyBody is the wire shape posted to /staeon/consensus/penalty:
// either a NodePenalization accusation, or (when VotingPeer/VoteFor are
// present) a PenaltyVote cast in response to one, per spec.md §4.8 steps
// 3-4.
type penaltyBody struct {
	models.NodePenalization
	VotingPeer string `json:"votingPeer"`
	VoteFor    *bool  `json:"voteFor"`
}

// postConsensusPenalty handles POST /staeon/consensus/penalty. An
// accusation is gossiped onward and, if this node can independently
// corroborate or refute it from its own copy of the epoch's shuffle
// matrix and mini-hashes, answered with a signed vote right away — votes
// themselves are only recorded and gossiped here. Resolution (tallying
// votes and applying the reputation penalty) happens at the next epoch
// boundary in the epoch driver, per decision (a) in DESIGN.md, not
// inline with either post.
func (n *Node) postConsensusPenalty(c *gin.Context) {
	var body penaltyBody
	if err := bindFormJSON(c, "obj", &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if body.VotingPeer != "" && body.VoteFor != nil {
		vote := models.PenaltyVote{
			Epoch:         body.Epoch,
			PenalizedPeer: body.AccusedDomain,
			VotingPeer:    body.VotingPeer,
			VoteFor:       *body.VoteFor,
			Signature:     body.Signature,
		}
		n.Votes.RecordVote(vote)
		if n.DB != nil {
			_ = n.DB.SavePenaltyVote(c.Request.Context(), vote)
		}
		c.JSON(http.StatusOK, gin.H{"status": "vote recorded"})
		return
	}

	n.Inbox.RecordAccusation(body.NodePenalization)
	n.Gossip.Propagate("penalty", body.NodePenalization)
	n.castVote(c.Request.Context(), body.NodePenalization)
	c.JSON(http.StatusOK, gin.H{"status": "accusation recorded"})
}

// castVote implements spec.md §4.8 step 4 reactively: on receiving an
// accusation, recompute from this node's own cached matrix and
// mini-hashes what the accused owed the accuser and decide for/against/
// abstain independently, rather than trusting the accuser's framing.
// Abstains are never signed or sent (consensus.BuildVote's contract).
func (n *Node) castVote(ctx context.Context, accusation models.NodePenalization) {
	matrix, ok := n.Closer.Matrix(accusation.Epoch)
	if !ok {
		return
	}
	miniHashes, ok := n.Closer.MiniHashesForEpoch(accusation.Epoch, epochsummary.DefaultMiniHashCount)
	if !ok {
		return
	}

	expected := consensus.ExpectedIndices(matrix, n.Peers.Ordered(), accusation.AccusedDomain, accusation.AccuserDomain)
	decision := consensus.DecideVote(expected, accusation, miniHashes)
	if decision == consensus.VoteAbstain {
		return
	}

	vote, err := consensus.BuildVote(accusation.Epoch, accusation.AccusedDomain, n.Domain, decision, n.Key)
	if err != nil {
		return
	}
	n.Votes.RecordVote(vote)
	if n.DB != nil {
		_ = n.DB.SavePenaltyVote(ctx, vote)
	}
	voteFor := vote.VoteFor
	n.Gossip.Propagate("penalty_vote", penaltyBody{
		NodePenalization: models.NodePenalization{Epoch: vote.Epoch, AccusedDomain: vote.PenalizedPeer, Signature: vote.Signature},
		VotingPeer:       vote.VotingPeer,
		VoteFor:          &voteFor,
	})
}

// getLedger handles GET /staeon/ledger/?address=A and
// GET /staeon/ledger/?sync_start=ISO8601.
func (n *Node) getLedger(c *gin.Context) {
	if addr := c.Query("address"); addr != "" {
		balance, lastUpdated := n.Ledger.StoredBalance(addr)
		c.JSON(http.StatusOK, gin.H{
			"address":     addr,
			"balance":     balance.Fixed8(),
			"lastUpdated": models.NewTimestamp(lastUpdated).ISO(),
		})
		return
	}

	if since := c.Query("sync_start"); since != "" {
		ts, err := models.ParseTimestamp(since)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sync_start: " + err.Error()})
			return
		}
		if n.DB == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence unavailable"})
			return
		}
		rows, err := n.DB.SyncSince(c.Request.Context(), ts.Time)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"entries": rows})
		return
	}

	c.JSON(http.StatusBadRequest, gin.H{"error": "address or sync_start query parameter required"})
}

// getSummary handles GET /staeon/summary/?epoch=N: the closed epoch's
// immutable record, or, if epoch is omitted, the current (open) epoch
// number with the peer count and total issued supply.
func (n *Node) getSummary(c *gin.Context) {
	now := time.Now().UTC()
	if c.Query("epoch") == "" {
		c.JSON(http.StatusOK, gin.H{
			"currentEpoch": clock.EpochOf(now),
			"peerCount":    len(n.Peers.Ordered()),
			"totalIssued":  n.Ledger.TotalIssued().Fixed8(),
		})
		return
	}

	epoch, err := parseEpochParam(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	summary, ok := n.Closer.Summary(epoch)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "epoch not closed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// getStatus handles GET /staeon/_admin/status: node-local operational
// snapshot, gated by AuthMiddleware rather than the open gossip surface.
func (n *Node) getStatus(c *gin.Context) {
	now := time.Now().UTC()
	c.JSON(http.StatusOK, gin.H{
		"domain":        n.Domain,
		"currentEpoch":  clock.EpochOf(now),
		"peerCount":     len(n.Peers.Ordered()),
		"ledgerSize":    n.Ledger.Size(),
		"totalIssued":   n.Ledger.TotalIssued().Fixed8(),
		"secondsToNext": clock.SecondsTilNextEpoch(now).Seconds(),
	})
}

func parseEpochParam(c *gin.Context) (int64, error) {
	return parseEpoch(c.Query("epoch"))
}

// corsMiddleware allows peer nodes and wallet frontends hosted on other
// origins to call the gossip surface, configurable via ALLOWED_ORIGINS
// (comma-separated, or "*"/unset for any origin).
func corsMiddleware() gin.HandlerFunc {
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
