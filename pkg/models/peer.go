package models

// Peer is one node in the network, keyed by domain. Reputation is mutated
// only through consensus outcomes (see internal/consensus). Domain and
// payout address change only on a re-registration (peerset.Register);
// first-registered time is never changed once set.
type Peer struct {
	Domain          string    `json:"domain"`
	Reputation      float64   `json:"reputation"`
	FirstRegistered Timestamp `json:"firstRegistered"`
	PayoutAddress   string    `json:"payoutAddress"`
}

// PeerRegistration is the signed envelope a prospective peer submits to
// POST /staeon/peers/.
type PeerRegistration struct {
	Domain        string    `json:"domain"`
	PayoutAddress string    `json:"payout_address"`
	Timestamp     Timestamp `json:"timestamp"`
	Signature     string    `json:"signature"`
}

// Rejection is a peer's signed attestation that a transaction failed state
// validation against that peer's own ledger view.
type Rejection struct {
	TxID            string `json:"txid"`
	RejectingDomain string `json:"rejecting_domain"`
	Signature       string `json:"signature"`
}

// EpochSummary is the immutable record of one closed epoch.
type EpochSummary struct {
	Epoch            int64  `json:"epoch"`
	EpochSeed        string `json:"epochSeed"`
	TransactionCount int    `json:"transactionCount"`
	LedgerSize       int    `json:"ledgerSize"`
}

// EpochHashPush is the push side of the mini-hash exchange between two
// matrix-assigned peers.
type EpochHashPush struct {
	Epoch      int64  `json:"epoch"`
	FromDomain string `json:"from_domain"`
	ToDomain   string `json:"to_domain"`
	Hashes     string `json:"hashes"`
	Signature  string `json:"signature"`
}

// NodePenalization is a signed accusation that a peer failed to push the
// mini-hash(es) it was assigned, proposed for a penalty vote.
type NodePenalization struct {
	Epoch         int64          `json:"epoch"`
	AccusedDomain string         `json:"accusedDomain"`
	AccuserDomain string         `json:"accuserDomain"`
	CorrectHash   string         `json:"correctHash"`
	Push          *EpochHashPush `json:"push,omitempty"` // nil for a silent-peer accusation
	Signature     string         `json:"signature"`
}

// PenaltyVote is one peer's signed opinion on a NodePenalization.
type PenaltyVote struct {
	Epoch         int64  `json:"epoch"`
	PenalizedPeer string `json:"penalizedPeer"`
	VotingPeer    string `json:"votingPeer"`
	VoteFor       bool   `json:"voteFor"`
	Signature     string `json:"signature"`
}
