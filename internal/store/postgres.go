// Package store is the node's Postgres persistence capability: load state
// at startup and durably record every table spec.md §6 names. Grounded on
// the teacher's internal/db/postgres.go Connect/Close/InitSchema pattern
// and its ON CONFLICT upsert style, generalized from the teacher's single
// forensics result table to Staeon's eight-table ledger/peer/consensus
// schema.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/staeon/node/pkg/models"
)

type Store struct {
	pool *pgxpool.Pool
}

// Connect opens the connection pool and pings it, matching the teacher's
// Connect.
func Connect(connStr string) (*Store, error) {
	pool, err := pgxpool.New(context.Background(), connStr)
	if err != nil {
		return nil, fmt.Errorf("store: unable to connect: %w", err)
	}
	if err := pool.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("store: ping failed: %w", err)
	}
	log.Println("[Store] connected to PostgreSQL")
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema loads and executes schema.sql, matching the teacher's
// InitSchema.
func (s *Store) InitSchema() error {
	schemaBytes, err := os.ReadFile("internal/store/schema.sql")
	if err != nil {
		return fmt.Errorf("store: read schema: %w", err)
	}
	if _, err := s.pool.Exec(context.Background(), string(schemaBytes)); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	log.Println("[Store] schema initialized")
	return nil
}

// SaveLedgerEntry upserts one address's balance and last-updated time.
func (s *Store) SaveLedgerEntry(ctx context.Context, address string, balance models.Amount, lastUpdated time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ledger_entry (address, balance, last_updated)
		VALUES ($1, $2, $3)
		ON CONFLICT (address) DO UPDATE
		SET balance = EXCLUDED.balance, last_updated = EXCLUDED.last_updated
	`, address, int64(balance), lastUpdated)
	return err
}

// LoadLedger returns every persisted ledger entry, for Ledger.Seed at
// startup.
func (s *Store) LoadLedger(ctx context.Context) ([]LedgerRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT address, balance, last_updated FROM ledger_entry`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LedgerRow
	for rows.Next() {
		var r LedgerRow
		var balance int64
		if err := rows.Scan(&r.Address, &balance, &r.LastUpdated); err != nil {
			return nil, err
		}
		r.Balance = models.Amount(balance)
		out = append(out, r)
	}
	return out, rows.Err()
}

type LedgerRow struct {
	Address     string
	Balance     models.Amount
	LastUpdated time.Time
}

// SavePeer upserts a peer's registration/reputation row.
func (s *Store) SavePeer(ctx context.Context, p models.Peer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO peer (domain, reputation, first_registered, payout_address)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (domain) DO UPDATE
		SET reputation = EXCLUDED.reputation, payout_address = EXCLUDED.payout_address
	`, p.Domain, p.Reputation, p.FirstRegistered.Time, p.PayoutAddress)
	return err
}

// LoadPeers returns every persisted peer, for PeerSet.Seed at startup,
// ordered by the rank index spec.md §6 names (reputation desc,
// first_registered asc).
func (s *Store) LoadPeers(ctx context.Context) ([]models.Peer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT domain, reputation, first_registered, payout_address
		FROM peer
		ORDER BY reputation DESC, first_registered ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Peer
	for rows.Next() {
		var p models.Peer
		var firstRegistered time.Time
		if err := rows.Scan(&p.Domain, &p.Reputation, &firstRegistered, &p.PayoutAddress); err != nil {
			return nil, err
		}
		p.FirstRegistered = models.NewTimestamp(firstRegistered)
		out = append(out, p)
	}
	return out, rows.Err()
}

// SaveValidatedTransaction persists a ValidatedTransaction row plus its
// Movement rows, in one transaction — mirroring the teacher's
// SaveAnalysisResult's begin/insert-parent/insert-children/commit shape.
func (s *Store) SaveValidatedTransaction(ctx context.Context, epoch int64, tx models.Transaction, applied bool) error {
	body, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("store: marshal transaction: %w", err)
	}

	dbTx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = dbTx.Rollback(ctx) }()

	_, err = dbTx.Exec(ctx, `
		INSERT INTO validated_transaction (txid, epoch, timestamp, body, applied)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (txid) DO UPDATE
		SET applied = EXCLUDED.applied
	`, tx.TxID, epoch, tx.Timestamp.Time, body, applied)
	if err != nil {
		return fmt.Errorf("store: insert validated_transaction: %w", err)
	}

	for _, mv := range models.MovementsFor(tx.TxID, tx) {
		_, err = dbTx.Exec(ctx, `
			INSERT INTO movement (txid, address, amount)
			VALUES ($1, $2, $3)
			ON CONFLICT (txid, address) DO NOTHING
		`, mv.TxID, mv.Address, int64(mv.Amount))
		if err != nil {
			return fmt.Errorf("store: insert movement: %w", err)
		}
	}

	return dbTx.Commit(ctx)
}

// SaveRejection persists one peer's Rejection attestation against a
// transaction.
func (s *Store) SaveRejection(ctx context.Context, r models.Rejection) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rejection (txid, rejecting_domain, signature)
		VALUES ($1, $2, $3)
		ON CONFLICT (txid, rejecting_domain) DO NOTHING
	`, r.TxID, r.RejectingDomain, r.Signature)
	return err
}

// LoadRejectionsForEpoch returns every rejection recorded against a
// transaction timestamped within epoch, for the
// GET /staeon/rejections/?epoch=N endpoint.
func (s *Store) LoadRejectionsForEpoch(ctx context.Context, epochStart, epochEnd time.Time) ([]models.Rejection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.txid, r.rejecting_domain, r.signature
		FROM rejection r
		JOIN validated_transaction vt ON vt.txid = r.txid
		WHERE vt.timestamp >= $1 AND vt.timestamp < $2
	`, epochStart, epochEnd)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Rejection
	for rows.Next() {
		var r models.Rejection
		if err := rows.Scan(&r.TxID, &r.RejectingDomain, &r.Signature); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SaveEpochSummary persists a closed epoch's summary row, at-most-once
// (the epoch primary key rejects a second insert, matching
// EpochSummary's immutable-once-created lifecycle).
func (s *Store) SaveEpochSummary(ctx context.Context, summary models.EpochSummary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO epoch_summary (epoch, epoch_seed, transaction_count, ledger_size)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (epoch) DO NOTHING
	`, summary.Epoch, summary.EpochSeed, summary.TransactionCount, summary.LedgerSize)
	return err
}

// SaveEpochHashPush persists a sent or received push.
func (s *Store) SaveEpochHashPush(ctx context.Context, push models.EpochHashPush) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO epoch_hash_push (epoch, from_domain, to_domain, hashes, signature)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (epoch, from_domain, to_domain) DO UPDATE
		SET hashes = EXCLUDED.hashes, signature = EXCLUDED.signature
	`, push.Epoch, push.FromDomain, push.ToDomain, push.Hashes, push.Signature)
	return err
}

// SavePenaltyVote persists one peer's signed vote.
func (s *Store) SavePenaltyVote(ctx context.Context, v models.PenaltyVote) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO penalty_vote (epoch, penalized_peer, voting_peer, vote_for, signature)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (epoch, penalized_peer, voting_peer) DO NOTHING
	`, v.Epoch, v.PenalizedPeer, v.VotingPeer, v.VoteFor, v.Signature)
	return err
}

// SyncRow is one row of the GET /staeon/ledger/?sync_start=... response.
type SyncRow struct {
	Address     string
	Balance     models.Amount
	LastUpdated time.Time
}

// SyncSince returns up to 500 ledger rows updated at or after since,
// newest first, per spec.md §6.
func (s *Store) SyncSince(ctx context.Context, since time.Time) ([]SyncRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT address, balance, last_updated
		FROM ledger_entry
		WHERE last_updated >= $1
		ORDER BY last_updated DESC
		LIMIT 500
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SyncRow
	for rows.Next() {
		var r SyncRow
		var balance int64
		if err := rows.Scan(&r.Address, &balance, &r.LastUpdated); err != nil {
			return nil, err
		}
		r.Balance = models.Amount(balance)
		out = append(out, r)
	}
	return out, rows.Err()
}
