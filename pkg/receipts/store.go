// Execution receipt persistence with SQLite
package receipts

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)

	"github.com/karstchain/karst/internal/logger"
	"github.com/karstchain/karst/pkg/journal"
)

// Receipt records the outcome of one transaction in a committed-valid
// block.
type Receipt struct {
	BlockID       string
	TransactionID string
	IsValid       bool
	CreatedAt     time.Time
}

// Store persists execution receipts for blocks that passed validation.
type Store struct {
	db  *sql.DB
	log *logger.Logger
}

// NewStore opens (or creates) the receipt database at path.
func NewStore(path string, log *logger.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open receipt database: %w", err)
	}

	// WAL mode for better concurrency (non-fatal where unsupported)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		log.WithError(err).Warn("Failed to enable WAL mode (continuing with default journaling)")
	}

	schema := `CREATE TABLE IF NOT EXISTS receipts (
		block_id   TEXT NOT NULL,
		txn_id     TEXT NOT NULL,
		is_valid   INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (block_id, txn_id)
	)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create receipt schema: %w", err)
	}

	log.WithField("db_path", path).Info("Receipt store initialized")
	return &Store{db: db, log: log}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveBlockReceipts records the execution results attached to a validated
// block. Re-saving the same block is a no-op.
func (s *Store) SaveBlockReceipts(block *journal.Block) error {
	if len(block.ExecutionResults) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin receipt transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO receipts (block_id, txn_id, is_valid, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare receipt insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().Unix()
	for _, result := range block.ExecutionResults {
		if _, err := stmt.Exec(block.Identifier(), result.TransactionID, result.IsValid, now); err != nil {
			return fmt.Errorf("failed to insert receipt for %s: %w", result.TransactionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit receipts: %w", err)
	}

	s.log.WithFields(logger.Fields{
		"block_id": block.Identifier(),
		"receipts": len(block.ExecutionResults),
	}).Debug("Saved block receipts")
	return nil
}

// BlockReceipts returns the receipts recorded for a block, in insertion
// order.
func (s *Store) BlockReceipts(blockID string) ([]Receipt, error) {
	rows, err := s.db.Query(
		`SELECT block_id, txn_id, is_valid, created_at FROM receipts WHERE block_id = ? ORDER BY rowid`,
		blockID)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []Receipt
	for rows.Next() {
		var r Receipt
		var isValid int
		var createdAt int64
		if err := rows.Scan(&r.BlockID, &r.TransactionID, &isValid, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		r.IsValid = isValid != 0
		r.CreatedAt = time.Unix(createdAt, 0)
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}
