package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"math/big"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	escrow "github.com/x402-labs/escrow"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	payer TEXT NOT NULL,
	receiver TEXT NOT NULL,
	operator TEXT NOT NULL,
	network TEXT NOT NULL,
	salt TEXT NOT NULL,
	token_hash TEXT NOT NULL,
	authorization_expiry INTEGER NOT NULL,
	refund_expiry INTEGER NOT NULL,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	deposit_confirmed INTEGER NOT NULL DEFAULT 0,
	authorize_tx TEXT NOT NULL DEFAULT '',
	void_tx TEXT NOT NULL DEFAULT '',
	authorized TEXT NOT NULL,
	captured TEXT NOT NULL,
	pending TEXT NOT NULL,
	available TEXT NOT NULL,
	reclaimed TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_payer ON sessions(payer);
CREATE INDEX IF NOT EXISTS idx_sessions_receiver ON sessions(receiver);

CREATE TABLE IF NOT EXISTS capture_txs (
	session_id TEXT NOT NULL REFERENCES sessions(id),
	seq INTEGER NOT NULL,
	tx TEXT NOT NULL,
	PRIMARY KEY (session_id, seq)
);

CREATE TABLE IF NOT EXISTS debits (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	amount TEXT NOT NULL,
	request_id TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	UNIQUE (session_id, request_id)
);
`

// SQLiteStore persists sessions in SQLite. Updates run inside immediate
// transactions, so the read-modify-write in Update is serialized per
// database; the busy timeout absorbs short contention.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens the store and applies the schema. Addresses are stored
// lowercased so lookups are case-insensitive.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	// modernc.org/sqlite takes pragmas as _pragma=name(value); the
	// mattn-style _journal_mode form is silently ignored by this driver.
	dsn := filepath.Clean(path) + "?_txlock=immediate" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle so other stores can share the same database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Create(ctx context.Context, sess *Session) error {
	if !sess.Balance.Conserved() {
		return ErrBalanceNotConserved
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM sessions WHERE id = ?`, sess.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if exists > 0 {
		return ErrSessionExists
	}

	if err := insertSession(ctx, tx, sess); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	return loadSession(ctx, tx, id)
}

// Update loads the session inside an immediate transaction, applies fn
// and writes the result back. A failing callback rolls everything back.
func (s *SQLiteStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	sess, err := loadSession(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	if !sess.Balance.Conserved() {
		return nil, ErrBalanceNotConserved
	}
	if err := writeSession(ctx, tx, sess); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return sess.Clone(), nil
}

func (s *SQLiteStore) ListByPayer(ctx context.Context, payer string) ([]*Session, error) {
	return s.listBy(ctx, "payer", payer)
}

func (s *SQLiteStore) ListByReceiver(ctx context.Context, receiver string) ([]*Session, error) {
	return s.listBy(ctx, "receiver", receiver)
}

func (s *SQLiteStore) listBy(ctx context.Context, column, address string) ([]*Session, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM sessions WHERE `+column+` = ? ORDER BY created_at, id`,
		strings.ToLower(address))
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	rows.Close()

	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := loadSession(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, nil
}

func insertSession(ctx context.Context, tx *sql.Tx, sess *Session) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (
			id, payer, receiver, operator, network, salt, token_hash,
			authorization_expiry, refund_expiry, status, created_at,
			deposit_confirmed, authorize_tx, void_tx,
			authorized, captured, pending, available, reclaimed
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, strings.ToLower(sess.Payer), strings.ToLower(sess.Receiver),
		sess.Operator, string(sess.Network), sess.Salt, sess.TokenHash,
		sess.AuthorizationExpiry.Unix(), sess.RefundExpiry.Unix(),
		string(sess.Status), sess.CreatedAt.Unix(),
		boolToInt(sess.DepositConfirmed), sess.Transactions.AuthorizeTx, sess.Transactions.VoidTx,
		escrow.FormatAmount(sess.Balance.Authorized), escrow.FormatAmount(sess.Balance.Captured),
		escrow.FormatAmount(sess.Balance.Pending), escrow.FormatAmount(sess.Balance.Available),
		escrow.FormatAmount(sess.Balance.Reclaimed),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func writeSession(ctx context.Context, tx *sql.Tx, sess *Session) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?, deposit_confirmed = ?, authorize_tx = ?, void_tx = ?,
			authorized = ?, captured = ?, pending = ?, available = ?, reclaimed = ?
		WHERE id = ?`,
		string(sess.Status), boolToInt(sess.DepositConfirmed),
		sess.Transactions.AuthorizeTx, sess.Transactions.VoidTx,
		escrow.FormatAmount(sess.Balance.Authorized), escrow.FormatAmount(sess.Balance.Captured),
		escrow.FormatAmount(sess.Balance.Pending), escrow.FormatAmount(sess.Balance.Available),
		escrow.FormatAmount(sess.Balance.Reclaimed),
		sess.ID,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	for i, captureTx := range sess.Transactions.CaptureTxs {
		_, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO capture_txs (session_id, seq, tx) VALUES (?, ?, ?)`,
			sess.ID, i, captureTx)
		if err != nil {
			return fmt.Errorf("insert capture tx: %w", err)
		}
	}
	for _, d := range sess.Debits {
		_, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO debits (id, session_id, amount, request_id, description, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			d.ID, d.SessionID, escrow.FormatAmount(d.Amount), d.RequestID, d.Description, d.CreatedAt.Unix())
		if err != nil {
			return fmt.Errorf("insert debit: %w", err)
		}
	}
	return nil
}

func loadSession(ctx context.Context, tx *sql.Tx, id string) (*Session, error) {
	var sess Session
	var network, status string
	var authExpiry, refundExpiry, createdAt int64
	var depositConfirmed int
	var authorized, captured, pending, available, reclaimed string
	err := tx.QueryRowContext(ctx, `
		SELECT id, payer, receiver, operator, network, salt, token_hash,
			authorization_expiry, refund_expiry, status, created_at,
			deposit_confirmed, authorize_tx, void_tx,
			authorized, captured, pending, available, reclaimed
		FROM sessions WHERE id = ?`, id).Scan(
		&sess.ID, &sess.Payer, &sess.Receiver, &sess.Operator, &network, &sess.Salt, &sess.TokenHash,
		&authExpiry, &refundExpiry, &status, &createdAt,
		&depositConfirmed, &sess.Transactions.AuthorizeTx, &sess.Transactions.VoidTx,
		&authorized, &captured, &pending, &available, &reclaimed,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	sess.Network = escrow.Network(network)
	sess.Status = Status(status)
	sess.AuthorizationExpiry = time.Unix(authExpiry, 0).UTC()
	sess.RefundExpiry = time.Unix(refundExpiry, 0).UTC()
	sess.CreatedAt = time.Unix(createdAt, 0).UTC()
	sess.DepositConfirmed = depositConfirmed != 0

	sess.Balance = Balance{
		Authorized: mustAmount(authorized),
		Captured:   mustAmount(captured),
		Pending:    mustAmount(pending),
		Available:  mustAmount(available),
		Reclaimed:  mustAmount(reclaimed),
	}

	// A transaction supports one open result set at a time, so each
	// query is drained and closed before the next.
	rows, err := tx.QueryContext(ctx,
		`SELECT tx FROM capture_txs WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("load capture txs: %w", err)
	}
	for rows.Next() {
		var captureTx string
		if err := rows.Scan(&captureTx); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan capture tx: %w", err)
		}
		sess.Transactions.CaptureTxs = append(sess.Transactions.CaptureTxs, captureTx)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate capture txs: %w", err)
	}
	rows.Close()

	debitRows, err := tx.QueryContext(ctx, `
		SELECT id, amount, request_id, description, created_at
		FROM debits WHERE session_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load debits: %w", err)
	}
	defer debitRows.Close()

	sess.Debits = make(map[string]*DebitRecord)
	for debitRows.Next() {
		var (
			d         DebitRecord
			amount    string
			createdAt int64
		)
		if err := debitRows.Scan(&d.ID, &amount, &d.RequestID, &d.Description, &createdAt); err != nil {
			return nil, fmt.Errorf("scan debit: %w", err)
		}
		d.SessionID = id
		d.Amount = mustAmount(amount)
		d.CreatedAt = time.Unix(createdAt, 0).UTC()
		sess.Debits[d.RequestID] = &d
	}
	if err := debitRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate debits: %w", err)
	}

	return &sess, nil
}

func mustAmount(s string) *big.Int {
	v, err := escrow.ParseAmount(s)
	if err != nil {
		// Stored amounts are written by FormatAmount; a parse failure
		// means external corruption.
		return new(big.Int)
	}
	return v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Store = (*SQLiteStore)(nil)
