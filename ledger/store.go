// Package ledger keeps a durable record of commission transitions in SQLite
// so that paid but undelivered commissions survive a restart.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/winksdotfun/endgame/ledger/migrations"
	"github.com/winksdotfun/endgame/logger"
	"github.com/winksdotfun/endgame/saga"
	"github.com/winksdotfun/endgame/types"
)

const DefaultWriteTimeout = 5 * time.Second

var ErrNotFound = errors.New("commission not found")

// Entry is the latest known state of one commission.
type Entry struct {
	ID              string      `json:"id"`
	Kind            types.Kind  `json:"kind"`
	Suffix          string      `json:"suffix"`
	State           types.State `json:"state"`
	TxHash          string      `json:"txHash,omitempty"`
	ArtifactAddress string      `json:"artifactAddress,omitempty"`
	FailureKind     string      `json:"failureKind,omitempty"`
	// Discarded is set once the session reset the commission.
	Discarded bool      `json:"discarded"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists commission state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens the ledger at path and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Record appends t to the transition log and updates the commission row.
// A known tx hash or artifact address is never overwritten with an empty one.
func (s *Store) Record(ctx context.Context, t saga.Transition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if t.CommissionID == "" {
		return fmt.Errorf("commission id is required")
	}

	var failureKind, failureMessage string
	if t.Failure != nil {
		failureKind, failureMessage = string(t.Failure.Kind), t.Failure.Message
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO commission_transitions (
		   commission_id, from_state, to_state, failure_kind, failure_message, tx_hash, at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.CommissionID,
		string(t.From),
		string(t.To),
		failureKind,
		failureMessage,
		t.TxHash,
		toMillis(at),
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}

	if t.To == types.StateSuffixEntry {
		// reset: keep the last real state and flag the row
		if _, err := tx.ExecContext(ctx,
			`UPDATE commissions SET discarded = 1, updated_at = ? WHERE id = ?`,
			toMillis(at), t.CommissionID,
		); err != nil {
			return fmt.Errorf("discard commission: %w", err)
		}
	} else if _, err := tx.ExecContext(ctx,
		`INSERT INTO commissions (
		   id, kind, suffix, state, tx_hash, artifact_address, failure_kind, created_at, updated_at
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   tx_hash = CASE WHEN excluded.tx_hash <> '' THEN excluded.tx_hash ELSE commissions.tx_hash END,
		   artifact_address = CASE WHEN excluded.artifact_address <> '' THEN excluded.artifact_address ELSE commissions.artifact_address END,
		   failure_kind = excluded.failure_kind,
		   updated_at = excluded.updated_at`,
		t.CommissionID,
		t.Kind.String(),
		t.Suffix,
		string(t.To),
		t.TxHash,
		t.ArtifactAddress,
		failureKind,
		toMillis(at),
		toMillis(at),
	); err != nil {
		return fmt.Errorf("upsert commission: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

const entryColumns = `id, kind, suffix, state, tx_hash, artifact_address, failure_kind, discarded, created_at, updated_at`

// Get returns the latest entry for id.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	if s == nil || s.sqlDB == nil {
		return Entry{}, fmt.Errorf("storage is not configured")
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM commissions WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("get commission: %w", err)
	}
	return entry, nil
}

// Undelivered lists failed commissions whose fee may have been taken but
// which never produced an artifact, oldest first. Reverted payments are
// excluded.
func (s *Store) Undelivered(ctx context.Context) ([]Entry, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+entryColumns+`
		   FROM commissions
		  WHERE tx_hash <> ''
		    AND artifact_address = ''
		    AND state = ?
		    AND failure_kind <> ?
		  ORDER BY created_at ASC, id ASC`,
		string(types.StateFailed),
		string(types.ErrChainRejected),
	)
	if err != nil {
		return nil, fmt.Errorf("list undelivered: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan commission: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate commissions: %w", err)
	}
	return entries, nil
}

// History returns the recorded transitions of one commission in order.
func (s *Store) History(ctx context.Context, id string) ([]saga.Transition, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT from_state, to_state, failure_kind, failure_message, tx_hash, at
		   FROM commission_transitions
		  WHERE commission_id = ?
		  ORDER BY seq ASC`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()

	var out []saga.Transition
	for rows.Next() {
		var (
			from, to, failureKind, failureMessage string
			at                                    int64
		)
		t := saga.Transition{CommissionID: id}
		if err := rows.Scan(&from, &to, &failureKind, &failureMessage, &t.TxHash, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.From, t.To, t.At = types.State(from), types.State(to), fromMillis(at)
		if failureKind != "" {
			t.Failure = &types.Failure{Kind: types.ErrorKind(failureKind), Message: failureMessage}
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// Observer returns a saga observer that records every transition. Write
// failures are logged and never reach the saga.
func (s *Store) Observer(l logger.Logger, timeout time.Duration) func(saga.Transition) {
	if l == nil {
		l = logger.NoopLogger{}
	}
	if timeout <= 0 {
		timeout = DefaultWriteTimeout
	}
	return func(t saga.Transition) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Record(ctx, t); err != nil {
			l.Error("failed to record commission transition", map[string]any{
				"commission_id": t.CommissionID,
				"to":            t.To.String(),
				"tx_hash":       t.TxHash,
				"error":         err.Error(),
			})
		}
	}
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                    Entry
		kind, state          string
		discarded            int
		createdAt, updatedAt int64
	)
	if err := row.Scan(&e.ID, &kind, &e.Suffix, &state, &e.TxHash, &e.ArtifactAddress, &e.FailureKind, &discarded, &createdAt, &updatedAt); err != nil {
		return Entry{}, err
	}
	e.Kind, e.State = types.Kind(kind), types.State(state)
	e.Discarded = discarded != 0
	e.CreatedAt, e.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	return e, nil
}
