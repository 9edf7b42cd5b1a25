// Package ledger provides SQLite-backed persistence for forwarding events.
//
// Forwards are recorded with a corrected "true fee": lnd underreports the
// earned fee when an HTLC settles against a policy older than the current
// one, so each event is topped up to at least the fee the channel's current
// outbound policy would have charged. The correction uses the policy known
// at ingest time, which is an accepted approximation.
package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Benny-444/autofee/internal/chanid"
)

// Forward is one settled forwarding event on its outgoing channel.
type Forward struct {
	ChanOut    chanid.ID
	Timestamp  time.Time
	AmtOutMsat uint64
	FeeMsat    uint64
}

// Sample is a stored forwarding event with its corrected fee.
type Sample struct {
	Timestamp   time.Time
	AmtOutMsat  uint64
	TrueFeeMsat uint64
	TrueFeePpm  float64
}

// Policy is the outbound fee policy used for true-fee correction.
type Policy struct {
	FeeRatePpm  int64
	BaseFeeMsat int64
}

// PolicyFunc resolves the current local policy for a channel. A false return
// means the policy is unknown and the forward is skipped at ingest.
type PolicyFunc func(chanid.ID) (Policy, bool)

// Store wraps the SQLite forwarding ledger.
type Store struct {
	db *sql.DB
}

// Open opens or creates the ledger database at dbPath.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS fee_history (
			chan_id       INTEGER NOT NULL,
			timestamp_ns  INTEGER NOT NULL,
			amt_out_msat  INTEGER NOT NULL,
			fee_msat      INTEGER NOT NULL,
			true_fee_msat INTEGER NOT NULL,
			true_fee_ppm  REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_fee_history_chan_ts
			ON fee_history(chan_id, timestamp_ns)`,
		`CREATE TABLE IF NOT EXISTS ingest_cursor (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			offset_index INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Cursor returns the pagination offset of the last ingested forwarding event,
// or zero when nothing has been ingested yet.
func (s *Store) Cursor() (uint64, error) {
	var offset uint64
	err := s.db.QueryRow(`SELECT offset_index FROM ingest_cursor WHERE id = 1`).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	return offset, nil
}

// Ingest records a batch of forwards with true-fee correction and advances
// the pagination cursor, all in one transaction. Forwards with a zero
// outgoing amount or no resolvable policy are skipped, not stored
// uncorrected: an under-reported fee that cannot be topped up would drag the
// average down. Returns the rows inserted and the rows skipped.
func (s *Store) Ingest(forwards []Forward, lastOffset uint64, policies PolicyFunc) (int, int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.Prepare(`
		INSERT INTO fee_history
			(chan_id, timestamp_ns, amt_out_msat, fee_msat, true_fee_msat, true_fee_ppm)
		VALUES (?,?,?,?,?,?)`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted, skipped := 0, 0
	for _, fwd := range forwards {
		if fwd.AmtOutMsat == 0 {
			skipped++
			continue
		}
		pol, ok := policies(fwd.ChanOut)
		if !ok {
			skipped++
			continue
		}
		trueFee := trueFeeMsat(fwd, pol)
		truePpm := float64(trueFee) / float64(fwd.AmtOutMsat) * 1e6
		if _, err := stmt.Exec(
			int64(fwd.ChanOut), fwd.Timestamp.UnixNano(),
			fwd.AmtOutMsat, fwd.FeeMsat, trueFee, truePpm,
		); err != nil {
			return 0, 0, fmt.Errorf("failed to insert forward: %w", err)
		}
		inserted++
	}

	if _, err := tx.Exec(`
		INSERT INTO ingest_cursor (id, offset_index) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET offset_index = excluded.offset_index`,
		lastOffset,
	); err != nil {
		return 0, 0, fmt.Errorf("failed to advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return inserted, skipped, nil
}

// trueFeeMsat tops the reported fee up to what the outbound policy would
// have charged. A reported fee above the expected one is kept as is.
func trueFeeMsat(fwd Forward, pol Policy) uint64 {
	expected := uint64(float64(fwd.AmtOutMsat)*float64(pol.FeeRatePpm)/1e6) + uint64(pol.BaseFeeMsat)
	if expected > fwd.FeeMsat {
		return expected
	}
	return fwd.FeeMsat
}

// Prune deletes events older than cutoff and returns the number removed.
func (s *Store) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM fee_history WHERE timestamp_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune ledger: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TrueFees returns the corrected fee samples for one channel since the given
// time, ascending by timestamp.
func (s *Store) TrueFees(id chanid.ID, since time.Time) ([]Sample, error) {
	rows, err := s.db.Query(`
		SELECT timestamp_ns, amt_out_msat, true_fee_msat, true_fee_ppm
		FROM fee_history
		WHERE chan_id = ? AND timestamp_ns >= ?
		ORDER BY timestamp_ns ASC`,
		int64(id), since.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query fee history: %w", err)
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var sm Sample
		var tsNano int64
		if err := rows.Scan(&tsNano, &sm.AmtOutMsat, &sm.TrueFeeMsat, &sm.TrueFeePpm); err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		sm.Timestamp = time.Unix(0, tsNano)
		samples = append(samples, sm)
	}
	return samples, rows.Err()
}

// HasForwardsSince reports whether the channel routed anything at or after
// the given time.
func (s *Store) HasForwardsSince(id chanid.ID, since time.Time) (bool, error) {
	var one int
	err := s.db.QueryRow(`
		SELECT 1 FROM fee_history
		WHERE chan_id = ? AND timestamp_ns >= ? LIMIT 1`,
		int64(id), since.UnixNano(),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query forwards: %w", err)
	}
	return true, nil
}

// LastForwardTime returns the timestamp of the channel's newest forward.
// The second return is false when the channel has no recorded forwards.
func (s *Store) LastForwardTime(id chanid.ID) (time.Time, bool, error) {
	var tsNano sql.NullInt64
	err := s.db.QueryRow(`
		SELECT MAX(timestamp_ns) FROM fee_history WHERE chan_id = ?`,
		int64(id),
	).Scan(&tsNano)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to query last forward: %w", err)
	}
	if !tsNano.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(0, tsNano.Int64), true, nil
}
