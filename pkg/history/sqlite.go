package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/powerhive/minerfleet/pkg/dispatch"
)

// ErrBatchNotFound is returned when a batch ID is unknown.
var ErrBatchNotFound = errors.New("batch not found")

// Store is the SQLite-backed batch log. It implements dispatch.Recorder.
type Store struct {
	db *sql.DB
}

// Open opens or creates the log at dbPath.
// The dbPath can be a file path or ":memory:" for an in-memory database.
func Open(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL"
	if strings.HasPrefix(dbPath, ":memory:") {
		dsn = dbPath + "?_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to :memory: is its own database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return s, nil
}

// migrate runs database migrations.
func (s *Store) migrate() error {
	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&currentVersion)
	if err != nil {
		// Table doesn't exist, run initial schema
		if _, err := s.db.Exec(Schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
		_, err = s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", SchemaVersion)
		return err
	}

	for v := currentVersion + 1; v <= SchemaVersion; v++ {
		migration, ok := Migrations[v]
		if !ok {
			continue
		}
		if _, err := s.db.Exec(migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", v, err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", v); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", v, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordBatch stores a settled batch and all of its outcomes in one
// transaction. Implements dispatch.Recorder.
func (s *Store) RecordBatch(ctx context.Context, b dispatch.Batch) error {
	_, err := s.Record(ctx, b)
	return err
}

// Record stores a settled batch and returns its generated ID.
func (s *Store) Record(ctx context.Context, b dispatch.Batch) (string, error) {
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (id, operation, device_count, success_count, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(b.Operation), len(b.Result), len(b.Result.Successes()),
		b.Started.UTC(), b.Finished.UTC())
	if err != nil {
		return "", fmt.Errorf("insert batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outcomes (batch_id, ip_address, ok, error_kind, error, hashrate, pool_user, power, light)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()

	lightOp := b.Operation == dispatch.OpToggleLight ||
		b.Operation == dispatch.OpLightOn ||
		b.Operation == dispatch.OpLightOff

	for _, addr := range b.Result.Addrs() {
		o := b.Result[addr]

		var (
			kind, msg    sql.NullString
			hashrate     sql.NullFloat64
			user         sql.NullString
			power, light sql.NullInt64
		)
		if o.Err != nil {
			kind = sql.NullString{String: string(o.Kind()), Valid: true}
			msg = sql.NullString{String: o.Err.Error(), Valid: true}
		}
		if t := o.Telemetry; t != nil {
			hashrate = sql.NullFloat64{Float64: t.HashRate, Valid: true}
			user = sql.NullString{String: t.User, Valid: true}
			power = sql.NullInt64{Int64: int64(t.Power), Valid: true}
		}
		if lightOp && o.OK() {
			light = sql.NullInt64{Int64: boolToInt(o.Light), Valid: true}
		}

		if _, err := stmt.ExecContext(ctx, id, addr.String(), o.OK(), kind, msg, hashrate, user, power, light); err != nil {
			return "", fmt.Errorf("insert outcome %s: %w", addr, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// ListBatches returns the most recent batches first. limit <= 0 returns all.
func (s *Store) ListBatches(ctx context.Context, limit int) ([]*Batch, error) {
	query := `
		SELECT id, operation, device_count, success_count, started_at, finished_at
		FROM batches ORDER BY started_at DESC, rowid DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b := &Batch{}
		if err := rows.Scan(&b.ID, &b.Operation, &b.DeviceCount, &b.SuccessCount, &b.StartedAt, &b.FinishedAt); err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// GetBatch returns one batch by ID.
func (s *Store) GetBatch(ctx context.Context, id string) (*Batch, error) {
	b := &Batch{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, operation, device_count, success_count, started_at, finished_at
		FROM batches WHERE id = ?`, id).Scan(
		&b.ID, &b.Operation, &b.DeviceCount, &b.SuccessCount, &b.StartedAt, &b.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Outcomes returns a batch's per-device outcomes ordered by address.
func (s *Store) Outcomes(ctx context.Context, batchID string) ([]*Outcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, ip_address, ok, error_kind, error, hashrate, pool_user, power, light
		FROM outcomes WHERE batch_id = ? ORDER BY id`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []*Outcome
	for rows.Next() {
		var (
			o            = &Outcome{}
			kind, msg    sql.NullString
			hashrate     sql.NullFloat64
			user         sql.NullString
			power, light sql.NullInt64
		)
		if err := rows.Scan(&o.BatchID, &o.IPAddress, &o.OK, &kind, &msg, &hashrate, &user, &power, &light); err != nil {
			return nil, err
		}
		o.ErrorKind = kind.String
		o.Error = msg.String
		if hashrate.Valid {
			o.HashRate = &hashrate.Float64
		}
		if user.Valid {
			o.PoolUser = &user.String
		}
		if power.Valid {
			p := int(power.Int64)
			o.Power = &p
		}
		if light.Valid {
			on := light.Int64 == 1
			o.Light = &on
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// LightStates returns the last fault light state recorded for each of
// addrs. Addresses with no successful light outcome are absent.
func (s *Store) LightStates(ctx context.Context, addrs []netip.Addr) (map[netip.Addr]bool, error) {
	states := make(map[netip.Addr]bool)
	if len(addrs) == 0 {
		return states, nil
	}

	args := make([]any, len(addrs))
	for i, a := range addrs {
		args[i] = a.String()
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT o.ip_address, o.light
		FROM outcomes o JOIN batches b ON b.id = o.batch_id
		WHERE o.light IS NOT NULL AND o.ip_address IN (?`+strings.Repeat(",?", len(addrs)-1)+`)
		ORDER BY b.started_at, b.rowid`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ip    string
			light int64
		)
		if err := rows.Scan(&ip, &light); err != nil {
			return nil, err
		}
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return nil, fmt.Errorf("stored address %q: %w", ip, err)
		}
		states[addr] = light == 1
	}
	return states, rows.Err()
}

// Prune deletes batches started before cutoff and returns how many were
// removed. Their outcomes are removed with them.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM batches WHERE started_at < ?", cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// Ensure Store implements dispatch.Recorder.
var _ dispatch.Recorder = (*Store)(nil)
