// Package sqlitestore is a SQLite-backed history.Store, for
// single-node workers and local development that want durability without a
// separate database server.
//
// An event is stored as one opaque payload column (the Event's own
// "$type"-discriminated JSON encoding) rather than a wide
// column-per-field table, since the variant set is closed but
// field-heavy; the sequence id still gets its own indexed column so
// MaxSequenceID and ordering don't need to decode every row's JSON.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"iter"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jviau/durabletask-go/internal/db"
	"github.com/jviau/durabletask-go/internal/db/dialect"
	"github.com/jviau/durabletask-go/internal/history"
)

// Store is a SQLite-backed history.Store.
type Store struct {
	db     *sqlx.DB
	reader *sqlx.DB
}

// New wraps an existing SQLite connection, creating the schema if absent.
func New(db *sqlx.DB) (*Store, error) {
	s := &Store{db: db, reader: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("sqlitestore: init schema: %w", err)
	}
	return s, nil
}

// NewWithPool builds a Store over a writer/reader pool: WAL mode lets the
// reader connection serve state and history queries while the single
// writer serializes appends and state merges.
func NewWithPool(pool *db.Pool) (*Store, error) {
	s := &Store{db: pool.Writer(), reader: pool.Reader()}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("sqlitestore: init schema: %w", err)
	}
	return s, nil
}

var _ history.Store = (*Store)(nil)

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS history_events (
		instance_id TEXT NOT NULL,
		seq_key TEXT NOT NULL,
		sequence_id INTEGER NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (instance_id, seq_key)
	);
	CREATE INDEX IF NOT EXISTS idx_history_events_instance ON history_events(instance_id, sequence_id);

	CREATE TABLE IF NOT EXISTS instances (
		instance_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_updated_at TIMESTAMP NOT NULL,
		status TEXT NOT NULL,
		sub_status TEXT NOT NULL DEFAULT '',
		input TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		failure TEXT,
		parent TEXT
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) AppendMessage(ctx context.Context, instanceID string, event history.Event) (history.AppendResult, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: marshal event: %w", err)
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO history_events (instance_id, seq_key, sequence_id, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id, seq_key) DO NOTHING
	`), instanceID, history.RowKey(event.SequenceID), event.SequenceID, string(payload))
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: append message: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return history.AppendDuplicate, nil
	}
	return history.AppendOK, nil
}

func (s *Store) UpdateState(ctx context.Context, instanceID string, update history.StateUpdate) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	inst, err := readStateTx(ctx, tx, instanceID)
	if err != nil && err != history.ErrNotFound {
		return err
	}
	if err == history.ErrNotFound {
		inst = &history.Instance{InstanceID: instanceID, CreatedAt: time.Now().UTC()}
	}
	applyStateUpdate(inst, update)
	inst.LastUpdatedAt = time.Now().UTC()

	failureJSON, err := marshalFailure(inst.Failure)
	if err != nil {
		return err
	}
	parentJSON, err := marshalParent(inst.Parent)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO instances (instance_id, name, created_at, last_updated_at, status, sub_status, input, output, failure, parent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id) DO UPDATE SET
			last_updated_at = excluded.last_updated_at,
			status = excluded.status,
			sub_status = excluded.sub_status,
			output = excluded.output,
			failure = excluded.failure
	`), inst.InstanceID, inst.Name, inst.CreatedAt, inst.LastUpdatedAt, string(inst.Status), inst.SubStatus, inst.Input, inst.Output, failureJSON, parentJSON)
	if err != nil {
		return fmt.Errorf("sqlitestore: update state: %w", err)
	}

	return tx.Commit()
}

func applyStateUpdate(inst *history.Instance, update history.StateUpdate) {
	if update.Status != nil {
		inst.Status = *update.Status
	}
	if update.SubStatus != nil {
		inst.SubStatus = *update.SubStatus
	}
	if update.Output != nil {
		inst.Output = *update.Output
	}
	if update.Failure != nil {
		inst.Failure = update.Failure
	}
}

func (s *Store) CreateInstance(ctx context.Context, inst history.Instance, started history.Event) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	failureJSON, err := marshalFailure(inst.Failure)
	if err != nil {
		return err
	}
	parentJSON, err := marshalParent(inst.Parent)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO instances (instance_id, name, created_at, last_updated_at, status, sub_status, input, output, failure, parent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (instance_id) DO NOTHING
	`), inst.InstanceID, inst.Name, inst.CreatedAt, inst.LastUpdatedAt, string(inst.Status), inst.SubStatus, inst.Input, inst.Output, failureJSON, parentJSON)
	if err != nil {
		return fmt.Errorf("sqlitestore: create instance: %w", err)
	}

	payload, err := json.Marshal(started)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal started event: %w", err)
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO history_events (instance_id, seq_key, sequence_id, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id, seq_key) DO NOTHING
	`), inst.InstanceID, history.RowKey(started.SequenceID), started.SequenceID, string(payload))
	if err != nil {
		return fmt.Errorf("sqlitestore: append started event: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ReadState(ctx context.Context, instanceID string) (*history.Instance, error) {
	return readStateTx(ctx, s.reader, instanceID)
}

// queryer is the subset of *sqlx.DB and *sqlx.Tx used for reads, so
// UpdateState can read-modify-write within its own transaction.
type queryer interface {
	QueryRowxContext(ctx context.Context, query string, args ...any) *sqlx.Row
	Rebind(query string) string
}

func readStateTx(ctx context.Context, q queryer, instanceID string) (*history.Instance, error) {
	row := q.QueryRowxContext(ctx, q.Rebind(`
		SELECT instance_id, name, created_at, last_updated_at, status, sub_status, input, output, failure, parent
		FROM instances WHERE instance_id = ?
	`), instanceID)

	var inst history.Instance
	var status string
	var failureJSON, parentJSON sql.NullString
	err := row.Scan(&inst.InstanceID, &inst.Name, &inst.CreatedAt, &inst.LastUpdatedAt, &status, &inst.SubStatus, &inst.Input, &inst.Output, &failureJSON, &parentJSON)
	if err == sql.ErrNoRows {
		return nil, history.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	inst.Status = history.Status(status)
	if failureJSON.Valid && failureJSON.String != "" {
		var f history.Failure
		if err := json.Unmarshal([]byte(failureJSON.String), &f); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal failure: %w", err)
		}
		inst.Failure = &f
	}
	if parentJSON.Valid && parentJSON.String != "" {
		var p history.ParentRef
		if err := json.Unmarshal([]byte(parentJSON.String), &p); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal parent: %w", err)
		}
		inst.Parent = &p
	}
	return &inst, nil
}

func marshalFailure(f *history.Failure) (sql.NullString, error) {
	if f == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("sqlitestore: marshal failure: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func marshalParent(p *history.ParentRef) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("sqlitestore: marshal parent: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func (s *Store) StreamMessages(ctx context.Context, instanceID string) iter.Seq2[history.Event, error] {
	return func(yield func(history.Event, error) bool) {
		rows, err := s.reader.QueryxContext(ctx, s.reader.Rebind(`
			SELECT payload FROM history_events WHERE instance_id = ? ORDER BY seq_key ASC
		`), instanceID)
		if err != nil {
			yield(history.Event{}, fmt.Errorf("sqlitestore: stream messages: %w", err))
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var payload string
			if err := rows.Scan(&payload); err != nil {
				yield(history.Event{}, err)
				return
			}
			var e history.Event
			if err := json.Unmarshal([]byte(payload), &e); err != nil {
				yield(history.Event{}, fmt.Errorf("sqlitestore: unmarshal event: %w", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(history.Event{}, err)
		}
	}
}

func (s *Store) MaxSequenceID(ctx context.Context, instanceID string) (int64, error) {
	var max sql.NullInt64
	err := s.reader.QueryRowContext(ctx, s.reader.Rebind(`
		SELECT MAX(sequence_id) FROM history_events WHERE instance_id = ?
	`), instanceID).Scan(&max)
	if err != nil {
		return 0, err
	}
	if !max.Valid {
		return -1, nil
	}
	return max.Int64, nil
}

func (s *Store) Purge(ctx context.Context, instanceID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM history_events WHERE instance_id = ?`), instanceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM instances WHERE instance_id = ?`), instanceID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListInstances(ctx context.Context, filter history.Filter) ([]history.Instance, error) {
	query := `SELECT instance_id, name, created_at, last_updated_at, status, sub_status, input, output, failure, parent FROM instances WHERE 1=1`
	var args []any

	if filter.CreatedFrom != nil {
		query += ` AND created_at >= ?`
		args = append(args, *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		query += ` AND created_at <= ?`
		args = append(args, *filter.CreatedTo)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]any, len(filter.Statuses))
		placeholders := ""
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
			if i > 0 {
				placeholders += ", "
			}
			placeholders += "?"
		}
		query += ` AND status IN (` + placeholders + `)`
		args = append(args, statuses...)
	}
	if filter.NameContains != "" {
		query += ` AND name ` + dialect.Like(s.reader.DriverName()) + ` ?`
		args = append(args, "%"+filter.NameContains+"%")
	}
	if filter.ParentInstanceID != "" {
		query += ` AND ` + dialect.JSONExtract(s.reader.DriverName(), "parent", "instanceId") + ` = ?`
		args = append(args, filter.ParentInstanceID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.reader.QueryContext(ctx, s.reader.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []history.Instance
	for rows.Next() {
		var inst history.Instance
		var status string
		var failureJSON, parentJSON sql.NullString
		if err := rows.Scan(&inst.InstanceID, &inst.Name, &inst.CreatedAt, &inst.LastUpdatedAt, &status, &inst.SubStatus, &inst.Input, &inst.Output, &failureJSON, &parentJSON); err != nil {
			return nil, err
		}
		inst.Status = history.Status(status)
		if failureJSON.Valid && failureJSON.String != "" {
			var f history.Failure
			if err := json.Unmarshal([]byte(failureJSON.String), &f); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal failure: %w", err)
			}
			inst.Failure = &f
		}
		if parentJSON.Valid && parentJSON.String != "" {
			var p history.ParentRef
			if err := json.Unmarshal([]byte(parentJSON.String), &p); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal parent: %w", err)
			}
			inst.Parent = &p
		}
		out = append(out, inst)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, rows.Err()
}
