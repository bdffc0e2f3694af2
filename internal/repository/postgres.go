// Package repository provides PostgreSQL-backed persistence for published
// datafiles. It also handles LISTEN/NOTIFY-based invalidation so edge
// instances reload a new revision as soon as it is published instead of
// waiting for the next refresh tick.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel = "datafile_events"
	defaultEnvironment   = "production"
	maxHistoryBatchSize  = 100
)

// Datafile is a published datafile row. Content is the raw datafile JSON as
// it was published; it is parsed by the datafile package, never here.
type Datafile struct {
	ID            int64           `json:"id"`
	Environment   string          `json:"environment"`
	Revision      string          `json:"revision"`
	SchemaVersion string          `json:"schema_version"`
	Content       json.RawMessage `json:"content"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PostgresRepository stores published datafiles in a pgxpool-backed table
// and broadcasts publications over a LISTEN/NOTIFY channel.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// "datafile_events" notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: trimOrDefault(notifyChannel, defaultNotifyChannel),
	}
}

// LatestDatafile returns the most recently published datafile for the
// environment. Returns pgx.ErrNoRows (wrapped) if nothing has been published.
func (r *PostgresRepository) LatestDatafile(ctx context.Context, environment string) (Datafile, error) {
	var df Datafile
	err := r.pool.QueryRow(ctx, `
		SELECT id, environment, revision, schema_version, content, created_at
		FROM datafiles
		WHERE environment = $1
		ORDER BY id DESC
		LIMIT 1
	`, trimOrDefault(environment, defaultEnvironment)).Scan(
		&df.ID,
		&df.Environment,
		&df.Revision,
		&df.SchemaVersion,
		&df.Content,
		&df.CreatedAt,
	)
	if err != nil {
		return Datafile{}, fmt.Errorf("latest datafile: %w", err)
	}

	return df, nil
}

// ListDatafiles returns up to 100 published revisions for the environment,
// newest first. Content is omitted.
func (r *PostgresRepository) ListDatafiles(ctx context.Context, environment string) ([]Datafile, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, environment, revision, schema_version, created_at
		FROM datafiles
		WHERE environment = $1
		ORDER BY id DESC
		LIMIT $2
	`, trimOrDefault(environment, defaultEnvironment), maxHistoryBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list datafiles: %w", err)
	}
	defer rows.Close()

	datafiles := make([]Datafile, 0)
	for rows.Next() {
		var df Datafile
		if err := rows.Scan(
			&df.ID,
			&df.Environment,
			&df.Revision,
			&df.SchemaVersion,
			&df.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan datafile: %w", err)
		}

		datafiles = append(datafiles, df)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list datafiles rows: %w", err)
	}

	return datafiles, nil
}

// PublishDatafile inserts a datafile revision and sends a PostgreSQL NOTIFY
// on the configured channel within a single transaction.
func (r *PostgresRepository) PublishDatafile(ctx context.Context, df Datafile) (Datafile, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Datafile{}, fmt.Errorf("begin publish datafile tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created Datafile
	if err := tx.QueryRow(ctx, `
		INSERT INTO datafiles (environment, revision, schema_version, content)
		VALUES ($1, $2, $3, $4)
		RETURNING id, environment, revision, schema_version, content, created_at
	`,
		trimOrDefault(df.Environment, defaultEnvironment),
		df.Revision,
		df.SchemaVersion,
		ensureJSON(df.Content, "{}"),
	).Scan(
		&created.ID,
		&created.Environment,
		&created.Revision,
		&created.SchemaVersion,
		&created.Content,
		&created.CreatedAt,
	); err != nil {
		return Datafile{}, fmt.Errorf("insert datafile: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return Datafile{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return Datafile{}, fmt.Errorf("notify datafile: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Datafile{}, fmt.Errorf("commit publish datafile tx: %w", err)
	}

	return created, nil
}

// SubscribeDatafileInvalidation returns a channel that receives a signal
// whenever a publication notification arrives on the LISTEN channel. The
// channel is closed once ctx is done.
func (r *PostgresRepository) SubscribeDatafileInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for datafile notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

// trimOrDefault returns s without surrounding space, or fallback when that
// leaves nothing.
func trimOrDefault(s, fallback string) string {
	if trimmed := strings.TrimSpace(s); trimmed != "" {
		return trimmed
	}
	return fallback
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func marshalNotifyPayload(df Datafile) (string, error) {
	serialized, err := json.Marshal(struct {
		ID          int64  `json:"id"`
		Environment string `json:"environment"`
		Revision    string `json:"revision"`
	}{
		ID:          df.ID,
		Environment: df.Environment,
		Revision:    df.Revision,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}
