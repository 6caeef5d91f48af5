package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/flowcatalyst/risk-sms/internal/message"
)

// PostgresConfig configures the pgxpool-backed MessageStore.
type PostgresConfig struct {
	ConnString       string
	MaxConns         int32
	MinConns         int32
	MaxConnIdleTime  time.Duration
	ConnectTimeout   time.Duration
	NullsPriority    int // the "nulls -> 997" sentinel from spec.md §4.1
}

// DefaultNullsPriority is the sentinel substituted for a NULL
// category.priority when ordering loadPendingMessages results.
const DefaultNullsPriority = 997

// PostgresStore implements MessageStore against PostgreSQL via pgxpool.
type PostgresStore struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresStore creates a connection pool and verifies connectivity.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.NullsPriority == 0 {
		cfg.NullsPriority = DefaultNullsPriority
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("store: parsing connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: creating pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping failed: %w", err)
	}

	return &PostgresStore{pool: pool, cfg: cfg}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// LoadPendingMessages implements MessageStore.
func (s *PostgresStore) LoadPendingMessages(ctx context.Context, source string, carrier, classification *string, limit int) []message.SmsMessage {
	if limit <= 0 {
		limit = DefaultBatchLimit
	}

	query := fmt.Sprintf(`
		SELECT m.id, m.destination, m.content
		FROM messages m
		LEFT JOIN message_category c ON c.id = m.category_id
		WHERE m.state = $1
		  AND ($2::text IS NULL OR m.carrier = $2)
		  AND ($3::text IS NULL OR c.classification = $3)
		ORDER BY COALESCE(c.priority, %d) ASC, m.id ASC
		LIMIT $4
	`, s.cfg.NullsPriority)

	rows, err := s.pool.Query(ctx, query, string(message.StatusPendingSend), carrier, classification, limit)
	if err != nil {
		log.Error().Err(err).Str("source", source).Msg("loadPendingMessages query failed")
		return []message.SmsMessage{}
	}
	defer rows.Close()

	var out []message.SmsMessage
	for rows.Next() {
		var id, destination, content string
		if err := rows.Scan(&id, &destination, &content); err != nil {
			log.Error().Err(err).Str("source", source).Msg("loadPendingMessages scan failed")
			return []message.SmsMessage{}
		}
		out = append(out, message.SmsMessage{
			ID:          id,
			Source:      source,
			Destination: destination,
			Text:        content,
		})
	}
	if err := rows.Err(); err != nil {
		log.Error().Err(err).Str("source", source).Msg("loadPendingMessages iteration failed")
		return []message.SmsMessage{}
	}
	if out == nil {
		out = []message.SmsMessage{}
	}
	return out
}

// UpdateMessageStatus implements MessageStore.
//
// The single statement below applies every invariant in spec.md §3 in one
// atomic update: the cap-to-ERROR_PROCESSED promotion when the intended
// state is PENDING_SEND and attempts has already reached maxAttempts-1, the
// conditional attempts increment (skipped for IN_PROGRESS), the sent_at
// stamp (only for SENT, otherwise preserved), and coalesced, truncated
// response-field updates.
func (s *PostgresStore) UpdateMessageStatus(ctx context.Context, id string, newState message.Status, responseCode *int, responseText *string, externalID *string, maxAttempts int) {
	var truncatedText, truncatedExternal *string
	if responseText != nil {
		t := message.Truncate(*responseText, message.ResponseTextMaxLen)
		truncatedText = &t
	}
	if externalID != nil {
		e := message.Truncate(*externalID, message.ExternalIDMaxLen)
		truncatedExternal = &e
	}

	query := `
		UPDATE messages SET
			state = CASE
				WHEN $2 = $6 AND attempts >= $7 - 1 THEN $8
				ELSE $2
			END,
			attempts = CASE WHEN $2 = $9 THEN attempts ELSE attempts + 1 END,
			sent_at = CASE WHEN $2 = $10 THEN now() ELSE sent_at END,
			response_code = COALESCE($3, response_code),
			response_text = COALESCE($4, response_text),
			external_id = COALESCE($5, external_id)
		WHERE id = $1
	`

	_, err := s.pool.Exec(ctx, query,
		id,
		string(newState),
		responseCode,
		truncatedText,
		truncatedExternal,
		string(message.StatusPendingSend),
		maxAttempts,
		string(message.StatusErrorProcessed),
		string(message.StatusInProgress),
		string(message.StatusSent),
	)
	if err != nil {
		log.Error().Err(err).Str("id", id).Str("newState", string(newState)).Msg("updateMessageStatus failed")
	}
}

// BulkClaim implements MessageStore using a non-blocking row lock
// (FOR UPDATE SKIP LOCKED) so concurrent workers never double-claim a row,
// mirroring the teacher's Postgres outbox repository's atomic
// select-and-update pattern.
func (s *PostgresStore) BulkClaim(ctx context.Context, ids []string, newState message.Status) []string {
	if len(ids) == 0 {
		return nil
	}

	query := `
		WITH locked AS (
			SELECT id FROM messages
			WHERE id = ANY($1)
			FOR UPDATE SKIP LOCKED
		)
		UPDATE messages m
		SET state = $2
		FROM locked l
		WHERE m.id = l.id
		RETURNING m.id
	`

	rows, err := s.pool.Query(ctx, query, ids, string(newState))
	if err != nil {
		log.Error().Err(err).Msg("bulkClaim failed")
		return nil
	}
	defer rows.Close()

	var claimed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			log.Error().Err(err).Msg("bulkClaim scan failed")
			return claimed
		}
		claimed = append(claimed, id)
	}
	return claimed
}

// SaveReceivedMessage implements MessageStore.
func (s *PostgresStore) SaveReceivedMessage(ctx context.Context, origin, destination, text string) *string {
	var id string
	err := s.pool.QueryRow(ctx, `
		INSERT INTO received_messages (origin, destination, content, received_at)
		VALUES ($1, $2, $3, now())
		RETURNING id
	`, origin, destination, text).Scan(&id)
	if err != nil {
		log.Error().Err(err).Str("origin", origin).Str("destination", destination).Msg("saveReceivedMessage failed")
		return nil
	}
	return &id
}

// ResetStuckInProgress implements MessageStore.
func (s *PostgresStore) ResetStuckInProgress(ctx context.Context) int64 {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET state = $1 WHERE state = $2
	`, string(message.StatusPendingSend), string(message.StatusInProgress))
	if err != nil {
		log.Error().Err(err).Msg("resetStuckInProgress failed")
		return 0
	}
	return tag.RowsAffected()
}
