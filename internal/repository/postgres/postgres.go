// Package postgres implements the repository contracts on a pgx connection
// pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duolink/duolink/internal/config"
	"github.com/duolink/duolink/internal/model"
	"github.com/duolink/duolink/internal/repository"
)

// NewPool creates a pgx connection pool and verifies connectivity with a ping.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, errors.New("postgres: database url is not set")
	}

	pc, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pc.MaxConnIdleTime = 5 * time.Minute
	pc.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("postgres: new pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return pool, nil
}

// UserDirectory resolves users and pairings from the users table.
type UserDirectory struct {
	pool *pgxpool.Pool
}

// NewUserDirectory creates a Postgres-backed user directory.
func NewUserDirectory(pool *pgxpool.Pool) *UserDirectory {
	return &UserDirectory{pool: pool}
}

var _ repository.UserDirectory = (*UserDirectory)(nil)

const userColumns = `id, name, email, avatar, paired_with_user_id, is_premium,
	push_endpoint, push_p256dh, push_auth`

func scanUser(row pgx.Row) (*repository.User, error) {
	var (
		u        repository.User
		pairedID *string
		avatar   *string
		endpoint *string
		p256dh   *string
		authKey  *string
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &avatar, &pairedID, &u.IsPremium,
		&endpoint, &p256dh, &authKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if avatar != nil {
		u.Avatar = *avatar
	}
	if pairedID != nil {
		u.PairedWithUserID = *pairedID
	}
	if endpoint != nil && *endpoint != "" {
		u.PushSubscription = &repository.PushSubscription{
			Endpoint: *endpoint,
		}
		if p256dh != nil {
			u.PushSubscription.P256dh = *p256dh
		}
		if authKey != nil {
			u.PushSubscription.Auth = *authKey
		}
	}
	return &u, nil
}

// FindUserByID returns the user or repository.ErrNotFound.
func (d *UserDirectory) FindUserByID(ctx context.Context, id string) (*repository.User, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

// FindPairedPartner returns (nil, nil) when the user is unpaired.
func (d *UserDirectory) FindPairedPartner(ctx context.Context, userID string) (*repository.User, error) {
	row := d.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users
		 WHERE id = (SELECT paired_with_user_id FROM users WHERE id = $1)`, userID)
	partner, err := scanUser(row)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return partner, err
}

// MessageRepository stores chat messages keyed by room id.
type MessageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository creates a Postgres-backed message store.
func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

var _ repository.MessageRepository = (*MessageRepository)(nil)

// SaveMessage persists a single chat message.
func (r *MessageRepository) SaveMessage(ctx context.Context, roomID string, msg model.ChatMessage) error {
	ts, err := time.Parse(time.RFC3339, msg.Timestamp)
	if err != nil {
		ts = time.Now()
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO messages (id, room_id, sender_id, sender_name, sender_avatar, content, image, type, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		msg.ID, roomID, msg.SenderID, msg.SenderName, msg.SenderAvatar,
		msg.Content, nullable(msg.Image), string(msg.Type), ts)
	if err != nil {
		return fmt.Errorf("postgres: save message: %w", err)
	}
	return nil
}

// RecentMessages returns the last limit messages for a room, oldest first.
func (r *MessageRepository) RecentMessages(ctx context.Context, roomID string, limit int) ([]model.ChatMessage, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, sender_id, sender_name, sender_avatar, content, image, type, created_at
		 FROM messages WHERE room_id = $1
		 ORDER BY created_at DESC LIMIT $2`, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.ChatMessage
	for rows.Next() {
		var (
			m       model.ChatMessage
			avatar  *string
			image   *string
			msgType string
			created time.Time
		)
		if err := rows.Scan(&m.ID, &m.SenderID, &m.SenderName, &avatar,
			&m.Content, &image, &msgType, &created); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		if avatar != nil {
			m.SenderAvatar = *avatar
		}
		if image != nil {
			m.Image = *image
		}
		m.Type = model.MessageType(msgType)
		m.Timestamp = created.UTC().Format(time.RFC3339)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: recent messages: %w", err)
	}

	// Reverse to oldest-first, the order the room cache expects.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// JournalRepository stores shared journal entries.
type JournalRepository struct {
	pool *pgxpool.Pool
}

// NewJournalRepository creates a Postgres-backed journal store.
func NewJournalRepository(pool *pgxpool.Pool) *JournalRepository {
	return &JournalRepository{pool: pool}
}

var _ repository.JournalRepository = (*JournalRepository)(nil)

// SaveEntry persists a journal entry and returns the stored row.
func (r *JournalRepository) SaveEntry(ctx context.Context, roomID, authorID, content string) (model.JournalEntry, error) {
	entry := model.JournalEntry{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		AuthorID: authorID,
		Content:  content,
	}
	row := r.pool.QueryRow(ctx,
		`INSERT INTO journal_entries (id, room_id, author_id, content)
		 VALUES ($1, $2, $3, $4)
		 RETURNING created_at, updated_at`,
		entry.ID, roomID, authorID, content)
	if err := row.Scan(&entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return model.JournalEntry{}, fmt.Errorf("postgres: save journal entry: %w", err)
	}
	return entry, nil
}

// ListEntries returns all journal entries for a room, oldest first.
func (r *JournalRepository) ListEntries(ctx context.Context, roomID string) ([]model.JournalEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, author_id, content, created_at, updated_at
		 FROM journal_entries WHERE room_id = $1
		 ORDER BY created_at ASC`, roomID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list journal entries: %w", err)
	}
	defer rows.Close()

	var entries []model.JournalEntry
	for rows.Next() {
		e := model.JournalEntry{RoomID: roomID}
		if err := rows.Scan(&e.ID, &e.AuthorID, &e.Content, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan journal entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list journal entries: %w", err)
	}
	return entries, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
