package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	// ARCHITECTURAL DISCOVERY: Import SQLite driver but only reference in connection string
	_ "github.com/mattn/go-sqlite3"

	dbconfig "courier/pkg/database"
	"courier/pkg/interfaces"
	"courier/pkg/types"
)

// psq builds SQLite statements with "?" placeholders.
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Question)

const defaultRetryDelay = 5 * time.Second

var messageColumns = []string{"id", "thread_id", "sender_id", "content", "attachments", "created_at"}

// Manager is the SQLite message store. It implements interfaces.Store.
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	logger       *slog.Logger
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
	retryDelay   time.Duration
	now          func() time.Time
}

// writeOperation represents a database write operation
type writeOperation struct {
	ctx       context.Context
	operation func(context.Context, *sql.DB) error
	result    chan error
}

var _ interfaces.Store = (*Manager)(nil)

// NewManager opens the database, applies the embedded migrations and starts
// the writer goroutine.
func NewManager(config *dbconfig.Config, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := dbconfig.NewSchemaValidator(db).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	return NewManagerWithDB(db, config, logger), nil
}

// NewManagerWithDB wraps an already opened and migrated database.
func NewManagerWithDB(db *sql.DB, config *dbconfig.Config, logger *slog.Logger) *Manager {
	if config == nil {
		config = dbconfig.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	manager := &Manager{
		db:           db,
		config:       config,
		logger:       logger.With("component", "database"),
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   defaultRetryDelay,
		now:          func() time.Time { return time.Now().UTC() },
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			op.result <- m.runWrite(op)

		case <-m.shutdown:
			m.logger.Debug("database write loop shutting down")
			return
		}
	}
}

// runWrite executes op, retrying exactly once on infrastructure errors.
// Not-found and forbidden outcomes are answers, not failures, and are
// returned as-is.
func (m *Manager) runWrite(op writeOperation) error {
	err := op.operation(op.ctx, m.db)
	if err == nil || isDomainError(err) || op.ctx.Err() != nil {
		return err
	}

	m.logger.Warn("database write failed, retrying", "error", err, "delay", m.retryDelay)
	select {
	case <-time.After(m.retryDelay):
	case <-op.ctx.Done():
		return err
	case <-m.shutdown:
		return err
	}

	if err = op.operation(op.ctx, m.db); err != nil {
		m.logger.Error("database write failed after retry", "error", err)
	}
	return err
}

func isDomainError(err error) bool {
	return errors.Is(err, interfaces.ErrNotFound) || errors.Is(err, interfaces.ErrForbidden)
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(ctx context.Context, operation func(context.Context, *sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	timer := time.NewTimer(m.config.WriteTimeout)
	defer timer.Stop()

	select {
	case m.writeChannel <- writeOperation{ctx: ctx, operation: operation, result: result}:
	case <-timer.C:
		return ErrWriteTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-m.shutdown:
		return ErrManagerClosed
	}

	// The writer always answers once it has taken the operation.
	return <-result
}

// withTx runs fn inside a transaction on db.
func withTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// execBuilder runs a squirrel statement on tx.
func execBuilder(ctx context.Context, tx *sql.Tx, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building statement: %w", err)
	}
	return tx.ExecContext(ctx, query, args...)
}

// CreateThread creates a thread with its participants.
func (m *Manager) CreateThread(ctx context.Context, subject string, participantIDs []string) (*types.Thread, error) {
	participants := dedupe(participantIDs)
	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}

	now := m.now()
	thread := &types.Thread{
		ID:             uuid.New().String(),
		Subject:        subject,
		ParticipantIDs: participants,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		return withTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := execBuilder(ctx, tx, psq.Insert("threads").
				Columns("id", "subject", "created_at", "updated_at").
				Values(thread.ID, thread.Subject, now, now)); err != nil {
				return fmt.Errorf("failed to insert thread: %w", err)
			}

			insert := psq.Insert("thread_participants").Columns("thread_id", "user_id")
			for _, userID := range participants {
				insert = insert.Values(thread.ID, userID)
			}
			if _, err := execBuilder(ctx, tx, insert); err != nil {
				return fmt.Errorf("failed to insert participants: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return thread, nil
}

// GetThread returns the thread with its participant list.
func (m *Manager) GetThread(ctx context.Context, threadID string) (*types.Thread, error) {
	return getThread(ctx, m.db, threadID)
}

func getThread(ctx context.Context, q queryer, threadID string) (*types.Thread, error) {
	query, args, err := psq.Select("id", "subject", "created_at", "updated_at").
		From("threads").
		Where(sq.Eq{"id": threadID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building thread query: %w", err)
	}

	var thread types.Thread
	err = q.QueryRowContext(ctx, query, args...).Scan(&thread.ID, &thread.Subject, &thread.CreatedAt, &thread.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", threadID, interfaces.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query thread: %w", err)
	}

	query, args, err = psq.Select("user_id").
		From("thread_participants").
		Where(sq.Eq{"thread_id": threadID}).
		OrderBy("user_id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building participant query: %w", err)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query participants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan participant row: %w", err)
		}
		thread.ParticipantIDs = append(thread.ParticipantIDs, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating participant rows: %w", err)
	}

	return &thread, nil
}

// GetMessage returns a single message.
func (m *Manager) GetMessage(ctx context.Context, messageID string) (*types.Message, error) {
	return getMessage(ctx, m.db, messageID)
}

func getMessage(ctx context.Context, q queryer, messageID string) (*types.Message, error) {
	query, args, err := psq.Select(messageColumns...).
		From("messages").
		Where(sq.Eq{"id": messageID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building message query: %w", err)
	}

	var msg types.Message
	var attachmentsJSON string
	err = q.QueryRowContext(ctx, query, args...).Scan(
		&msg.ID,
		&msg.ThreadID,
		&msg.SenderID,
		&msg.Content,
		&attachmentsJSON,
		&msg.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", messageID, interfaces.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query message: %w", err)
	}

	// TECHNICAL DISCOVERY: JSON deserialization restores the attachment list
	if err := json.Unmarshal([]byte(attachmentsJSON), &msg.Attachments); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attachments: %w", err)
	}
	if len(msg.Attachments) == 0 {
		msg.Attachments = nil
	}
	return &msg, nil
}

// SendMessage persists a message and increments the unread counters of its
// recipients. Without explicit recipients every participant except the
// sender is counted.
func (m *Manager) SendMessage(ctx context.Context, in *types.NewMessage) (*types.Message, error) {
	attachments := in.Attachments
	if attachments == nil {
		attachments = []types.Attachment{}
	}
	attachmentsJSON, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attachments: %w", err)
	}

	msg := &types.Message{
		ID:          uuid.New().String(),
		ThreadID:    in.ThreadID,
		SenderID:    in.SenderID,
		Content:     in.Content,
		Attachments: in.Attachments,
		CreatedAt:   m.now(),
	}

	err = m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		return withTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := execBuilder(ctx, tx, psq.Insert("messages").
				Columns(messageColumns...).
				Values(msg.ID, msg.ThreadID, msg.SenderID, msg.Content, string(attachmentsJSON), msg.CreatedAt)); err != nil {
				return fmt.Errorf("failed to insert message: %w", err)
			}

			if _, err := execBuilder(ctx, tx, psq.Update("threads").
				Set("updated_at", msg.CreatedAt).
				Where(sq.Eq{"id": msg.ThreadID})); err != nil {
				return fmt.Errorf("failed to touch thread: %w", err)
			}

			unread := psq.Update("thread_participants").
				Set("unread_count", sq.Expr("unread_count + 1")).
				Where(sq.Eq{"thread_id": msg.ThreadID}).
				Where(sq.NotEq{"user_id": msg.SenderID})
			if len(in.RecipientIDs) > 0 {
				unread = unread.Where(sq.Eq{"user_id": in.RecipientIDs})
			}
			if _, err := execBuilder(ctx, tx, unread); err != nil {
				return fmt.Errorf("failed to increment unread counts: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// MarkMessageAsRead records a read receipt. A first read by someone other
// than the sender decrements the reader's unread counter.
func (m *Manager) MarkMessageAsRead(ctx context.Context, messageID, userID string) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		return withTx(ctx, db, func(tx *sql.Tx) error {
			msg, err := getMessage(ctx, tx, messageID)
			if err != nil {
				return err
			}
			if msg.SenderID == userID {
				return nil
			}

			now := m.now()
			res, err := execBuilder(ctx, tx, psq.Insert("message_reads").
				Options("OR IGNORE").
				Columns("message_id", "user_id", "read_at").
				Values(messageID, userID, now))
			if err != nil {
				return fmt.Errorf("failed to insert read receipt: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return nil
			}

			if _, err := execBuilder(ctx, tx, psq.Update("thread_participants").
				Set("unread_count", sq.Expr("MAX(unread_count - 1, 0)")).
				Set("last_read_at", now).
				Where(sq.Eq{"thread_id": msg.ThreadID, "user_id": userID})); err != nil {
				return fmt.Errorf("failed to update unread count: %w", err)
			}
			return nil
		})
	})
}

// MarkThreadAsRead marks every message of the thread read for userID and
// resets the unread counter.
func (m *Manager) MarkThreadAsRead(ctx context.Context, threadID, userID string) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		return withTx(ctx, db, func(tx *sql.Tx) error {
			now := m.now()
			res, err := execBuilder(ctx, tx, psq.Update("thread_participants").
				Set("unread_count", 0).
				Set("last_read_at", now).
				Where(sq.Eq{"thread_id": threadID, "user_id": userID}))
			if err != nil {
				return fmt.Errorf("failed to reset unread count: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("participant %s in thread %s: %w", userID, threadID, interfaces.ErrNotFound)
			}

			unreadMessages := psq.Select("id").
				Column(sq.Expr("?", userID)).
				Column(sq.Expr("?", now)).
				From("messages").
				Where(sq.Eq{"thread_id": threadID}).
				Where(sq.NotEq{"sender_id": userID})
			if _, err := execBuilder(ctx, tx, psq.Insert("message_reads").
				Options("OR IGNORE").
				Columns("message_id", "user_id", "read_at").
				Select(unreadMessages)); err != nil {
				return fmt.Errorf("failed to insert read receipts: %w", err)
			}
			return nil
		})
	})
}

// AddReaction stores a reaction and returns the message's reactions ordered
// by time. Repeating the same reaction is a no-op.
func (m *Manager) AddReaction(ctx context.Context, messageID, userID, emoji string) ([]types.Reaction, error) {
	var reactions []types.Reaction

	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		reactions = nil
		return withTx(ctx, db, func(tx *sql.Tx) error {
			if _, err := getMessage(ctx, tx, messageID); err != nil {
				return err
			}

			if _, err := execBuilder(ctx, tx, psq.Insert("message_reactions").
				Options("OR IGNORE").
				Columns("message_id", "user_id", "emoji", "created_at").
				Values(messageID, userID, emoji, m.now())); err != nil {
				return fmt.Errorf("failed to insert reaction: %w", err)
			}

			query, args, err := psq.Select("user_id", "emoji", "created_at").
				From("message_reactions").
				Where(sq.Eq{"message_id": messageID}).
				OrderBy("created_at", "user_id", "emoji").
				ToSql()
			if err != nil {
				return fmt.Errorf("building reaction query: %w", err)
			}

			rows, err := tx.QueryContext(ctx, query, args...)
			if err != nil {
				return fmt.Errorf("failed to query reactions: %w", err)
			}
			defer func() { _ = rows.Close() }()

			for rows.Next() {
				var r types.Reaction
				if err := rows.Scan(&r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
					return fmt.Errorf("failed to scan reaction row: %w", err)
				}
				reactions = append(reactions, r)
			}
			return rows.Err()
		})
	})
	if err != nil {
		return nil, err
	}
	return reactions, nil
}

// GetParticipantState returns userID's state in a thread.
func (m *Manager) GetParticipantState(ctx context.Context, threadID, userID string) (*types.ParticipantState, error) {
	return getParticipantState(ctx, m.db, threadID, userID)
}

func getParticipantState(ctx context.Context, q queryer, threadID, userID string) (*types.ParticipantState, error) {
	query, args, err := psq.Select("thread_id", "user_id", "unread_count", "pinned", "archived", "last_read_at").
		From("thread_participants").
		Where(sq.Eq{"thread_id": threadID, "user_id": userID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building participant state query: %w", err)
	}

	var state types.ParticipantState
	var lastRead sql.NullTime
	err = q.QueryRowContext(ctx, query, args...).Scan(
		&state.ThreadID,
		&state.UserID,
		&state.UnreadCount,
		&state.Pinned,
		&state.Archived,
		&lastRead,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("participant %s in thread %s: %w", userID, threadID, interfaces.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query participant state: %w", err)
	}

	if lastRead.Valid {
		state.LastReadAt = &lastRead.Time
	}
	return &state, nil
}

// UpdateParticipantState applies patch and returns the resulting state.
func (m *Manager) UpdateParticipantState(ctx context.Context, threadID, userID string, patch types.ParticipantStatePatch) (*types.ParticipantState, error) {
	set := map[string]any{}
	if patch.Pinned != nil {
		set["pinned"] = *patch.Pinned
	}
	if patch.Archived != nil {
		set["archived"] = *patch.Archived
	}
	if patch.ResetUnread {
		set["unread_count"] = 0
		set["last_read_at"] = m.now()
	}

	var state *types.ParticipantState
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		return withTx(ctx, db, func(tx *sql.Tx) error {
			if len(set) > 0 {
				res, err := execBuilder(ctx, tx, psq.Update("thread_participants").
					SetMap(set).
					Where(sq.Eq{"thread_id": threadID, "user_id": userID}))
				if err != nil {
					return fmt.Errorf("failed to update participant state: %w", err)
				}
				if n, _ := res.RowsAffected(); n == 0 {
					return fmt.Errorf("participant %s in thread %s: %w", userID, threadID, interfaces.ErrNotFound)
				}
			}

			var err error
			state, err = getParticipantState(ctx, tx, threadID, userID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	if err := dbconfig.NewSchemaValidator(m.db).ValidateContext(ctx); err != nil {
		return fmt.Errorf("database schema check failed: %w", err)
	}
	return nil
}

// DB returns the underlying database connection.
func (m *Manager) DB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// applySQLiteOptimizations applies performance optimizations
func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
