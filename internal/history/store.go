package history

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"

	"chatrelay/internal/models"
	"chatrelay/internal/storage"

	"go.uber.org/zap"
)

const maxAppendAttempts = 32

// Backend is the full set of history operations. Store implements it over
// SQL and CachedStore decorates any Backend with a read-through cache.
type Backend interface {
	Init(ctx context.Context) error
	Append(ctx context.Context, chatID int64, role models.Role, content string) (int64, error)
	LoadLast(ctx context.Context, chatID int64, limit int) ([]models.Turn, error)
	TrimToLast(ctx context.Context, chatID int64, keep int) (int64, error)
	ClearChat(ctx context.Context, chatID int64) (int64, error)
	ClearAll(ctx context.Context) error
	Close() error
}

// Store persists chat turns in a single history table. Operations on the
// same chat are serialized; different chats proceed concurrently.
type Store struct {
	db      *sql.DB
	driver  string
	dialect storage.Dialect
	locks   *chatLocks
	logger  *zap.Logger

	closeOnce sync.Once
	closeErr  error
}

// NewStore wraps an open database. The store owns db and closes it on Close.
func NewStore(db *sql.DB, driver string, logger *zap.Logger) (*Store, error) {
	dialect, err := storage.DialectFor(driver)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:      db,
		driver:  driver,
		dialect: dialect,
		locks:   newChatLocks(),
		logger:  logger.Named("history"),
	}, nil
}

// Init creates the schema. Safe to call repeatedly.
func (s *Store) Init(ctx context.Context) error {
	if err := storage.Migrate(ctx, s.db, s.driver); err != nil {
		return &StorageError{Op: "init", Err: err}
	}
	return nil
}

// Append stores content as the next turn of the chat and returns its sequence.
func (s *Store) Append(ctx context.Context, chatID int64, role models.Role, content string) (int64, error) {
	if !role.Storable() {
		return 0, fmt.Errorf("append %q: %w", role, ErrInvalidRole)
	}
	unlock := s.locks.lock(chatID)
	defer unlock()

	// The lock only orders writers in this process; another process sharing
	// the database can take the same sequence first, which surfaces as a
	// duplicate key and is retried with a fresh one.
	query := s.dialect.Rebind(s.dialect.InsertTurn)
	var lastErr error
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		next, err := s.nextSequence(ctx, chatID)
		if err != nil {
			return 0, &StorageError{Op: "append", ChatID: chatID, Err: err}
		}
		_, err = s.db.ExecContext(ctx, query, chatID, next, string(role), content)
		if err == nil {
			return next, nil
		}
		if !storage.IsDuplicateKey(err) {
			return 0, &StorageError{Op: "append", ChatID: chatID, Err: err}
		}
		lastErr = err
		s.logger.Debug("sequence taken, retrying", zap.Int64("chat_id", chatID), zap.Int64("seq", next))
	}
	return 0, &StorageError{Op: "append", ChatID: chatID, Err: fmt.Errorf("sequence contention after %d attempts: %w", maxAppendAttempts, lastErr)}
}

// LoadLast returns up to limit most recent turns, oldest first.
func (s *Store) LoadLast(ctx context.Context, chatID int64, limit int) ([]models.Turn, error) {
	if limit < 0 {
		return nil, ErrInvalidLimit
	}
	if limit == 0 {
		return []models.Turn{}, nil
	}
	unlock := s.locks.lock(chatID)
	defer unlock()

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT seq, role, content FROM history WHERE chat_id = ? ORDER BY seq DESC LIMIT ?`),
		chatID, limit)
	if err != nil {
		return nil, &StorageError{Op: "load", ChatID: chatID, Err: err}
	}
	defer rows.Close()

	turns := make([]models.Turn, 0, limit)
	for rows.Next() {
		turn := models.Turn{ChatID: chatID}
		var role string
		if err := rows.Scan(&turn.Sequence, &role, &turn.Content); err != nil {
			return nil, &StorageError{Op: "load", ChatID: chatID, Err: err}
		}
		turn.Role = models.Role(role)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "load", ChatID: chatID, Err: err}
	}
	slices.Reverse(turns)
	return turns, nil
}

// TrimToLast deletes every turn older than the keep most recent ones and
// reports how many rows were removed. Surviving turns keep their sequences.
func (s *Store) TrimToLast(ctx context.Context, chatID int64, keep int) (int64, error) {
	if keep < 1 {
		return 0, ErrInvalidKeep
	}
	unlock := s.locks.lock(chatID)
	defer unlock()

	next, err := s.nextSequence(ctx, chatID)
	if err != nil {
		return 0, &StorageError{Op: "trim", ChatID: chatID, Err: err}
	}
	floor := max(1, next-int64(keep))
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM history WHERE chat_id = ? AND seq < ?`), chatID, floor)
	if err != nil {
		return 0, &StorageError{Op: "trim", ChatID: chatID, Err: err}
	}
	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		s.logger.Debug("trimmed history", zap.Int64("chat_id", chatID), zap.Int64("deleted", deleted), zap.Int64("floor", floor))
	}
	return deleted, nil
}

// ClearChat deletes every turn of one chat.
func (s *Store) ClearChat(ctx context.Context, chatID int64) (int64, error) {
	unlock := s.locks.lock(chatID)
	defer unlock()

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM history WHERE chat_id = ?`), chatID)
	if err != nil {
		return 0, &StorageError{Op: "clear", ChatID: chatID, Err: err}
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// ClearAll deletes every turn of every chat.
func (s *Store) ClearAll(ctx context.Context) error {
	unlock := s.locks.lockAll()
	defer unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM history`)
	if err != nil {
		return &StorageError{Op: "clear all", Err: err}
	}
	deleted, _ := res.RowsAffected()
	s.logger.Info("cleared history", zap.Int64("deleted", deleted))
	return nil
}

// Close releases the database. Later calls return the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Store) nextSequence(ctx context.Context, chatID int64) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM history WHERE chat_id = ?`), chatID).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return next, nil
}
