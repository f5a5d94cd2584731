// Package store persists conversations, messages, and change set history in
// a local SQLite database.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// gormLogger routes GORM diagnostics to slog.
type gormLogger struct {
	log   *slog.Logger
	level logger.LogLevel
}

// LogMode sets the log level
func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	return &gormLogger{log: l.log, level: level}
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Info {
		l.log.Info(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Warn {
		l.log.Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.level >= logger.Error {
		l.log.Error(fmt.Sprintf(msg, data...))
	}
}

// Trace logs SQL queries - only in debug mode
func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level < logger.Info {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		l.log.Error("gorm query error", "error", err, "duration", elapsed, "sql", sql, "rows", rows)
	} else if elapsed > 200*time.Millisecond {
		l.log.Warn("slow query", "duration", elapsed, "sql", sql, "rows", rows)
	} else {
		l.log.Debug("gorm query", "duration", elapsed, "sql", sql, "rows", rows)
	}
}

// Store provides thread-safe ACID access to conversation state.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger *slog.Logger
	debug  bool
}

// WithLogger sets the logger used for database diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDebug enables query tracing.
func WithDebug(debug bool) Option {
	return func(o *options) { o.debug = debug }
}

// NewStore opens (creating if needed) the database at dbPath with WAL mode
// enabled.
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	o := options{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	for _, opt := range opts {
		opt(&o)
	}

	if len(dbPath) > 0 && dbPath[0] == '~' {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dbPath = filepath.Join(homeDir, dbPath[1:])
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	gl := &gormLogger{log: o.logger, level: logger.Silent}
	if o.debug {
		gl.level = logger.Info
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		PrepareStmt: false,
		NowFunc:     func() time.Time { return time.Now().UTC() },
		Logger:      gl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL allows concurrent readers alongside the single writer.
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA synchronous=NORMAL")
	db.Exec("PRAGMA foreign_keys=ON")

	if err := db.AutoMigrate(&Conversation{}, &Message{}, &ChangeSetDoc{}); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetConnMaxLifetime(0)

	return &Store{db: db, log: o.logger}, nil
}

// ConversationRecord is a conversation together with its messages, oldest
// first.
type ConversationRecord struct {
	Conversation Conversation
	Messages     []Message
}

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// GetConversation loads a conversation and its messages.
func (s *Store) GetConversation(ctx context.Context, spaceID, conversationID string) (*ConversationRecord, error) {
	var rec ConversationRecord
	err := withRetry(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			err := tx.Where("id = ? AND space_id = ?", conversationID, spaceID).First(&rec.Conversation).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
			}
			if err != nil {
				return fmt.Errorf("failed to load conversation: %w", err)
			}
			if err := tx.Where("conversation_id = ?", conversationID).
				Order("created_at ASC, id ASC").Find(&rec.Messages).Error; err != nil {
				return fmt.Errorf("failed to load messages: %w", err)
			}
			return nil
		})
	}, 3)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// AddMessage appends a message, creating the conversation row on first use.
func (s *Store) AddMessage(ctx context.Context, spaceID, conversationID string, msg Message) error {
	msg.ConversationID = conversationID
	return withRetry(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			conv := Conversation{ID: conversationID, SpaceID: spaceID}
			if err := tx.Where("id = ?", conversationID).FirstOrCreate(&conv).Error; err != nil {
				return fmt.Errorf("failed to ensure conversation: %w", err)
			}
			if err := tx.Create(&msg).Error; err != nil {
				return fmt.Errorf("failed to create message: %w", err)
			}
			return tx.Model(&Conversation{}).Where("id = ?", conversationID).
				Update("updated_at", time.Now().UTC()).Error
		})
	}, 3)
}

// TurnUpdate is the final state of a turn's assistant message: its body,
// thought log, tool-call snapshot, token usage, and terminal status. The
// JSON fields are stored opaquely.
type TurnUpdate struct {
	Body      string
	Thoughts  string
	ToolCalls string
	Usage     string
	Status    string
}

// UpdateLastMessage overwrites the most recent message of the conversation
// with the turn's final state. Used while a turn streams and again at
// finalization.
func (s *Store) UpdateLastMessage(ctx context.Context, spaceID, conversationID string, update TurnUpdate) error {
	return withRetry(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var last Message
			err := tx.Where("conversation_id = ?", conversationID).
				Order("created_at DESC, id DESC").First(&last).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: no messages in conversation %s", ErrNotFound, conversationID)
			}
			if err != nil {
				return fmt.Errorf("failed to load last message: %w", err)
			}
			updates := map[string]interface{}{
				"body":       update.Body,
				"thoughts":   update.Thoughts,
				"tool_calls": update.ToolCalls,
				"usage":      update.Usage,
				"status":     update.Status,
			}
			return tx.Model(&Message{}).Where("id = ?", last.ID).Updates(updates).Error
		})
	}, 3)
}

// SaveSessionID records the backend session id of the conversation so later
// turns can resume it.
func (s *Store) SaveSessionID(ctx context.Context, spaceID, conversationID, sessionID string) error {
	return withRetry(func() error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&Conversation{}).
				Where("id = ? AND space_id = ?", conversationID, spaceID).
				Update("session_id", sessionID)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				conv := Conversation{ID: conversationID, SpaceID: spaceID, SessionID: sessionID}
				return tx.Create(&conv).Error
			}
			return nil
		})
	}, 3)
}

// Close closes the database connection
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withRetry retries operations on SQLITE_BUSY with backoff
func withRetry(fn func() error, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		err := fn()
		if err == nil {
			return nil
		}

		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && (sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked) {
			time.Sleep(time.Millisecond * time.Duration(50*(i+1)))
			continue
		}

		return err
	}
	return fmt.Errorf("operation failed after %d retries", maxRetries)
}
