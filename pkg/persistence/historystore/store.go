package historystore

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/mentat-tools/agentchat/pkg/chat"
)

// SchemaVersion is stamped into metadata on first creation. A file stamped
// with any other version is refused; there is no automatic migration.
const SchemaVersion = 1

// ErrIncompatibleSchema is returned when the backing file was produced by an
// incompatible version of the store.
var ErrIncompatibleSchema = errors.New("history store: incompatible schema version")

// Store persists conversations and the active-conversation pointer in a
// single sqlite file. The file is opened per operation, not held across
// calls; each Save/SaveActiveID is its own transaction. The store does not
// coordinate concurrent writers beyond sqlite's file locking.
type Store struct {
	path string
}

// New returns a store backed by the given file path. An empty path selects
// the per-user default location.
func New(path string) *Store {
	if path == "" {
		path = DefaultHistoryPath()
	}
	return &Store{path: NormalizePath(path)}
}

// Path returns the current backing file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) open(ctx context.Context) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, errors.Wrap(err, "history store: create directory")
	}
	db, err := sql.Open("sqlite3", DSNForFile(s.path))
	if err != nil {
		return nil, errors.Wrap(err, "history store: open sqlite")
	}
	if err := s.ensureSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func (s *Store) ensureSchema(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS metadata (
		  key TEXT PRIMARY KEY,
		  value TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS conversations (
		  id TEXT PRIMARY KEY,
		  position INTEGER,
		  title TEXT,
		  created_at TEXT,
		  updated_at TEXT,
		  preview TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS entries (
		  conversation_id TEXT,
		  position INTEGER,
		  payload TEXT,
		  PRIMARY KEY (conversation_id, position),
		  FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
		);`,
	}
	for _, st := range stmts {
		if _, err := db.ExecContext(ctx, st); err != nil {
			return errors.Wrap(err, "history store: migrate")
		}
	}

	var stored string
	err := db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = 'schema_version'`).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = db.ExecContext(ctx, `INSERT INTO metadata(key, value) VALUES('schema_version', ?)`,
			strconv.Itoa(SchemaVersion))
		return errors.Wrap(err, "history store: stamp schema version")
	}
	if err != nil {
		return errors.Wrap(err, "history store: read schema version")
	}
	version, convErr := strconv.Atoi(stored)
	if convErr != nil || version != SchemaVersion {
		return errors.Wrapf(ErrIncompatibleSchema, "stored version %q, supported %d", stored, SchemaVersion)
	}
	return nil
}

// Load opens the backing file (creating it with an empty schema when absent)
// and returns all conversations in stored order together with the resolved
// active conversation id. Conversations are returned with entries unresolved;
// each carries a loader bound to this store. Read failures degrade to an
// empty result; a schema-version mismatch is the one fatal error.
func (s *Store) Load(ctx context.Context) ([]*chat.Conversation, string, error) {
	db, err := s.open(ctx)
	if err != nil {
		if errors.Is(err, ErrIncompatibleSchema) {
			return nil, "", err
		}
		log.Warn().Err(err).Str("path", s.path).Msg("failed to open chat history, starting empty")
		return nil, "", nil
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, `
		SELECT id, title, created_at, updated_at, preview
		FROM conversations
		ORDER BY position ASC
	`)
	if err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("failed to read chat history, starting empty")
		return nil, "", nil
	}
	defer func() { _ = rows.Close() }()

	conversations := make([]*chat.Conversation, 0, 16)
	for rows.Next() {
		var id, title, createdAt, updatedAt, preview string
		if err := rows.Scan(&id, &title, &createdAt, &updatedAt, &preview); err != nil {
			log.Warn().Err(err).Msg("skipping unreadable conversation row")
			continue
		}
		conversations = append(conversations, chat.RestoredConversation(
			id, title, preview,
			parseTimestamp(id, createdAt),
			parseTimestamp(id, updatedAt),
			s.entryLoader(),
		))
	}
	if err := rows.Err(); err != nil {
		log.Warn().Err(err).Str("path", s.path).Msg("failed to iterate chat history, starting empty")
		return nil, "", nil
	}
	if len(conversations) == 0 {
		return nil, "", nil
	}

	return conversations, s.resolveActiveID(ctx, db, conversations), nil
}

// resolveActiveID self-heals a stale pointer by falling back to the last
// conversation in stored order.
func (s *Store) resolveActiveID(ctx context.Context, db *sql.DB, conversations []*chat.Conversation) string {
	var activeID string
	_ = db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE key = 'active_id'`).Scan(&activeID)
	if activeID != "" {
		for _, c := range conversations {
			if c.ID == activeID {
				return activeID
			}
		}
	}
	return conversations[len(conversations)-1].ID
}

func (s *Store) entryLoader() chat.EntryLoader {
	return func(conversationID string) ([]chat.Entry, error) {
		return s.LoadEntries(context.Background(), conversationID)
	}
}

// LoadEntries returns the ordered entries for one conversation. A single
// malformed payload is skipped with a warning rather than failing the read.
func (s *Store) LoadEntries(ctx context.Context, conversationID string) ([]chat.Entry, error) {
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, `
		SELECT payload FROM entries
		WHERE conversation_id = ?
		ORDER BY position ASC
	`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "history store: query entries")
	}
	defer func() { _ = rows.Close() }()

	entries := make([]chat.Entry, 0, 16)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "history store: scan entry")
		}
		entry, err := chat.DecodeEntry([]byte(payload))
		if err != nil {
			log.Warn().Err(err).Str("conversation_id", conversationID).Msg("skipping malformed entry payload")
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "history store: iterate entries")
	}
	return entries, nil
}

// Save persists the active id and a full reconciliation of the conversation
// set in one transaction: stored conversations absent from the given set are
// deleted with their entries, the rest are inserted or updated in slice
// order, and entry rows are only rewritten for conversations whose entries
// are loaded. Failures propagate to the caller.
func (s *Store) Save(ctx context.Context, conversations []*chat.Conversation, activeID string) error {
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "history store: begin save")
	}
	defer func() { _ = tx.Rollback() }()

	keep := make(map[string]struct{}, len(conversations))
	for _, c := range conversations {
		keep[c.ID] = struct{}{}
	}
	storedIDs, err := listConversationIDs(ctx, tx)
	if err != nil {
		return err
	}
	for _, id := range storedIDs {
		if _, ok := keep[id]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
			return errors.Wrap(err, "history store: delete conversation")
		}
	}

	for position, c := range conversations {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations(id, position, title, created_at, updated_at, preview)
			VALUES(?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
			  position = excluded.position,
			  title = excluded.title,
			  created_at = excluded.created_at,
			  updated_at = excluded.updated_at,
			  preview = excluded.preview
		`, c.ID, position, c.Title,
			c.CreatedAt.UTC().Format(time.RFC3339),
			c.UpdatedAt.UTC().Format(time.RFC3339),
			c.Preview)
		if err != nil {
			return errors.Wrap(err, "history store: upsert conversation")
		}
		if !c.EntriesLoaded() {
			// Entries were never resolved in memory; rewriting would
			// truncate data the caller never touched.
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM entries WHERE conversation_id = ?`, c.ID); err != nil {
			return errors.Wrap(err, "history store: clear entries")
		}
		for ord, entry := range c.Entries() {
			payload, err := chat.EncodeEntry(entry)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO entries(conversation_id, position, payload) VALUES(?, ?, ?)
			`, c.ID, ord, string(payload))
			if err != nil {
				return errors.Wrap(err, "history store: insert entry")
			}
		}
	}

	if err := writeActiveID(ctx, tx, activeID); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "history store: commit save")
}

// SaveActiveID persists only the active-conversation pointer in its own
// transaction.
func (s *Store) SaveActiveID(ctx context.Context, activeID string) error {
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "history store: begin save active id")
	}
	defer func() { _ = tx.Rollback() }()
	if err := writeActiveID(ctx, tx, activeID); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "history store: commit active id")
}

// SetPath repoints the store to a different file and reports whether the
// path actually changed. When persistExisting is set and the path changes,
// the given conversation set is flushed to the old path first; that flush is
// best effort and a failure does not block the repoint.
func (s *Store) SetPath(ctx context.Context, newPath string, persistExisting bool, conversations []*chat.Conversation, activeID string) bool {
	if newPath == "" {
		newPath = DefaultHistoryPath()
	}
	newPath = NormalizePath(newPath)
	if newPath == s.path {
		return false
	}
	if persistExisting && len(conversations) > 0 {
		if err := s.Save(ctx, conversations, activeID); err != nil {
			log.Warn().Err(err).Str("path", s.path).
				Msg("failed to persist conversations before switching history path")
		}
	}
	s.path = newPath
	return true
}

func listConversationIDs(ctx context.Context, tx *sql.Tx) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT id FROM conversations`)
	if err != nil {
		return nil, errors.Wrap(err, "history store: list conversation ids")
	}
	defer func() { _ = rows.Close() }()
	ids := make([]string, 0, 16)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "history store: scan conversation id")
		}
		ids = append(ids, id)
	}
	return ids, errors.Wrap(rows.Err(), "history store: iterate conversation ids")
}

func writeActiveID(ctx context.Context, tx *sql.Tx, activeID string) error {
	if activeID == "" {
		_, err := tx.ExecContext(ctx, `DELETE FROM metadata WHERE key = 'active_id'`)
		return errors.Wrap(err, "history store: clear active id")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO metadata(key, value) VALUES('active_id', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, activeID)
	return errors.Wrap(err, "history store: write active id")
}

func parseTimestamp(conversationID, value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		log.Warn().Str("conversation_id", conversationID).Str("value", value).Msg("unparseable stored timestamp")
		return time.Time{}
	}
	return ts
}
