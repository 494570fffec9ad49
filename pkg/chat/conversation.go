package chat

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EntryLoader resolves the stored entries of a conversation on first access.
type EntryLoader func(conversationID string) ([]Entry, error)

// Conversation is an ordered chat session. Entries are lazily loaded: a
// conversation restored from the store carries a loader handle instead of its
// entries, and the first call to Entries fills the cache.
type Conversation struct {
	ID        string
	Title     string
	Preview   string
	CreatedAt time.Time
	UpdatedAt time.Time

	entries       []Entry
	entriesLoaded bool
	loader        EntryLoader
}

// NewConversation returns an empty conversation with a fresh id. Its entries
// are considered loaded.
func NewConversation() *Conversation {
	now := Now()
	return &Conversation{
		ID:            uuid.NewString(),
		CreatedAt:     now,
		UpdatedAt:     now,
		entriesLoaded: true,
	}
}

// RestoredConversation returns a conversation whose entries are unresolved.
// The loader is invoked at most once, on first access.
func RestoredConversation(id, title, preview string, createdAt, updatedAt time.Time, loader EntryLoader) *Conversation {
	return &Conversation{
		ID:        id,
		Title:     title,
		Preview:   preview,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		loader:    loader,
	}
}

// Entries returns the conversation's entries. This is a cache-fill accessor,
// not a pure getter: the first call on an unloaded conversation invokes the
// loader and caches the result for the object's lifetime. A loader failure is
// logged and cached as an empty sequence.
func (c *Conversation) Entries() []Entry {
	if c.entriesLoaded {
		return c.entries
	}
	c.entriesLoaded = true
	if c.loader == nil {
		return c.entries
	}
	loader := c.loader
	c.loader = nil
	entries, err := loader(c.ID)
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", c.ID).Msg("failed to load conversation entries")
		return c.entries
	}
	c.entries = entries
	return c.entries
}

// EntriesLoaded reports whether entries are resolved in memory. The store only
// rewrites entry rows for loaded conversations.
func (c *Conversation) EntriesLoaded() bool {
	return c.entriesLoaded
}

// ReplaceEntries swaps in a full entry sequence and marks it loaded.
func (c *Conversation) ReplaceEntries(entries []Entry) {
	c.entries = entries
	c.entriesLoaded = true
	c.loader = nil
}

// AppendEntry resolves entries if needed, appends, and touches the
// conversation.
func (c *Conversation) AppendEntry(e Entry) {
	entries := c.Entries()
	c.entries = append(entries, e)
	c.UpdatedAt = Now()
}

// Now returns the current UTC time at the second precision used for persisted
// timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
