package historystore

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mentat-tools/agentchat/pkg/chat"
)

// ActiveChangedFunc is notified whenever the active conversation id changes.
type ActiveChangedFunc func(previousID, newID string)

// History owns the in-memory conversation list and the active-conversation
// pointer on top of a Store. It is not safe for concurrent use; callers
// serialize access the same way they serialize batch runner calls.
type History struct {
	store           *Store
	conversations   []*chat.Conversation
	activeID        string
	onActiveChanged ActiveChangedFunc
}

// NewHistory returns a history manager backed by the given path. The
// callback may be nil.
func NewHistory(path string, onActiveChanged ActiveChangedFunc) *History {
	return &History{
		store:           New(path),
		onActiveChanged: onActiveChanged,
	}
}

// Conversations returns the in-memory conversation list.
func (h *History) Conversations() []*chat.Conversation {
	return h.conversations
}

// Conversation returns the conversation with the given id, or nil.
func (h *History) Conversation(conversationID string) *chat.Conversation {
	for _, c := range h.conversations {
		if c.ID == conversationID {
			return c
		}
	}
	return nil
}

// ActiveID returns the id of the currently selected conversation, or "".
func (h *History) ActiveID() string {
	return h.activeID
}

// Path exposes the backing store path so callers can surface it.
func (h *History) Path() string {
	return h.store.Path()
}

// SetConversations replaces the in-memory conversation list.
func (h *History) SetConversations(conversations []*chat.Conversation) {
	h.conversations = conversations
}

// Append adds a conversation to the end of the list.
func (h *History) Append(conversation *chat.Conversation) {
	h.conversations = append(h.conversations, conversation)
}

// SetActiveID selects a conversation, resolving its entries, and notifies
// the listener when the selection actually changed.
func (h *History) SetActiveID(conversationID string) {
	previous := h.activeID
	h.activeID = conversationID
	if conversationID != "" {
		if conversation := h.Conversation(conversationID); conversation != nil {
			h.EnsureEntries(conversation)
		} else {
			log.Debug().Str("conversation_id", conversationID).Msg("active conversation not in memory")
		}
	}
	if h.onActiveChanged != nil && previous != conversationID {
		h.onActiveChanged(previous, conversationID)
	}
}

// PersistActiveSelection writes only the active pointer; a failure is logged
// because selection changes happen on every click and must not interrupt the
// caller.
func (h *History) PersistActiveSelection(ctx context.Context) {
	if err := h.store.SaveActiveID(ctx, h.activeID); err != nil {
		log.Warn().Err(err).Str("path", h.store.Path()).
			Msg("failed to persist active chat selection")
	}
}

// Load populates memory state from disk. The returned error is non-nil only
// for a schema-version mismatch; ordinary read failures come back as an
// empty history.
func (h *History) Load(ctx context.Context) ([]*chat.Conversation, string, error) {
	previous := h.activeID
	conversations, activeID, err := h.store.Load(ctx)
	if err != nil {
		return nil, "", err
	}
	h.conversations = conversations
	h.activeID = activeID
	if activeID != "" {
		if conversation := h.Conversation(activeID); conversation != nil {
			h.EnsureEntries(conversation)
		}
	}
	if h.onActiveChanged != nil && previous != activeID {
		h.onActiveChanged(previous, activeID)
	}
	return h.conversations, h.activeID, nil
}

// Save persists the current state. Write failures are logged and returned;
// losing a save silently is unacceptable.
func (h *History) Save(ctx context.Context) error {
	if err := h.store.Save(ctx, h.conversations, h.activeID); err != nil {
		log.Error().Err(err).Str("path", h.store.Path()).Msg("failed to persist chat history")
		return err
	}
	return nil
}

// SetPath switches the backing store, optionally flushing the in-memory
// state to the old location first. Reports whether the path changed.
func (h *History) SetPath(ctx context.Context, path string, persistExisting bool) bool {
	var conversations []*chat.Conversation
	if persistExisting {
		conversations = h.conversations
	}
	return h.store.SetPath(ctx, path, persistExisting, conversations, h.activeID)
}

// EnsureEntries resolves entries for a conversation; Conversation.Entries is
// a cache-fill accessor so repeated calls are cheap.
func (h *History) EnsureEntries(conversation *chat.Conversation) {
	_ = conversation.Entries()
}
