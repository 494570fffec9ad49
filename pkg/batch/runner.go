package batch

import (
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mentat-tools/agentchat/pkg/chat"
)

// Status is the lifecycle state of one batch item. An item transitions
// PENDING -> RUNNING -> exactly one terminal state, and never changes after.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Item wraps one target with its runtime state.
type Item struct {
	Target            Target
	ConversationID    string
	Status            Status
	Err               string
	StartedAt         time.Time
	FinishedAt        time.Time
	ToolCalls         int
	Edits             int
	Errors            int
	Tokens            *int
	TokensApproximate bool
}

// CancelMode describes the follow-up action consumed by the next
// cancellation notification.
type CancelMode int

const (
	CancelNone CancelMode = iota
	CancelSkipCurrent
	CancelStopAll
)

// TokenUpdate sets the item token count; a nil Count clears it.
type TokenUpdate struct {
	Count *int
}

// CompletionUpdate carries optional metric updates. A nil field means "no
// update", distinct from an explicit zero or clear.
type CompletionUpdate struct {
	ToolCalls         *int
	Edits             *int
	Errors            *int
	Tokens            *TokenUpdate
	TokensApproximate *bool
}

// Host supplies the collaborators the runner drives. PrepareConversation is
// advisory; the host handles its own failures there. SubmitPrompt is
// fire-and-forget: completion arrives later through HandleCompletion or
// HandleCancellation.
type Host interface {
	CreateConversation() (*chat.Conversation, error)
	ConversationID(conversation *chat.Conversation) (string, error)
	PrepareConversation(conversation *chat.Conversation, target Target)
	BuildContext(target Target) (any, error)
	SubmitPrompt(prompt, conversationID string, contextPayload any, submittedAt time.Time) error
	StateChanged()
}

// Runner drives one shared prompt sequentially across an ordered target
// list, with at most one outstanding submission. It holds no internal lock
// and performs no blocking I/O: callers must serialize all calls, typically
// by dispatching every entry point onto the same owner goroutine.
type Runner struct {
	host        Host
	items       []*Item
	prompt      string
	activeIndex int
	cancelMode  CancelMode
	running     bool
}

func NewRunner(host Host) *Runner {
	return &Runner{host: host, activeIndex: -1}
}

// Items returns a snapshot of the queued items.
func (r *Runner) Items() []Item {
	out := make([]Item, len(r.items))
	for i, item := range r.items {
		out[i] = *item
	}
	return out
}

// Running reports whether a batch is in flight.
func (r *Runner) Running() bool {
	return r.running
}

// ActiveItem returns a copy of the currently running item, if any.
func (r *Runner) ActiveItem() (Item, bool) {
	if r.activeIndex < 0 || r.activeIndex >= len(r.items) {
		return Item{}, false
	}
	return *r.items[r.activeIndex], true
}

// Reset clears the queue.
func (r *Runner) Reset() {
	r.items = nil
	r.prompt = ""
	r.activeIndex = -1
	r.cancelMode = CancelNone
	r.running = false
	r.host.StateChanged()
}

// Start initialises the queue with targets and launches the first item.
// It rejects a blank prompt, an already running batch, and a target list
// that is empty after de-duplication.
func (r *Runner) Start(prompt string, targets []Target) bool {
	normalized := strings.TrimSpace(prompt)
	if normalized == "" {
		return false
	}
	if r.running {
		return false
	}

	targets = dedupeTargets(targets)
	r.items = make([]*Item, 0, len(targets))
	for _, target := range targets {
		r.items = append(r.items, &Item{Target: target})
	}
	r.prompt = normalized
	r.activeIndex = -1
	r.cancelMode = CancelNone
	r.running = len(r.items) > 0
	r.host.StateChanged()
	if !r.running {
		return false
	}
	r.advance()
	return true
}

// CancelAll immediately cancels every still-pending item and arms STOP_ALL
// for the active item's own cancellation handshake. The running item is not
// force-killed; the owner reports its termination.
func (r *Runner) CancelAll() {
	if len(r.items) == 0 {
		return
	}
	r.cancelMode = CancelStopAll
	for _, item := range r.items {
		if item.Status == StatusPending {
			item.Status = StatusCancelled
			item.FinishedAt = chat.Now()
		}
	}
	r.host.StateChanged()
}

// RequestSkipCurrent arms SKIP_CURRENT; no statuses change until the active
// item's cancellation is reported.
func (r *Runner) RequestSkipCurrent() {
	if !r.running {
		return
	}
	r.cancelMode = CancelSkipCurrent
}

// HandleCompletion records the outcome of the active submission and advances
// to the next pending item. Unknown conversation ids are ignored, which
// defends against stale or duplicate notifications.
func (r *Runner) HandleCompletion(conversationID string, success bool, errText string, update CompletionUpdate) {
	if conversationID == "" {
		return
	}
	item := r.itemByConversation(conversationID)
	if item == nil {
		return
	}
	item.FinishedAt = chat.Now()
	if success {
		item.Status = StatusCompleted
		item.Err = ""
	} else {
		item.Status = StatusFailed
		item.Err = errText
	}
	applyUpdate(item, update)
	r.activeIndex = -1
	r.host.StateChanged()
	r.advance()
}

// HandleCancellation records a cancelled submission and consumes the armed
// cancel mode: STOP_ALL halts the batch, anything else advances.
func (r *Runner) HandleCancellation(conversationID string) {
	if conversationID == "" {
		return
	}
	item := r.itemByConversation(conversationID)
	if item == nil {
		return
	}
	item.FinishedAt = chat.Now()
	item.Status = StatusCancelled
	r.activeIndex = -1
	mode := r.cancelMode
	r.cancelMode = CancelNone
	r.host.StateChanged()
	if mode == CancelStopAll {
		r.running = false
		r.host.StateChanged()
		return
	}
	r.advance()
}

// ProgressCounts returns (done, total) where done counts items in any
// terminal state.
func (r *Runner) ProgressCounts() (int, int) {
	done := 0
	for _, item := range r.items {
		if item.Status.Terminal() {
			done++
		}
	}
	return done, len(r.items)
}

func applyUpdate(item *Item, update CompletionUpdate) {
	if update.ToolCalls != nil {
		item.ToolCalls = *update.ToolCalls
	}
	if update.Edits != nil {
		item.Edits = *update.Edits
	}
	if update.Errors != nil {
		item.Errors = *update.Errors
	}
	if update.Tokens != nil {
		if update.Tokens.Count == nil {
			item.Tokens = nil
		} else {
			count := *update.Tokens.Count
			item.Tokens = &count
		}
	}
	if update.TokensApproximate != nil {
		item.TokensApproximate = *update.TokensApproximate
	}
}

func (r *Runner) itemByConversation(conversationID string) *Item {
	for index, item := range r.items {
		if item.ConversationID == conversationID {
			r.activeIndex = index
			return item
		}
	}
	return nil
}

// advance promotes the first pending item; when none remains the batch is
// finished and the runner goes idle.
func (r *Runner) advance() {
	if !r.running {
		return
	}
	for index, item := range r.items {
		if item.Status == StatusPending {
			r.startItem(index)
			return
		}
	}
	r.running = false
	r.activeIndex = -1
	r.host.StateChanged()
}

// startItem creates the backing conversation and submits the prompt. Every
// failure marks the item failed with a short diagnostic and immediately
// re-advances, so the batch drains in bounded time even when every step
// fails.
func (r *Runner) startItem(index int) {
	if r.prompt == "" {
		return
	}
	item := r.items[index]

	conversation, err := r.host.CreateConversation()
	if err != nil {
		log.Error().Err(err).Str("target", item.Target.Key).
			Msg("failed to create conversation for batch item")
		r.failItem(item, "failed to create conversation")
		return
	}

	item.StartedAt = chat.Now()
	conversationID, err := r.host.ConversationID(conversation)
	if err != nil {
		log.Error().Err(err).Str("target", item.Target.Key).
			Msg("conversation missing identifier in batch runner")
		r.failItem(item, "conversation missing identifier")
		return
	}
	item.ConversationID = conversationID

	r.host.PrepareConversation(conversation, item.Target)

	item.Status = StatusRunning
	item.Err = ""
	r.activeIndex = index
	r.host.StateChanged()

	contextPayload, err := r.host.BuildContext(item.Target)
	if err != nil {
		log.Error().Err(err).Str("target", item.Target.Key).
			Msg("failed to prepare batch context")
		r.failItem(item, err.Error())
		return
	}

	submittedAt := item.StartedAt
	if submittedAt.IsZero() {
		submittedAt = chat.Now()
	}
	if err := r.host.SubmitPrompt(r.prompt, item.ConversationID, contextPayload, submittedAt); err != nil {
		log.Error().Err(err).Str("target", item.Target.Key).
			Msg("failed to submit batch prompt")
		r.failItem(item, "failed to submit prompt")
	}
}

func (r *Runner) failItem(item *Item, diagnostic string) {
	item.Status = StatusFailed
	item.Err = diagnostic
	item.FinishedAt = chat.Now()
	r.activeIndex = -1
	r.host.StateChanged()
	r.advance()
}
