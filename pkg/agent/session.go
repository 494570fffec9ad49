package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mentat-tools/agentchat/pkg/batch"
	"github.com/mentat-tools/agentchat/pkg/chat"
	"github.com/mentat-tools/agentchat/pkg/persistence/historystore"
)

// Session is the owner side of a batch run: it implements batch.Host,
// serializes every runner entry point onto the Run goroutine through an
// event queue, and executes each submission out-of-band. The runner itself
// never blocks; only the submission goroutines do.
type Session struct {
	history *historystore.History
	invoker Invoker
	runner  *batch.Runner

	contextBuilder func(batch.Target) (any, error)
	onStateChanged func()

	events       chan func()
	group        *errgroup.Group
	runCtx       context.Context
	cancelActive context.CancelFunc
}

func NewSession(history *historystore.History, invoker Invoker) *Session {
	s := &Session{
		history: history,
		invoker: invoker,
	}
	s.runner = batch.NewRunner(s)
	return s
}

// Runner exposes the underlying batch runner for progress queries.
func (s *Session) Runner() *batch.Runner {
	return s.runner
}

// SetContextBuilder overrides how the per-target context payload is built.
func (s *Session) SetContextBuilder(fn func(batch.Target) (any, error)) {
	s.contextBuilder = fn
}

// SetStateChanged registers a notification hook fired after every observable
// runner change, on the Run goroutine.
func (s *Session) SetStateChanged(fn func()) {
	s.onStateChanged = fn
}

// Run executes one batch to completion and persists the resulting
// conversations. Cancelling ctx cancels the whole batch: pending items are
// cancelled immediately and the active submission is interrupted.
func (s *Session) Run(ctx context.Context, prompt string, targets []batch.Target) ([]batch.Item, error) {
	s.runCtx = ctx
	s.events = make(chan func(), 2*len(targets)+8)
	s.group = &errgroup.Group{}

	if !s.runner.Start(prompt, targets) {
		return nil, errors.New("agent session: batch not accepted")
	}

	cancelled := false
	for s.runner.Running() {
		if cancelled {
			ev := <-s.events
			ev()
			continue
		}
		select {
		case ev := <-s.events:
			ev()
		case <-ctx.Done():
			cancelled = true
			s.runner.CancelAll()
			s.interruptActive()
		}
	}
	_ = s.group.Wait()

	if s.history != nil {
		if err := s.history.Save(context.Background()); err != nil {
			return s.runner.Items(), err
		}
	}
	return s.runner.Items(), nil
}

// SkipCurrent cancels only the active item; the batch continues with the
// next pending one. Safe to call from any goroutine while Run is active.
func (s *Session) SkipCurrent() {
	s.post(func() {
		s.runner.RequestSkipCurrent()
		s.interruptActive()
	})
}

// CancelAll stops the whole batch. Safe to call from any goroutine while Run
// is active.
func (s *Session) CancelAll() {
	s.post(func() {
		s.runner.CancelAll()
		s.interruptActive()
	})
}

func (s *Session) post(fn func()) {
	s.events <- fn
}

func (s *Session) interruptActive() {
	if s.cancelActive != nil {
		s.cancelActive()
	}
}

// --- batch.Host ---

func (s *Session) CreateConversation() (*chat.Conversation, error) {
	conversation := chat.NewConversation()
	if s.history != nil {
		s.history.Append(conversation)
	}
	return conversation, nil
}

func (s *Session) ConversationID(conversation *chat.Conversation) (string, error) {
	if conversation == nil || conversation.ID == "" {
		return "", errors.New("agent session: conversation has no identifier")
	}
	return conversation.ID, nil
}

func (s *Session) PrepareConversation(conversation *chat.Conversation, target batch.Target) {
	title := strings.TrimSpace(fmt.Sprintf("%s %s", target.Key, target.Title))
	if title == "" {
		title = fmt.Sprintf("target %d", target.ID)
	}
	conversation.Title = title
}

func (s *Session) BuildContext(target batch.Target) (any, error) {
	if s.contextBuilder != nil {
		return s.contextBuilder(target)
	}
	return map[string]any{
		"target_id":    target.ID,
		"target_key":   target.Key,
		"target_title": target.Title,
	}, nil
}

// SubmitPrompt launches the invocation out-of-band and returns immediately.
// The goroutine reports back through the event queue, which the Run loop
// feeds into HandleCompletion/HandleCancellation.
func (s *Session) SubmitPrompt(prompt, conversationID string, contextPayload any, submittedAt time.Time) error {
	log.Debug().Str("conversation_id", conversationID).Time("submitted_at", submittedAt).
		Msg("submitting batch prompt")
	ctx, cancel := context.WithCancel(s.runCtx)
	s.cancelActive = cancel
	s.group.Go(func() error {
		defer cancel()
		result, err := s.invoker.Invoke(ctx, prompt, contextPayload)
		s.post(func() {
			s.finishSubmission(conversationID, prompt, result, err)
		})
		return nil
	})
	return nil
}

func (s *Session) StateChanged() {
	if s.onStateChanged != nil {
		s.onStateChanged()
	}
}

// finishSubmission runs on the Run goroutine.
func (s *Session) finishSubmission(conversationID, prompt string, result *Result, err error) {
	if errors.Is(err, context.Canceled) {
		s.runner.HandleCancellation(conversationID)
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("conversation_id", conversationID).Msg("agent invocation failed")
		s.runner.HandleCompletion(conversationID, false, err.Error(), batch.CompletionUpdate{})
		return
	}

	if s.history != nil {
		if conversation := s.history.Conversation(conversationID); conversation != nil {
			conversation.AppendEntry(chat.Entry{
				Prompt:          prompt,
				Response:        result.Response,
				DisplayResponse: result.DisplayResponse,
				Tokens:          result.Tokens,
				RawResult:       result.Raw,
			})
			if conversation.Preview == "" {
				conversation.Preview = previewOf(result.DisplayResponse)
			}
		}
	}

	tokens := result.Tokens
	s.runner.HandleCompletion(conversationID, true, "", batch.CompletionUpdate{
		ToolCalls:         &result.ToolCalls,
		Tokens:            &batch.TokenUpdate{Count: &tokens},
		TokensApproximate: &result.TokensApproximate,
	})
}

func previewOf(text string) string {
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	runes := []rune(text)
	if len(runes) > 120 {
		return string(runes[:120])
	}
	return text
}
