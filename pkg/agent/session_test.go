package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/mentat-tools/agentchat/pkg/batch"
	"github.com/mentat-tools/agentchat/pkg/persistence/historystore"
)

type invocation struct {
	prompt  string
	payload any
}

// fakeInvoker scripts responses per call and records every invocation.
type fakeInvoker struct {
	mu      sync.Mutex
	calls   []invocation
	respond func(ctx context.Context, call int) (*Result, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, prompt string, contextPayload any) (*Result, error) {
	f.mu.Lock()
	call := len(f.calls)
	f.calls = append(f.calls, invocation{prompt: prompt, payload: contextPayload})
	f.mu.Unlock()
	return f.respond(ctx, call)
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestHistory(t *testing.T) (*historystore.History, string) {
	path := filepath.Join(t.TempDir(), "agent_chats.sqlite")
	return historystore.NewHistory(path, nil), path
}

func batchTargets() []batch.Target {
	return []batch.Target{
		{ID: 1, Key: "REQ-1", Title: "login flow"},
		{ID: 2, Key: "REQ-2", Title: "logout flow"},
	}
}

func TestSessionRunsBatchAndPersists(t *testing.T) {
	history, path := newTestHistory(t)
	invoker := &fakeInvoker{
		respond: func(ctx context.Context, call int) (*Result, error) {
			return &Result{
				Response:        "first line\nsecond line",
				DisplayResponse: "first line\nsecond line",
				Tokens:          7,
				ToolCalls:       2,
			}, nil
		},
	}
	session := NewSession(history, invoker)

	items, err := session.Run(context.Background(), "review this", batchTargets())
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		require.Equal(t, batch.StatusCompleted, item.Status)
		require.NotNil(t, item.Tokens)
		require.Equal(t, 7, *item.Tokens)
		require.Equal(t, 2, item.ToolCalls)
		require.False(t, item.TokensApproximate)
	}
	require.Equal(t, 2, invoker.callCount())

	// One conversation per target, titled from the target and carrying the
	// exchanged entry with a first-line preview.
	conversations := history.Conversations()
	require.Len(t, conversations, 2)
	require.Equal(t, "REQ-1 login flow", conversations[0].Title)
	require.Equal(t, "first line", conversations[0].Preview)
	entries := conversations[0].Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "review this", entries[0].Prompt)
	require.Equal(t, "first line\nsecond line", entries[0].Response)

	// The run flushed everything to disk.
	reloaded, _, err := historystore.NewHistory(path, nil).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, reloaded, 2)
	require.Len(t, reloaded[0].Entries(), 1)
}

func TestSessionInvokerFailureMarksItemFailed(t *testing.T) {
	history, _ := newTestHistory(t)
	invoker := &fakeInvoker{
		respond: func(ctx context.Context, call int) (*Result, error) {
			if call == 0 {
				return nil, errors.New("model unavailable")
			}
			return &Result{Response: "ok", DisplayResponse: "ok", Tokens: 1}, nil
		},
	}
	session := NewSession(history, invoker)

	items, err := session.Run(context.Background(), "review this", batchTargets())
	require.NoError(t, err)
	require.Equal(t, batch.StatusFailed, items[0].Status)
	require.Equal(t, "model unavailable", items[0].Err)
	require.Equal(t, batch.StatusCompleted, items[1].Status)

	// The failed item keeps its conversation, just without an entry.
	conversations := history.Conversations()
	require.Len(t, conversations, 2)
	require.Empty(t, conversations[0].Entries())
	require.Len(t, conversations[1].Entries(), 1)
}

func TestSessionRejectsBlankPrompt(t *testing.T) {
	history, _ := newTestHistory(t)
	session := NewSession(history, &fakeInvoker{
		respond: func(ctx context.Context, call int) (*Result, error) {
			t.Fatal("invoker must not run")
			return nil, nil
		},
	})

	_, err := session.Run(context.Background(), "   ", batchTargets())
	require.Error(t, err)
	_, err = session.Run(context.Background(), "prompt", nil)
	require.Error(t, err)
}

func TestSessionContextCancellationCancelsBatch(t *testing.T) {
	history, _ := newTestHistory(t)
	started := make(chan struct{})
	invoker := &fakeInvoker{
		respond: func(ctx context.Context, call int) (*Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	session := NewSession(history, invoker)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	items, err := session.Run(ctx, "review this", batchTargets())
	require.NoError(t, err)
	require.Equal(t, batch.StatusCancelled, items[0].Status)
	require.Equal(t, batch.StatusCancelled, items[1].Status)
	require.Equal(t, 1, invoker.callCount(), "pending items never start after cancel")
}

func TestSessionSkipCurrentContinuesWithNext(t *testing.T) {
	history, _ := newTestHistory(t)
	started := make(chan struct{})
	invoker := &fakeInvoker{
		respond: func(ctx context.Context, call int) (*Result, error) {
			if call == 0 {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			}
			return &Result{Response: "ok", DisplayResponse: "ok", Tokens: 1}, nil
		},
	}
	session := NewSession(history, invoker)

	go func() {
		<-started
		session.SkipCurrent()
	}()

	items, err := session.Run(context.Background(), "review this", batchTargets())
	require.NoError(t, err)
	require.Equal(t, batch.StatusCancelled, items[0].Status)
	require.Equal(t, batch.StatusCompleted, items[1].Status)
	require.Equal(t, 2, invoker.callCount())
}

func TestSessionCancelAllStopsBatch(t *testing.T) {
	history, _ := newTestHistory(t)
	started := make(chan struct{})
	invoker := &fakeInvoker{
		respond: func(ctx context.Context, call int) (*Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	session := NewSession(history, invoker)

	go func() {
		<-started
		session.CancelAll()
	}()

	items, err := session.Run(context.Background(), "review this", batchTargets())
	require.NoError(t, err)
	require.Equal(t, batch.StatusCancelled, items[0].Status)
	require.Equal(t, batch.StatusCancelled, items[1].Status)
	require.Equal(t, 1, invoker.callCount())
}

func TestSessionContextBuilderOverride(t *testing.T) {
	history, _ := newTestHistory(t)
	invoker := &fakeInvoker{
		respond: func(ctx context.Context, call int) (*Result, error) {
			return &Result{Response: "ok", DisplayResponse: "ok"}, nil
		},
	}
	session := NewSession(history, invoker)
	session.SetContextBuilder(func(target batch.Target) (any, error) {
		return "context for " + target.Key, nil
	})

	_, err := session.Run(context.Background(), "review this", batchTargets()[:1])
	require.NoError(t, err)
	require.Equal(t, "context for REQ-1", invoker.calls[0].payload)
}

func TestSessionDefaultTitleForBlankTarget(t *testing.T) {
	session := NewSession(nil, nil)
	conversation, err := session.CreateConversation()
	require.NoError(t, err)
	session.PrepareConversation(conversation, batch.Target{ID: 9})
	require.Equal(t, "target 9", conversation.Title)
}

func TestPreviewOf(t *testing.T) {
	require.Equal(t, "short", previewOf("short"))
	require.Equal(t, "first", previewOf("first\nrest"))
	long := make([]rune, 0, 200)
	for i := 0; i < 200; i++ {
		long = append(long, 'x')
	}
	require.Len(t, []rune(previewOf(string(long))), 120)
}
