package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/relay/internal/agent"
	"github.com/thebtf/relay/internal/assemble"
	"github.com/thebtf/relay/pkg/models"
)

// fakeAdapter hands the test a channel per Start call so event timing is
// fully controlled.
type fakeAdapter struct {
	mu       sync.Mutex
	streams  chan chan agent.Event
	startErr error
	stopped  []string
	lastOpts agent.Options
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{streams: make(chan chan agent.Event, 10)}
}

func (f *fakeAdapter) Start(_ context.Context, _, _ string, opts agent.Options) (<-chan agent.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.lastOpts = opts
	ch := make(chan agent.Event, 16)
	f.streams <- ch
	return ch, nil
}

func (f *fakeAdapter) Stop(sessionID string) {
	f.mu.Lock()
	f.stopped = append(f.stopped, sessionID)
	f.mu.Unlock()
}

func (f *fakeAdapter) stoppedSessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...)
}

// nextStream waits for the adapter to be started once.
func (f *fakeAdapter) nextStream(t *testing.T) chan agent.Event {
	t.Helper()
	select {
	case ch := <-f.streams:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("adapter was not started")
		return nil
	}
}

// fakeStore is an in-memory transcript store.
type fakeStore struct {
	mu        sync.Mutex
	session   *models.ChatSession
	messages  []*models.ChatMessage
	titles    []string
	insertErr error
	nextID    int64
}

func newFakeStore(owner string) *fakeStore {
	return &fakeStore{
		session: &models.ChatSession{ID: 1, PublicID: "sess-1", OwnerID: owner},
	}
}

func (f *fakeStore) GetSessionByPublicID(_ context.Context, publicID string) (*models.ChatSession, error) {
	if publicID != f.session.PublicID {
		return nil, nil
	}
	return f.session, nil
}

func (f *fakeStore) insert(msg *models.ChatMessage) (*models.ChatMessage, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return nil, 0, f.insertErr
	}
	f.nextID++
	msg.ID = f.nextID
	msg.SessionID = f.session.ID
	f.messages = append(f.messages, msg)
	return msg, int64(len(f.messages)), nil
}

func (f *fakeStore) InsertUserMessage(_ context.Context, _ string, content string, images []string, _ string) (*models.ChatMessage, int64, error) {
	return f.insert(&models.ChatMessage{Role: models.RoleUser, Content: content, Images: images})
}

func (f *fakeStore) InsertAssistantMessage(_ context.Context, _ string, content string, tools models.JSONToolInteractions, interrupted bool, costUSD float64) (*models.ChatMessage, int64, error) {
	flag := 0
	if interrupted {
		flag = 1
	}
	return f.insert(&models.ChatMessage{Role: models.RoleAssistant, Content: content, ToolCalls: tools, Interrupted: flag, CostUSD: costUSD})
}

func (f *fakeStore) SetSessionTitle(_ context.Context, _ string, title string) error {
	f.mu.Lock()
	f.titles = append(f.titles, title)
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) FirstUserMessage(_ context.Context, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.Role == models.RoleUser {
			return m.Content, nil
		}
	}
	return "", nil
}

func (f *fakeStore) allMessages() []*models.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*models.ChatMessage(nil), f.messages...)
}

// fakeReg records every delivered frame by owner.
type fakeReg struct {
	mu     sync.Mutex
	events []deliveredEvent
}

type deliveredEvent struct {
	owner string
	event OutEvent
}

func (f *fakeReg) DeliverToOwner(owner string, event interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, deliveredEvent{owner: owner, event: event.(OutEvent)})
}

func (f *fakeReg) byType(typ string) []deliveredEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []deliveredEvent
	for _, e := range f.events {
		if e.event.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// fakePost records post-processing notifications.
type fakePost struct {
	mu    sync.Mutex
	calls []int64
}

func (f *fakePost) MessageStored(_ string, count int64) {
	f.mu.Lock()
	f.calls = append(f.calls, count)
	f.mu.Unlock()
}

func (f *fakePost) counts() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.calls...)
}

// passthroughAssembler returns the input unchanged. With err set it fails
// every call, or only the errOn-th call when errOn is nonzero.
type passthroughAssembler struct {
	mu    sync.Mutex
	calls int
	err   error
	errOn int
}

func (p *passthroughAssembler) Assemble(_ context.Context, _ *models.ChatSession, input string) (*assemble.Result, error) {
	p.mu.Lock()
	p.calls++
	call := p.calls
	p.mu.Unlock()
	if p.err != nil && (p.errOn == 0 || call == p.errOn) {
		return nil, p.err
	}
	return &assemble.Result{Prompt: input}, nil
}

type fixture struct {
	coord   *Coordinator
	adapter *fakeAdapter
	store   *fakeStore
	reg     *fakeReg
	post    *fakePost
}

func newFixture() *fixture {
	adapter := newFakeAdapter()
	store := newFakeStore("alice")
	reg := &fakeReg{}
	post := &fakePost{}
	coord := New(adapter, &passthroughAssembler{}, store, reg, post, "claude-sonnet-4-5")
	return &fixture{coord: coord, adapter: adapter, store: store, reg: reg, post: post}
}

func waitDone(t *testing.T, reg *fakeReg, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(reg.byType(TypeDone)) >= n
	}, 2*time.Second, 5*time.Millisecond)
}

func waitIdle(t *testing.T, coord *Coordinator, sessionID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return !coord.Active(sessionID)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubmitSingleTurn(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.coord.Submit(context.Background(), "sess-1", Input{Content: "hello there"}))
	stream := f.adapter.nextStream(t)

	stream <- agent.Event{Type: agent.EventText, Content: "Hi "}
	stream <- agent.Event{Type: agent.EventText, Content: "back"}
	stream <- agent.Event{Type: agent.EventDone, CostUSD: 0.02}
	close(stream)

	waitDone(t, f.reg, 1)
	waitIdle(t, f.coord, "sess-1")

	msgs := f.store.allMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello there", msgs[0].Content)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "Hi back", msgs[1].Content)
	assert.Equal(t, 0, msgs[1].Interrupted)
	assert.Equal(t, 0.02, msgs[1].CostUSD)

	done := f.reg.byType(TypeDone)[0]
	assert.Equal(t, "alice", done.owner)
	assert.False(t, done.event.Interrupted)
	assert.False(t, done.event.HasMore)
	assert.Equal(t, msgs[1].ID, done.event.MessageID)

	chunks := f.reg.byType(TypeChunk)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Hi ", chunks[0].event.Content)

	assert.Equal(t, []int64{2}, f.post.counts())
}

func TestSubmitWhileActiveQueuesFIFO(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.coord.Submit(ctx, "sess-1", Input{Content: "first"}))
	stream := f.adapter.nextStream(t)

	require.NoError(t, f.coord.Submit(ctx, "sess-1", Input{Content: "second"}))
	require.NoError(t, f.coord.Submit(ctx, "sess-1", Input{Content: "third"}))

	queued := f.reg.byType(TypeQueued)
	require.Len(t, queued, 2)
	assert.Equal(t, 1, queued[0].event.Position)
	assert.Equal(t, 2, queued[1].event.Position)

	// Queued inputs are not persisted while waiting.
	require.Len(t, f.store.allMessages(), 1)

	stream <- agent.Event{Type: agent.EventText, Content: "answer one"}
	stream <- agent.Event{Type: agent.EventDone}
	close(stream)

	// Completion chains into the second input.
	stream2 := f.adapter.nextStream(t)
	waitDone(t, f.reg, 1)
	assert.True(t, f.reg.byType(TypeDone)[0].event.HasMore)

	msgs := f.store.allMessages()
	require.Len(t, msgs, 3)
	assert.Equal(t, "second", msgs[2].Content)

	stream2 <- agent.Event{Type: agent.EventDone}
	close(stream2)

	stream3 := f.adapter.nextStream(t)
	stream3 <- agent.Event{Type: agent.EventDone}
	close(stream3)

	waitDone(t, f.reg, 3)
	waitIdle(t, f.coord, "sess-1")

	msgs = f.store.allMessages()
	require.Len(t, msgs, 6)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[2].Content)
	assert.Equal(t, "third", msgs[4].Content)

	dones := f.reg.byType(TypeDone)
	assert.True(t, dones[1].event.HasMore)
	assert.False(t, dones[2].event.HasMore)
}

func TestInterruptionDiscardsQueue(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.coord.Submit(ctx, "sess-1", Input{Content: "first"}))
	stream := f.adapter.nextStream(t)
	require.NoError(t, f.coord.Submit(ctx, "sess-1", Input{Content: "queued away"}))

	stream <- agent.Event{Type: agent.EventText, Content: "partial"}
	stream <- agent.Event{Type: agent.EventDone, Interrupted: true}
	close(stream)

	waitDone(t, f.reg, 1)
	waitIdle(t, f.coord, "sess-1")

	done := f.reg.byType(TypeDone)[0]
	assert.True(t, done.event.Interrupted)
	assert.False(t, done.event.HasMore)

	// Partial output persisted with the interrupted flag, queue dropped.
	msgs := f.store.allMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "partial", msgs[1].Content)
	assert.Equal(t, 1, msgs[1].Interrupted)

	// Interrupted turns do not trigger post-processing.
	assert.Empty(t, f.post.counts())
}

func TestStopClearsQueueAndStopsAdapter(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.coord.Submit(ctx, "sess-1", Input{Content: "first"}))
	stream := f.adapter.nextStream(t)
	require.NoError(t, f.coord.Submit(ctx, "sess-1", Input{Content: "queued"}))

	f.coord.Stop("sess-1")
	assert.Equal(t, []string{"sess-1"}, f.adapter.stoppedSessions())

	stream <- agent.Event{Type: agent.EventDone, Interrupted: true}
	close(stream)

	waitDone(t, f.reg, 1)
	waitIdle(t, f.coord, "sess-1")
	require.Len(t, f.store.allMessages(), 2)
}

func TestStopUnknownSessionIsNoop(t *testing.T) {
	f := newFixture()
	f.coord.Stop("never-seen")
	assert.Empty(t, f.adapter.stoppedSessions())
	f.coord.mu.Lock()
	assert.Empty(t, f.coord.states)
	f.coord.mu.Unlock()
}

func TestErrorEventResetsSession(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.coord.Submit(ctx, "sess-1", Input{Content: "first"}))
	stream := f.adapter.nextStream(t)
	require.NoError(t, f.coord.Submit(ctx, "sess-1", Input{Content: "queued"}))

	stream <- agent.Event{Type: agent.EventError, Message: "agent crashed"}
	close(stream)

	require.Eventually(t, func() bool {
		return len(f.reg.byType(TypeError)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	waitIdle(t, f.coord, "sess-1")

	assert.Equal(t, "agent crashed", f.reg.byType(TypeError)[0].event.Error)
	// No assistant row, queue gone; a fresh submit starts clean.
	require.Len(t, f.store.allMessages(), 1)

	require.NoError(t, f.coord.Submit(ctx, "sess-1", Input{Content: "retry"}))
	stream2 := f.adapter.nextStream(t)
	stream2 <- agent.Event{Type: agent.EventDone}
	close(stream2)
	waitDone(t, f.reg, 1)
	waitIdle(t, f.coord, "sess-1")
	require.Len(t, f.store.allMessages(), 3)
}

func TestDuplicateTerminalEventIgnored(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.coord.Submit(context.Background(), "sess-1", Input{Content: "hi"}))
	stream := f.adapter.nextStream(t)

	stream <- agent.Event{Type: agent.EventDone}
	stream <- agent.Event{Type: agent.EventDone}
	close(stream)

	waitIdle(t, f.coord, "sess-1")
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, f.reg.byType(TypeDone), 1)
	assert.Len(t, f.store.allMessages(), 2)
}

func TestToolInteractionAccumulation(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.coord.Submit(context.Background(), "sess-1", Input{Content: "use tools"}))
	stream := f.adapter.nextStream(t)

	stream <- agent.Event{Type: agent.EventToolUse, Tool: "search", Input: map[string]interface{}{"q": "weather"}}
	stream <- agent.Event{Type: agent.EventToolResult, Tool: "search", Result: "sunny"}
	stream <- agent.Event{Type: agent.EventText, Content: "It is sunny."}
	stream <- agent.Event{Type: agent.EventDone}
	close(stream)

	waitDone(t, f.reg, 1)
	waitIdle(t, f.coord, "sess-1")

	msgs := f.store.allMessages()
	require.Len(t, msgs, 2)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, "search", msgs[1].ToolCalls[0].Name)
	assert.Equal(t, "sunny", msgs[1].ToolCalls[0].Result)
}

func TestOrphanToolResultDropped(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.coord.Submit(context.Background(), "sess-1", Input{Content: "hi"}))
	stream := f.adapter.nextStream(t)

	stream <- agent.Event{Type: agent.EventToolResult, Tool: "search", Result: "orphan"}
	stream <- agent.Event{Type: agent.EventDone}
	close(stream)

	waitDone(t, f.reg, 1)
	waitIdle(t, f.coord, "sess-1")

	assert.Empty(t, f.reg.byType(TypeToolResult))
	msgs := f.store.allMessages()
	assert.Empty(t, msgs[1].ToolCalls)
}

func TestAssemblyFailureReturnsToIdle(t *testing.T) {
	adapter := newFakeAdapter()
	store := newFakeStore("alice")
	reg := &fakeReg{}
	coord := New(adapter, &passthroughAssembler{err: fmt.Errorf("boom")}, store, reg, &fakePost{}, "m")

	require.NoError(t, coord.Submit(context.Background(), "sess-1", Input{Content: "hi"}))

	require.Eventually(t, func() bool {
		return len(reg.byType(TypeError)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	waitIdle(t, coord, "sess-1")

	// User message already persisted; nothing was dispatched.
	assert.Len(t, store.allMessages(), 1)
	select {
	case <-adapter.streams:
		t.Fatal("adapter should not have been started")
	default:
	}
}

func TestAutoTitleOnSecondMessage(t *testing.T) {
	f := newFixture()

	first := "Plan my trip to Portugal and tell me about the trains there plus anything else"
	require.NoError(t, f.coord.Submit(context.Background(), "sess-1", Input{Content: first}))
	stream := f.adapter.nextStream(t)
	stream <- agent.Event{Type: agent.EventDone}
	close(stream)

	waitDone(t, f.reg, 1)
	waitIdle(t, f.coord, "sess-1")

	f.store.mu.Lock()
	titles := append([]string(nil), f.store.titles...)
	f.store.mu.Unlock()
	require.Len(t, titles, 1)
	assert.Equal(t, string([]rune(first)[:60]), titles[0])
	assert.LessOrEqual(t, len([]rune(titles[0])), 60)

	events := f.reg.byType(TypeTitle)
	require.Len(t, events, 1)
	assert.Equal(t, titles[0], events[0].event.Title)
}

func TestInterruptedFirstTurnDoesNotTitle(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.coord.Submit(context.Background(), "sess-1", Input{Content: "hello"}))
	stream := f.adapter.nextStream(t)
	stream <- agent.Event{Type: agent.EventDone, Interrupted: true}
	close(stream)

	waitDone(t, f.reg, 1)
	waitIdle(t, f.coord, "sess-1")

	// Two messages landed, but the first exchange was cut short; the
	// session keeps its empty title until a turn completes.
	require.Len(t, f.store.allMessages(), 2)
	f.store.mu.Lock()
	titles := append([]string(nil), f.store.titles...)
	f.store.mu.Unlock()
	assert.Empty(t, titles)
	assert.Empty(t, f.reg.byType(TypeTitle))
}

func TestChainedAssemblyFailureClearsQueue(t *testing.T) {
	adapter := newFakeAdapter()
	store := newFakeStore("alice")
	reg := &fakeReg{}
	asm := &passthroughAssembler{err: fmt.Errorf("boom"), errOn: 2}
	coord := New(adapter, asm, store, reg, &fakePost{}, "m")
	ctx := context.Background()

	require.NoError(t, coord.Submit(ctx, "sess-1", Input{Content: "first"}))
	stream := adapter.nextStream(t)
	require.NoError(t, coord.Submit(ctx, "sess-1", Input{Content: "second"}))
	require.NoError(t, coord.Submit(ctx, "sess-1", Input{Content: "third"}))

	stream <- agent.Event{Type: agent.EventDone}
	close(stream)

	// The chain dequeues "second", assembly fails, and the rest of the
	// queue is discarded with it.
	require.Eventually(t, func() bool {
		return len(reg.byType(TypeError)) == 1
	}, 2*time.Second, 5*time.Millisecond)
	waitIdle(t, coord, "sess-1")
	require.Len(t, store.allMessages(), 3)

	// A fresh submit runs immediately instead of behind stale inputs.
	require.NoError(t, coord.Submit(ctx, "sess-1", Input{Content: "fresh"}))
	stream2 := adapter.nextStream(t)
	stream2 <- agent.Event{Type: agent.EventDone}
	close(stream2)
	waitDone(t, reg, 2)
	waitIdle(t, coord, "sess-1")

	msgs := store.allMessages()
	require.Len(t, msgs, 5)
	assert.Equal(t, "fresh", msgs[3].Content)
}

func TestInputOverridesReachAdapter(t *testing.T) {
	f := newFixture()

	in := Input{Content: "plan something", Model: "claude-haiku-4-5", Thinking: true, Mode: "plan"}
	require.NoError(t, f.coord.Submit(context.Background(), "sess-1", in))
	stream := f.adapter.nextStream(t)

	f.adapter.mu.Lock()
	opts := f.adapter.lastOpts
	f.adapter.mu.Unlock()
	assert.Equal(t, "claude-haiku-4-5", opts.Model)
	assert.True(t, opts.Thinking)
	assert.Equal(t, "plan", opts.PermissionMode)
	assert.Contains(t, opts.DisallowedTools, "Write")

	stream <- agent.Event{Type: agent.EventDone}
	close(stream)
	waitIdle(t, f.coord, "sess-1")
}

func TestDoneContentOverridesBuffer(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.coord.Submit(context.Background(), "sess-1", Input{Content: "hi"}))
	stream := f.adapter.nextStream(t)

	stream <- agent.Event{Type: agent.EventText, Content: "draft"}
	stream <- agent.Event{Type: agent.EventDone, Content: "final text"}
	close(stream)

	waitDone(t, f.reg, 1)
	waitIdle(t, f.coord, "sess-1")

	msgs := f.store.allMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "final text", msgs[1].Content)
}

func TestSubmitUnknownSession(t *testing.T) {
	f := newFixture()
	err := f.coord.Submit(context.Background(), "missing", Input{Content: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session not found")
}

func TestStreamingSessionsScopedToOwner(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.coord.Submit(context.Background(), "sess-1", Input{Content: "hi"}))
	stream := f.adapter.nextStream(t)

	assert.Equal(t, []string{"sess-1"}, f.coord.StreamingSessions("alice"))
	assert.Empty(t, f.coord.StreamingSessions("bob"))

	stream <- agent.Event{Type: agent.EventDone}
	close(stream)
	waitIdle(t, f.coord, "sess-1")
	assert.Empty(t, f.coord.StreamingSessions("alice"))
}
