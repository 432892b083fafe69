// Package stream coordinates generation turns per session: it enforces one
// active generation per session, queues further inputs in FIFO order, and
// turns the adapter's event stream into persisted messages and client frames.
package stream

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/thebtf/relay/internal/agent"
	"github.com/thebtf/relay/internal/assemble"
	"github.com/thebtf/relay/pkg/models"
)

// titleLimit caps the auto-generated session title length in runes.
const titleLimit = 60

// Store is the persistence surface the coordinator needs. Inserts return the
// session's new message count.
type Store interface {
	GetSessionByPublicID(ctx context.Context, publicID string) (*models.ChatSession, error)
	InsertUserMessage(ctx context.Context, sessionPublicID, content string, images []string, model string) (*models.ChatMessage, int64, error)
	InsertAssistantMessage(ctx context.Context, sessionPublicID, content string, tools models.JSONToolInteractions, interrupted bool, costUSD float64) (*models.ChatMessage, int64, error)
	SetSessionTitle(ctx context.Context, publicID, title string) error
	FirstUserMessage(ctx context.Context, sessionPublicID string) (string, error)
}

// Deliverer pushes events to the connections observing an owner.
type Deliverer interface {
	DeliverToOwner(owner string, event interface{})
}

// PostProcessor is notified after every successfully persisted assistant turn.
type PostProcessor interface {
	MessageStored(sessionPublicID string, count int64)
}

// Input is one user submission. Model, Thinking, and Mode override the
// assembled defaults for the turn they dispatch.
type Input struct {
	Content  string
	Images   []string
	Model    string
	Thinking bool
	Mode     string
}

// Inputs queued behind an active generation keep their overrides; they are
// not persisted until dequeued, so the transcript keeps execution order.

// sessionState is the in-memory generation state of one session.
type sessionState struct {
	mu         sync.Mutex
	active     bool
	generation uint64
	owner      string
	session    *models.ChatSession
	pending    []Input
	tools      []*models.ToolInteraction
	buf        strings.Builder
}

func (st *sessionState) resetTurn() {
	st.tools = nil
	st.buf.Reset()
}

// Coordinator owns per-session generation state.
type Coordinator struct {
	mu      sync.Mutex
	states  map[string]*sessionState
	adapter agent.Adapter
	asm     assemble.Assembler
	store   Store
	reg     Deliverer
	post    PostProcessor
	model   string

	turnsStarted     metric.Int64Counter
	turnsCompleted   metric.Int64Counter
	turnsInterrupted metric.Int64Counter
	inputsQueued     metric.Int64Counter
}

// New creates a Coordinator.
func New(adapter agent.Adapter, asm assemble.Assembler, store Store, reg Deliverer, post PostProcessor, model string) *Coordinator {
	meter := otel.Meter("relay/stream")
	started, _ := meter.Int64Counter("relay.turns.started")
	completed, _ := meter.Int64Counter("relay.turns.completed")
	interrupted, _ := meter.Int64Counter("relay.turns.interrupted")
	queued, _ := meter.Int64Counter("relay.inputs.queued")

	return &Coordinator{
		states:           make(map[string]*sessionState),
		adapter:          adapter,
		asm:              asm,
		store:            store,
		reg:              reg,
		post:             post,
		model:            model,
		turnsStarted:     started,
		turnsCompleted:   completed,
		turnsInterrupted: interrupted,
		inputsQueued:     queued,
	}
}

func (c *Coordinator) state(sessionID string) *sessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.states[sessionID]
	if !ok {
		st = &sessionState{}
		c.states[sessionID] = st
	}
	return st
}

// Submit routes a user input into the session. When the session is idle the
// input is persisted and a generation starts; when a generation is active the
// input joins the FIFO queue unpersisted and the caller gets a queued ack.
func (c *Coordinator) Submit(ctx context.Context, sessionPublicID string, in Input) error {
	session, err := c.store.GetSessionByPublicID(ctx, sessionPublicID)
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("session not found: %s", sessionPublicID)
	}

	st := c.state(sessionPublicID)
	st.mu.Lock()
	if st.active {
		st.pending = append(st.pending, in)
		position := len(st.pending)
		owner := st.owner
		st.mu.Unlock()

		c.inputsQueued.Add(ctx, 1)
		log.Debug().
			Str("sessionId", sessionPublicID).
			Int("position", position).
			Msg("Input queued behind active generation")
		c.reg.DeliverToOwner(owner, queuedEvent(sessionPublicID, position))
		return nil
	}

	st.active = true
	st.generation++
	gen := st.generation
	st.owner = session.OwnerID
	st.session = session
	st.resetTurn()
	st.mu.Unlock()

	msg, _, err := c.store.InsertUserMessage(ctx, sessionPublicID, in.Content, in.Images, in.Model)
	if err != nil {
		st.mu.Lock()
		st.active = false
		st.mu.Unlock()
		return fmt.Errorf("failed to persist user message: %w", err)
	}
	c.reg.DeliverToOwner(session.OwnerID, userMessageEvent(sessionPublicID, msg))

	c.dispatch(st, session, gen, in)
	return nil
}

// dispatch assembles the prompt and starts the adapter for one generation.
// Assembly and adapter start failures both abort the generation like an
// error event, so an idle session never holds queued inputs.
func (c *Coordinator) dispatch(st *sessionState, session *models.ChatSession, gen uint64, in Input) {
	ctx := context.Background()

	res, err := c.asm.Assemble(ctx, session, in.Content)
	if err != nil {
		log.Error().Err(err).Str("sessionId", session.PublicID).Msg("Context assembly failed")
		c.fail(st, session, gen, "failed to assemble context")
		return
	}
	applyOverrides(&res.Options, in)
	if res.Options.Model == "" {
		res.Options.Model = c.model
	}

	events, err := c.adapter.Start(ctx, session.PublicID, res.Prompt, res.Options)
	if err != nil {
		log.Error().Err(err).Str("sessionId", session.PublicID).Msg("Failed to start agent")
		c.fail(st, session, gen, "failed to start agent")
		return
	}

	c.turnsStarted.Add(ctx, 1)
	log.Info().
		Str("sessionId", session.PublicID).
		Uint64("generation", gen).
		Msg("Generation started")

	go c.consume(st, session, gen, events)
}

// consume drains one generation's event stream.
func (c *Coordinator) consume(st *sessionState, session *models.ChatSession, gen uint64, events <-chan agent.Event) {
	for ev := range events {
		switch ev.Type {
		case agent.EventText:
			st.mu.Lock()
			stale := gen != st.generation
			if !stale {
				st.buf.WriteString(ev.Content)
			}
			st.mu.Unlock()
			if !stale {
				c.reg.DeliverToOwner(session.OwnerID, chunkEvent(session.PublicID, ev.Content))
			}

		case agent.EventToolUse:
			st.mu.Lock()
			stale := gen != st.generation
			if !stale {
				st.tools = append(st.tools, &models.ToolInteraction{Name: ev.Tool, Input: ev.Input})
			}
			st.mu.Unlock()
			if !stale {
				c.reg.DeliverToOwner(session.OwnerID, toolUseEvent(session.PublicID, ev.Tool, ev.Input))
			}

		case agent.EventToolResult:
			st.mu.Lock()
			stale := gen != st.generation
			attached := false
			if !stale {
				for i := len(st.tools) - 1; i >= 0; i-- {
					if !st.tools[i].Completed() {
						st.tools[i].Result = ev.Result
						attached = true
						break
					}
				}
			}
			st.mu.Unlock()
			if stale {
				continue
			}
			if !attached {
				log.Warn().
					Str("sessionId", session.PublicID).
					Str("tool", ev.Tool).
					Msg("Dropping tool result with no pending tool use")
				continue
			}
			c.reg.DeliverToOwner(session.OwnerID, toolResultEvent(session.PublicID, ev.Tool, ev.Result))

		case agent.EventDone:
			c.finish(st, session, gen, ev)

		case agent.EventError:
			c.fail(st, session, gen, ev.Message)
		}
	}
}

// finish completes one generation: it persists the assistant message as a
// single durable write, notifies post-processing, auto-titles the session,
// delivers the done frame, and either chains the next queued input or goes
// idle. Guarded by the generation counter so a stale or duplicate terminal
// event is a no-op.
func (c *Coordinator) finish(st *sessionState, session *models.ChatSession, gen uint64, ev agent.Event) {
	ctx := context.Background()

	st.mu.Lock()
	defer st.mu.Unlock()

	if gen != st.generation || !st.active {
		return
	}

	// The adapter may carry the final text on done; the chunk buffer is the
	// fallback when it does not.
	content := ev.Content
	if content == "" {
		content = st.buf.String()
	}
	tools := models.JSONToolInteractions(st.tools)
	hasMore := !ev.Interrupted && len(st.pending) > 0

	msg, count, err := c.store.InsertAssistantMessage(ctx, session.PublicID, content, tools, ev.Interrupted, ev.CostUSD)
	if err != nil {
		log.Error().Err(err).Str("sessionId", session.PublicID).Msg("Failed to persist assistant message")
		st.pending = nil
		st.active = false
		st.resetTurn()
		c.reg.DeliverToOwner(session.OwnerID, errorEvent(session.PublicID, "failed to persist assistant message"))
		return
	}

	if ev.Interrupted {
		c.turnsInterrupted.Add(ctx, 1)
	} else {
		c.turnsCompleted.Add(ctx, 1)
		c.post.MessageStored(session.PublicID, count)
		if count == 2 {
			c.autoTitle(ctx, session)
		}
	}

	log.Info().
		Str("sessionId", session.PublicID).
		Uint64("generation", gen).
		Bool("interrupted", ev.Interrupted).
		Bool("hasMore", hasMore).
		Float64("costUsd", ev.CostUSD).
		Msg("Generation finished")

	c.reg.DeliverToOwner(session.OwnerID, doneEvent(session.PublicID, msg.ID, ev.CostUSD, ev.Interrupted, hasMore))

	if ev.Interrupted {
		st.pending = nil
		st.active = false
		st.resetTurn()
		return
	}

	if len(st.pending) == 0 {
		st.active = false
		st.resetTurn()
		return
	}

	// Chain: dequeue the head, persist it now so the transcript reflects
	// execution order, and start the next generation.
	next := st.pending[0]
	st.pending = st.pending[1:]

	userMsg, _, err := c.store.InsertUserMessage(ctx, session.PublicID, next.Content, next.Images, next.Model)
	if err != nil {
		log.Error().Err(err).Str("sessionId", session.PublicID).Msg("Failed to persist dequeued input")
		st.pending = nil
		st.active = false
		st.resetTurn()
		c.reg.DeliverToOwner(session.OwnerID, errorEvent(session.PublicID, "failed to persist queued input"))
		return
	}
	c.reg.DeliverToOwner(session.OwnerID, userMessageEvent(session.PublicID, userMsg))

	st.generation++
	nextGen := st.generation
	st.resetTurn()

	go c.dispatch(st, session, nextGen, next)
}

// applyOverrides layers per-input overrides over the assembled options.
// A restricted mode disables mutating tools for that turn.
func applyOverrides(opts *agent.Options, in Input) {
	if in.Model != "" {
		opts.Model = in.Model
	}
	if in.Thinking {
		opts.Thinking = true
	}
	if in.Mode != "" {
		opts.PermissionMode = in.Mode
		if in.Mode == "plan" || in.Mode == "readonly" {
			opts.DisallowedTools = append(opts.DisallowedTools, "Write", "Edit", "Bash")
		}
	}
}

// fail aborts the generation: the queue is discarded and the session returns
// to idle so a fresh submit can start clean.
func (c *Coordinator) fail(st *sessionState, session *models.ChatSession, gen uint64, message string) {
	st.mu.Lock()
	if gen != st.generation || !st.active {
		st.mu.Unlock()
		return
	}
	st.pending = nil
	st.active = false
	st.resetTurn()
	st.mu.Unlock()

	log.Error().
		Str("sessionId", session.PublicID).
		Str("error", message).
		Msg("Generation failed")
	c.reg.DeliverToOwner(session.OwnerID, errorEvent(session.PublicID, message))
}

// autoTitle derives the session title from the first user input once the
// first exchange lands. Called with st.mu held, keyed off message count so
// it runs at most once per session.
func (c *Coordinator) autoTitle(ctx context.Context, session *models.ChatSession) {
	first, err := c.store.FirstUserMessage(ctx, session.PublicID)
	if err != nil || first == "" {
		if err != nil {
			log.Warn().Err(err).Str("sessionId", session.PublicID).Msg("Failed to load first message for title")
		}
		return
	}

	title := strings.TrimSpace(first)
	if runes := []rune(title); len(runes) > titleLimit {
		title = string(runes[:titleLimit])
	}
	if title == "" {
		return
	}

	if err := c.store.SetSessionTitle(ctx, session.PublicID, title); err != nil {
		log.Warn().Err(err).Str("sessionId", session.PublicID).Msg("Failed to set session title")
		return
	}
	c.reg.DeliverToOwner(session.OwnerID, titleEvent(session.PublicID, title))
}

// Stop discards the session's queue and asks the adapter to terminate the
// active generation. The stream is still expected to end with an interrupted
// done event, which drives persistence. Unknown sessions are a no-op.
func (c *Coordinator) Stop(sessionPublicID string) {
	c.mu.Lock()
	st, ok := c.states[sessionPublicID]
	c.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	st.pending = nil
	active := st.active
	st.mu.Unlock()

	if active {
		log.Info().Str("sessionId", sessionPublicID).Msg("Stopping active generation")
		c.adapter.Stop(sessionPublicID)
	}
}

// StreamingSessions returns the public IDs of the owner's sessions with an
// active generation. Advisory only: state may change right after it returns.
func (c *Coordinator) StreamingSessions(owner string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []string
	for id, st := range c.states {
		st.mu.Lock()
		if st.active && st.owner == owner {
			out = append(out, id)
		}
		st.mu.Unlock()
	}
	return out
}

// Active reports whether the session currently has a running generation.
func (c *Coordinator) Active(sessionPublicID string) bool {
	c.mu.Lock()
	st, ok := c.states[sessionPublicID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.active
}
