// Package conversation orchestrates sending a message: it records the user
// turn, asks the relay for a reply and persists the resulting transcript.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/qmuntal/stateless"

	"github.com/comigor/lmchat/internal/history"
	"github.com/comigor/lmchat/internal/llm"
	"github.com/comigor/lmchat/internal/logger"
)

var (
	ErrNoModelSelected = errors.New("no model selected")
	ErrEmptyMessage    = errors.New("message content is empty")
	ErrSendInProgress  = errors.New("a message is already being sent in this conversation")
)

// NoResponseText replaces an empty assistant reply.
const NoResponseText = "No response"

const maxTitleRunes = 60

// SendState is a state of the per-send state machine.
type SendState string

const (
	StateIdle      SendState = "Idle"
	StateSending   SendState = "Sending"
	StateCompleted SendState = "Completed" // terminal: reply stored
	StateFailed    SendState = "Failed"    // terminal: error stored as assistant message
)

// SendTrigger drives the per-send state machine.
type SendTrigger string

const (
	TriggerSend           SendTrigger = "Send"
	TriggerRelaySucceeded SendTrigger = "RelaySucceeded"
	TriggerRelayFailed    SendTrigger = "RelayFailed"
)

// Relay is what the controller needs from llm.Relay.
type Relay interface {
	Complete(ctx context.Context, model string, msgs []llm.Message) (string, error)
	Stream(ctx context.Context, model string, msgs []llm.Message, onFragment func(string) error) (string, error)
}

// Observer is told about a send while it is in progress.
type Observer interface {
	// UserMessage is called once the user turn is recorded, before the relay runs.
	UserMessage(conversationID string, msg history.Message)
	// Fragment receives streamed reply text. Returning an error aborts the relay.
	Fragment(text string) error
}

// SendRequest is one user turn. An empty ConversationID starts a new conversation.
type SendRequest struct {
	ConversationID string
	Content        string
	Model          string
	Stream         bool
}

// SendResult describes what was persisted.
type SendResult struct {
	ConversationID string
	Title          string
	Model          string
	User           history.Message
	Assistant      history.Message
	State          SendState
	// RelayErr is set when State is StateFailed.
	RelayErr error
}

// Failed reports whether the relay failed and the assistant message carries the error.
func (r *SendResult) Failed() bool {
	return r.State == StateFailed
}

// Controller implements the send operation.
type Controller struct {
	store history.Store
	relay Relay
	now   func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a Controller.
func New(store history.Store, relay Relay) *Controller {
	return &Controller{
		store:    store,
		relay:    relay,
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
}

// Send appends the user's message to the conversation, relays the history
// upstream and stores the reply. A relay failure is not returned as an error:
// it is stored as an assistant message and reported through the result.
// Errors are returned only for invalid input or when persisting fails.
func (c *Controller) Send(ctx context.Context, req SendRequest, obs Observer) (*SendResult, error) {
	if strings.TrimSpace(req.Model) == "" {
		return nil, ErrNoModelSelected
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, ErrEmptyMessage
	}

	id := req.ConversationID
	if id == "" {
		id = history.NewID()
	}
	// The slot covers the whole read-modify-write of the transcript.
	if !c.acquire(id) {
		return nil, ErrSendInProgress
	}
	defer c.release(id)

	conv, err := c.resolve(ctx, id, req.ConversationID == "")
	if err != nil {
		return nil, err
	}

	res := &SendResult{ConversationID: conv.ID, Model: req.Model}
	// Persisting the outcome must survive the caller going away mid-stream.
	persistCtx := context.WithoutCancel(ctx)

	fsm := stateless.NewStateMachine(StateIdle)
	fsm.Configure(StateIdle).
		Permit(TriggerSend, StateSending)

	fsm.Configure(StateSending).
		OnEntry(func(_ context.Context, _ ...any) error {
			res.User = history.Message{
				ID:        history.NewMessageID(),
				Role:      history.RoleUser,
				Content:   content,
				Timestamp: c.now(),
			}
			if len(conv.Messages) == 0 && conv.Title == "" {
				conv.Title = titleFrom(content)
			}
			conv.Messages = append(conv.Messages, res.User)
			if obs != nil {
				obs.UserMessage(conv.ID, res.User)
			}
			return nil
		}).
		Permit(TriggerRelaySucceeded, StateCompleted).
		Permit(TriggerRelayFailed, StateFailed)

	fsm.Configure(StateCompleted).
		OnEntryFrom(TriggerRelaySucceeded, func(_ context.Context, args ...any) error {
			text, _ := args[0].(string)
			if strings.TrimSpace(text) == "" {
				text = NoResponseText
			}
			res.Assistant = c.assistant(text)
			return nil
		})

	fsm.Configure(StateFailed).
		OnEntryFrom(TriggerRelayFailed, func(_ context.Context, args ...any) error {
			relayErr, _ := args[0].(error)
			res.RelayErr = relayErr
			res.Assistant = c.assistant(errorText(relayErr))
			return nil
		})

	if err := fsm.FireCtx(ctx, TriggerSend); err != nil {
		return nil, fmt.Errorf("send state machine: %w", err)
	}

	upstream := make([]llm.Message, len(conv.Messages))
	for i, m := range conv.Messages {
		upstream[i] = llm.Message{Role: string(m.Role), Content: m.Content}
	}

	var text string
	var relayErr error
	if req.Stream {
		onFragment := func(string) error { return nil }
		if obs != nil {
			onFragment = obs.Fragment
		}
		text, relayErr = c.relay.Stream(ctx, req.Model, upstream, onFragment)
	} else {
		text, relayErr = c.relay.Complete(ctx, req.Model, upstream)
	}

	if relayErr != nil {
		logger.L.Warn("relay failed", "conversation", conv.ID, "model", req.Model, "error", relayErr)
		err = fsm.FireCtx(persistCtx, TriggerRelayFailed, relayErr)
	} else {
		err = fsm.FireCtx(persistCtx, TriggerRelaySucceeded, text)
	}
	if err != nil {
		return nil, fmt.Errorf("send state machine: %w", err)
	}

	state, err := fsm.State(persistCtx)
	if err != nil {
		return nil, fmt.Errorf("send state machine: %w", err)
	}
	res.State = state.(SendState)

	conv.Messages = append(conv.Messages, res.Assistant)
	if _, err := c.store.Upsert(persistCtx, conv); err != nil {
		return nil, fmt.Errorf("persist conversation %s: %w", conv.ID, err)
	}
	res.Title = conv.Title

	logger.L.Info("message sent", "conversation", conv.ID, "model", req.Model, "state", res.State, "messages", len(conv.Messages))
	return res, nil
}

// resolve loads the conversation, or starts a fresh one when it is new or unknown.
func (c *Controller) resolve(ctx context.Context, id string, fresh bool) (*history.Conversation, error) {
	if fresh {
		return &history.Conversation{ID: id, Messages: []history.Message{}}, nil
	}
	conv, err := c.store.Get(ctx, id)
	if errors.Is(err, history.ErrNotFound) {
		return &history.Conversation{ID: id, Messages: []history.Message{}}, nil
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (c *Controller) assistant(text string) history.Message {
	return history.Message{
		ID:        history.NewMessageID(),
		Role:      history.RoleAssistant,
		Content:   text,
		Timestamp: c.now(),
	}
}

func (c *Controller) acquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[id]; busy {
		return false
	}
	c.inflight[id] = struct{}{}
	return true
}

func (c *Controller) release(id string) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

func errorText(err error) string {
	if err == nil {
		return "⚠️ unknown error"
	}
	return "⚠️ " + err.Error()
}

// titleFrom names a conversation after the first line of its first message.
func titleFrom(content string) string {
	line, _, _ := strings.Cut(content, "\n")
	line = strings.Join(strings.Fields(line), " ")
	if utf8.RuneCountInString(line) <= maxTitleRunes {
		return line
	}
	runes := []rune(line)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "…"
}
