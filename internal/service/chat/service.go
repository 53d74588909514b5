package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/anime-finder/backend/internal/ledger"
	"github.com/zhouzirui/anime-finder/backend/internal/model/chat"
)

var (
	ErrEmptyInput = errors.New("message is empty")
	ErrBusy       = errors.New("still waiting for the previous answer")
	ErrStaleTurn  = errors.New("turn is no longer awaiting an answer")
	// ErrInsufficientTokens is the ledger sentinel, re-exported for callers
	// that only import this package.
	ErrInsufficientTokens = ledger.ErrInsufficientTokens
)

// GreetingID is the fixed id of the opening AI message.
const GreetingID = "initial"

// DefaultGreeting opens every new transcript.
const DefaultGreeting = "Hello! What anime are you looking for today? For example, you can ask me for 'Chainsaw Man episode 1'."

const fallbackFailureText = "Sorry, I encountered an issue. Please try again."

// userMessager is implemented by answering errors that carry their own reply.
type userMessager interface {
	UserMessage() string
}

// Answerer is the natural-language answering service.
type Answerer interface {
	FindAnimeLinks(ctx context.Context, query, history string) (chat.Answer, error)
}

// Ledger is the part of the token ledger a chat session spends from.
type Ledger interface {
	Balance(ctx context.Context) (int, error)
	SpendToken(ctx context.Context) error
}

// Turn is one accepted submission awaiting its answer.
type Turn struct {
	Query       string
	History     string
	UserMessage chat.Message
	Placeholder chat.Message

	done   chan struct{}
	result chat.Message
}

// Done is closed once the turn is resolved or failed.
func (t *Turn) Done() <-chan struct{} {
	return t.done
}

// Result returns the AI message that replaced the placeholder. It is only
// meaningful after Done is closed.
func (t *Turn) Result() chat.Message {
	return t.result
}

// Wait blocks until the turn ends or ctx is done.
func (t *Turn) Wait(ctx context.Context) (chat.Message, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return chat.Message{}, ctx.Err()
	}
}

// Session owns a transcript and serialises its turns: at most one turn is
// awaiting an answer, and its placeholder is the only mutable message.
type Session struct {
	mu         sync.Mutex
	ledger     Ledger
	answerer   Answerer
	logger     *zap.Logger
	newID      func() string
	onChange   func()
	transcript []chat.Message
	pending    *Turn
}

// Option customises a Session.
type Option func(*Session)

// WithIDGenerator replaces the message id source.
func WithIDGenerator(fn func() string) Option {
	return func(s *Session) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithChangeHook registers fn to run after every transcript change.
func WithChangeHook(fn func()) Option {
	return func(s *Session) {
		s.onChange = fn
	}
}

// WithGreeting overrides the opening message; an empty text starts empty.
func WithGreeting(text string) Option {
	return func(s *Session) {
		s.transcript = s.transcript[:0]
		if text != "" {
			s.transcript = append(s.transcript, chat.Message{ID: GreetingID, Sender: chat.SenderAI, Text: text})
		}
	}
}

// NewSession starts a transcript with the default greeting.
func NewSession(l Ledger, answerer Answerer, logger *zap.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		ledger:   l,
		answerer: answerer,
		logger:   logger,
		newID:    uuid.NewString,
		transcript: []chat.Message{
			{ID: GreetingID, Sender: chat.SenderAI, Text: DefaultGreeting},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit accepts input as a new turn. It rejects empty input, a busy session
// and an exhausted balance without touching the transcript or the ledger.
// On acceptance one token is spent before the answer is requested; the cost
// is not refunded if the answer fails.
func (s *Session) Submit(ctx context.Context, input string) (*Turn, error) {
	query := strings.TrimSpace(input)
	if query == "" {
		return nil, ErrEmptyInput
	}

	s.mu.Lock()
	turn, err := s.submitLocked(ctx, query)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.logger.Info("turn submitted",
		zap.String("placeholder", turn.Placeholder.ID),
		zap.Int("queryLength", len(query)))
	s.changed()
	return turn, nil
}

func (s *Session) submitLocked(ctx context.Context, query string) (*Turn, error) {
	if s.pending != nil {
		return nil, ErrBusy
	}

	tokens, err := s.ledger.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	if tokens <= 0 {
		return nil, ErrInsufficientTokens
	}

	history := s.historyLocked()

	// The spend and both appends happen under one lock, so no observer sees
	// a user message without its matching spend.
	if err := s.ledger.SpendToken(ctx); err != nil {
		if errors.Is(err, ledger.ErrInsufficientTokens) {
			return nil, ErrInsufficientTokens
		}
		return nil, err
	}

	turn := &Turn{
		Query:       query,
		History:     history,
		UserMessage: chat.Message{ID: s.newID(), Sender: chat.SenderUser, Text: query},
		Placeholder: chat.Message{ID: s.newID(), Sender: chat.SenderAI, IsLoading: true},
		done:        make(chan struct{}),
	}
	s.transcript = append(s.transcript, turn.UserMessage, turn.Placeholder)
	s.pending = turn
	return turn, nil
}

// Complete asks the answering service for turn's answer and resolves or
// fails the turn with the outcome. There is no timeout: the call always ends
// the turn one way or the other.
func (s *Session) Complete(ctx context.Context, turn *Turn) (chat.Message, error) {
	answer, err := s.answerer.FindAnimeLinks(ctx, turn.Query, turn.History)
	if err != nil {
		s.logger.Warn("answering service failed",
			zap.String("placeholder", turn.Placeholder.ID),
			zap.Error(err))
		return s.Fail(turn.Placeholder.ID, err)
	}
	return s.Resolve(turn.Placeholder.ID, answer)
}

// Resolve replaces the placeholder identified by placeholderID with the answer.
func (s *Session) Resolve(placeholderID string, answer chat.Answer) (chat.Message, error) {
	msg := chat.Message{
		Sender: chat.SenderAI,
		Text:   answer.ResponseText,
		Links:  append([]chat.Link(nil), answer.FoundLinks...),
	}
	return s.finish(placeholderID, msg)
}

// Fail replaces the placeholder with a message describing cause. A cause
// carrying a UserMessage is rendered with that text instead of its error string.
func (s *Session) Fail(placeholderID string, cause error) (chat.Message, error) {
	text := ""
	var um userMessager
	switch {
	case errors.As(cause, &um):
		text = strings.TrimSpace(um.UserMessage())
	case cause != nil:
		text = strings.TrimSpace(cause.Error())
	}
	if text == "" {
		text = fallbackFailureText
	}
	return s.finish(placeholderID, chat.Message{Sender: chat.SenderAI, Text: text})
}

func (s *Session) finish(placeholderID string, msg chat.Message) (chat.Message, error) {
	s.mu.Lock()
	turn := s.pending
	if turn == nil || turn.Placeholder.ID != placeholderID {
		s.mu.Unlock()
		return chat.Message{}, ErrStaleTurn
	}

	msg.ID = s.newID()
	kept := s.transcript[:0]
	for _, m := range s.transcript {
		if m.ID != placeholderID {
			kept = append(kept, m)
		}
	}
	s.transcript = append(kept, msg)
	s.pending = nil
	turn.result = msg
	close(turn.done)
	s.mu.Unlock()

	s.logger.Info("turn finished",
		zap.String("placeholder", placeholderID),
		zap.Int("links", len(msg.Links)))
	s.changed()
	return msg.Clone(), nil
}

// Busy reports whether a turn is awaiting its answer.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Transcript returns a copy of the messages in insertion order.
func (s *Session) Transcript() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.transcript))
	for i, m := range s.transcript {
		out[i] = m.Clone()
	}
	return out
}

// History renders the transcript as "sender: text" lines, oldest first.
func (s *Session) History() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyLocked()
}

func (s *Session) historyLocked() string {
	lines := make([]string, 0, len(s.transcript))
	for _, m := range s.transcript {
		lines = append(lines, string(m.Sender)+": "+m.Text)
	}
	return strings.Join(lines, "\n")
}

func (s *Session) changed() {
	if s.onChange != nil {
		s.onChange()
	}
}
