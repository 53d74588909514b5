package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"

	"github.com/zhouzirui/anime-finder/backend/internal/config"
	"github.com/zhouzirui/anime-finder/backend/internal/model/chat"
)

var (
	ErrNotConfigured = errors.New("anime finder is not configured")
	ErrEmptyAnswer   = errors.New("chat model returned an empty answer")
	ErrSearchFailed  = errors.New("anime search failed")
)

// Error pairs a sentinel with the reply shown to the user in its place.
type Error struct {
	Err     error
	Message string
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// UserMessage is the text rendered in the transcript.
func (e *Error) UserMessage() string { return e.Message }

var (
	errNotConfigured = &Error{Err: ErrNotConfigured, Message: "The anime finder is not configured right now. Please try again later."}
	errEmptyAnswer   = &Error{Err: ErrEmptyAnswer, Message: "The anime finder returned an empty answer. Please try again."}
	errSearchFailed  = &Error{Err: ErrSearchFailed, Message: "Sorry, I couldn't search for that right now. Please try again."}
)

// Service answers anime queries through an eino chain over a chat model.
type Service struct {
	chatModel model.ChatModel
	chain     compose.Runnable[map[string]any, *schema.Message]
	logger    *zap.Logger
}

// NewService creates the chat model from cfg and compiles the answer chain.
func NewService(ctx context.Context, cfg config.AIConfig, logger *zap.Logger) (*Service, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return NewServiceWithModel(ctx, chatModel, logger)
}

// NewServiceWithModel compiles the answer chain over an existing chat model.
func NewServiceWithModel(ctx context.Context, chatModel model.ChatModel, logger *zap.Logger) (*Service, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.UserMessage(userPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile answer chain: %w", err)
	}

	return &Service{
		chatModel: chatModel,
		chain:     runnable,
		logger:    logger,
	}, nil
}

// FindAnimeLinks answers query given the conversation so far.
func (s *Service) FindAnimeLinks(ctx context.Context, query, history string) (chat.Answer, error) {
	response, err := s.chain.Invoke(ctx, buildChainInput(query, history))
	if err != nil {
		s.logger.Error("answer chain failed", zap.Error(err))
		return chat.Answer{}, errSearchFailed
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		s.logger.Warn("answer chain returned no content")
		return chat.Answer{}, errEmptyAnswer
	}

	answer := parseAnswer(response.Content)
	s.logger.Info("answer generated",
		zap.Int("length", len(answer.ResponseText)),
		zap.Int("links", len(answer.FoundLinks)))
	return answer, nil
}

// Unavailable is the answerer used when no chat model is configured.
type Unavailable struct{}

// FindAnimeLinks always fails with ErrNotConfigured.
func (Unavailable) FindAnimeLinks(context.Context, string, string) (chat.Answer, error) {
	return chat.Answer{}, errNotConfigured
}
