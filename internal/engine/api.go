package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
)

// APIEngine talks to the Anthropic Messages API directly. It has no tool
// runtime: each invocation is one assistant turn. Conversation history is
// kept in memory per resume token, so resumes do not survive a restart.
type APIEngine struct {
	api       *anthropic.Client
	model     anthropic.Model
	maxTokens int64
	logger    *slog.Logger

	mu      sync.Mutex
	history map[string][]anthropic.MessageParam
}

// NewAPIEngine creates an API-backed engine.
func NewAPIEngine(apiKey, model string, maxTokens int64, logger *slog.Logger) *APIEngine {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIEngine{
		api:       &client,
		model:     anthropic.Model(model),
		maxTokens: maxTokens,
		logger:    logger.With("component", "engine.api"),
		history:   make(map[string][]anthropic.MessageParam),
	}
}

// Start sends req.Prompt as the next user turn of the conversation named by
// req.ResumeToken, or of a new conversation.
func (e *APIEngine) Start(ctx context.Context, req Request) (Stream, error) {
	token := req.ResumeToken
	e.mu.Lock()
	prior, ok := e.history[token]
	e.mu.Unlock()
	if token == "" || !ok {
		if token != "" {
			e.logger.Warn("unknown resume token, starting new conversation", "token", token)
		}
		token = uuid.NewString()
	}

	messages := append(append([]anthropic.MessageParam{}, prior...),
		anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)))

	ctx, cancel := context.WithCancel(ctx)
	s := &apiStream{
		events: make(chan Event),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go e.run(ctx, s, token, req, messages)
	return s, nil
}

func (e *APIEngine) run(ctx context.Context, s *apiStream, token string, req Request, messages []anthropic.MessageParam) {
	defer close(s.done)
	defer close(s.events)
	defer s.cancel()

	if !s.send(ctx, InitEvent{Session: token, Model: string(e.model)}) {
		return
	}

	started := time.Now()
	params := anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: e.maxTokens,
		Messages:  messages,
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	msg, err := e.api.Messages.New(ctx, params)
	if err != nil {
		if ctx.Err() == nil {
			s.err = fmt.Errorf("anthropic API call: %w", err)
		}
		return
	}

	ev := AssistantEvent{Session: token}
	var text []string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			ev.Blocks = append(ev.Blocks, TextBlock{Text: block.Text})
			text = append(text, block.Text)
		case "tool_use":
			ev.Blocks = append(ev.Blocks, ToolUseBlock{ID: block.ID, Name: block.Name, Input: block.Input})
		}
	}

	e.mu.Lock()
	e.history[token] = append(messages, msg.ToParam())
	e.mu.Unlock()

	if !s.send(ctx, ev) {
		return
	}
	s.send(ctx, ResultEvent{
		Session:    token,
		Subtype:    "success",
		Result:     strings.Join(text, "\n"),
		NumTurns:   1,
		DurationMS: time.Since(started).Milliseconds(),
	})
}

type apiStream struct {
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc
	err    error
}

func (s *apiStream) send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *apiStream) Events() <-chan Event { return s.events }

func (s *apiStream) Err() error {
	<-s.done
	return s.err
}

func (s *apiStream) Close() error {
	s.cancel()
	<-s.done
	return nil
}
