package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"chat-relay/internal/domain"
)

const (
	// historyWindow bounds how many stored turns are ever read back.
	historyWindow = 10

	replyTimeout = 10 * time.Second
)

// gatingReplyText is sent on the channel when an unapproved consumer-app
// user writes in. Gated users never reach the completion service.
const gatingReplyText = "Your account is waiting for approval. An administrator has to approve you before I can chat with you."

// nonTextPrompt replaces non-text inbound content as the user turn, so a
// single canned completion is generated without conversation history.
const nonTextPrompt = "Only plain text messages are supported. Write a short, friendly note telling the user that."

// EventKind classifies an inbound webhook event for the pipeline.
type EventKind string

const (
	EventText     EventKind = "text"
	EventMedia    EventKind = "media"
	EventFollow   EventKind = "follow"
	EventUnfollow EventKind = "unfollow"
)

// Event is the uniform inbound event shape both platform webhooks map to.
type Event struct {
	Platform   domain.Platform
	Kind       EventKind
	UserID     string
	UserName   string
	Text       string
	Timestamp  time.Time
	ReplyToken string // consumer-app one-time reply token; empty for team chat
}

type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type LLMClient interface {
	Chat(ctx context.Context, model string, messages []domain.ChatMessage) (string, error)
}

type StateReadWriter interface {
	GetUser(ctx context.Context, platform domain.Platform, userID string) (domain.User, bool, error)
	PutUser(ctx context.Context, user domain.User) error
	RecentTurns(ctx context.Context, platform domain.Platform, userID string, limit int) ([]domain.Turn, error)
	AppendTurn(ctx context.Context, platform domain.Platform, userID string, turn domain.Turn) error
}

// Replier sends generated text back to the originating channel.
type Replier interface {
	Reply(ctx context.Context, ev Event, text string) error
}

// ChatService runs the conversation pipeline for one inbound event:
// authorize, load history, complete, reply, persist.
type ChatService struct {
	params      ParamGetter
	llm         LLMClient
	state       StateReadWriter
	repliers    map[domain.Platform]Replier
	logger      *slog.Logger
	paramPrefix string
	now         func() time.Time

	cacheMu     sync.RWMutex
	cacheLoaded bool
	model       string
}

func NewChatService(p ParamGetter, llm LLMClient, s StateReadWriter, repliers map[domain.Platform]Replier, logger *slog.Logger, paramPrefix string) (*ChatService, error) {
	if p == nil {
		return nil, errors.New("usecase: param getter must not be nil")
	}
	if llm == nil {
		return nil, errors.New("usecase: llm client must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: state store must not be nil")
	}
	if len(repliers) == 0 {
		return nil, errors.New("usecase: at least one replier is required")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("usecase: parameter prefix must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatService{
		params:      p,
		llm:         llm,
		state:       s,
		repliers:    repliers,
		logger:      logger,
		paramPrefix: paramPrefix,
		now:         time.Now,
	}, nil
}

// Process runs the pipeline for a single inbound event. Follow and
// unfollow events are acknowledged without any further action.
func (s *ChatService) Process(ctx context.Context, ev Event) error {
	switch ev.Kind {
	case EventFollow, EventUnfollow:
		return nil
	case EventText, EventMedia:
	default:
		return newError(ErrorInvalidArgument, "unknown_event_kind", nil)
	}
	if ev.UserID == "" {
		return newError(ErrorInvalidArgument, "missing_user_id", nil)
	}

	if err := s.authorize(ctx, ev); err != nil {
		return err
	}

	if ev.Kind == EventText && strings.TrimSpace(ev.Text) == "" {
		return newError(ErrorInvalidArgument, "empty_message_text", nil)
	}

	if err := s.ensureConfig(ctx); err != nil {
		return newError(ErrorInternal, "ssm_load_error", err)
	}

	userContent := ev.Text
	var history []domain.Turn
	if ev.Kind == EventText {
		h, err := s.state.RecentTurns(ctx, ev.Platform, ev.UserID, historyWindow)
		if err != nil {
			return newError(ErrorInternal, "history_load_error", err)
		}
		history = h
	} else {
		// Non-text content is not forwarded; a fixed instruction takes its
		// place as the recorded user turn.
		userContent = nonTextPrompt
	}

	reply, err := s.complete(ctx, history, userContent, ev.Kind)
	if err != nil {
		return err
	}

	userTurn := domain.Turn{Role: domain.RoleUser, Content: userContent, Timestamp: ev.Timestamp}

	if strings.TrimSpace(reply) == "" {
		// The call succeeded but produced nothing usable. The attempted
		// exchange is still recorded.
		if err := s.state.AppendTurn(ctx, ev.Platform, ev.UserID, userTurn); err != nil {
			return newError(ErrorInternal, "persist_error", err)
		}
		return newError(ErrorDataLoss, "empty_completion", nil)
	}

	s.dispatchReply(ev, reply)

	if err := s.state.AppendTurn(ctx, ev.Platform, ev.UserID, userTurn); err != nil {
		return newError(ErrorInternal, "persist_error", err)
	}
	assistantTurn := domain.Turn{Role: domain.RoleAssistant, Content: reply, Timestamp: s.now()}
	if err := s.state.AppendTurn(ctx, ev.Platform, ev.UserID, assistantTurn); err != nil {
		return newError(ErrorInternal, "persist_error", err)
	}
	return nil
}

// authorize enforces the approval gate, self-registering unseen users.
// Consumer-app users start unapproved and get an instructional reply;
// team-chat users are approved on first contact.
func (s *ChatService) authorize(ctx context.Context, ev Event) error {
	user, found, err := s.state.GetUser(ctx, ev.Platform, ev.UserID)
	if err != nil {
		return newError(ErrorInternal, "user_load_error", err)
	}

	if !found {
		user = domain.User{
			Platform: ev.Platform,
			UserID:   ev.UserID,
			UserName: ev.UserName,
			Approved: defaultApproval(ev.Platform),
		}
		if err := s.state.PutUser(ctx, user); err != nil {
			return newError(ErrorInternal, "user_create_error", err)
		}
	}
	if user.Approved {
		return nil
	}

	if ev.Platform == domain.PlatformLINE {
		s.sendGatingReply(ctx, ev)
	}
	return newError(ErrorPermissionDenied, "user_not_approved", nil)
}

func defaultApproval(platform domain.Platform) bool {
	return platform == domain.PlatformMattermost
}

// sendGatingReply tells a gated user how to proceed. Delivery failures are
// logged and never alter the pipeline result.
func (s *ChatService) sendGatingReply(ctx context.Context, ev Event) {
	replier, ok := s.repliers[ev.Platform]
	if !ok {
		s.logger.Warn("no replier configured", "platform", ev.Platform)
		return
	}
	if err := replier.Reply(ctx, ev, gatingReplyText); err != nil {
		s.logger.Warn("gating reply failed", "platform", ev.Platform, "userId", ev.UserID, "err", err)
	}
}

// dispatchReply sends the generated text back on the originating channel.
// Fire-and-forget: the request does not wait for delivery, and transport
// errors are only logged.
func (s *ChatService) dispatchReply(ev Event, text string) {
	replier, ok := s.repliers[ev.Platform]
	if !ok {
		s.logger.Warn("no replier configured", "platform", ev.Platform)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
		defer cancel()
		if err := replier.Reply(ctx, ev, text); err != nil {
			s.logger.Warn("reply dispatch failed", "platform", ev.Platform, "userId", ev.UserID, "err", err)
		}
	}()
}

func (s *ChatService) ensureConfig(ctx context.Context) error {
	s.cacheMu.RLock()
	if s.cacheLoaded {
		s.cacheMu.RUnlock()
		return nil
	}
	s.cacheMu.RUnlock()

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.cacheLoaded {
		return nil
	}

	model, err := s.params.GetParameter(ctx, s.paramPrefix+"/config/openai_model")
	if err != nil {
		return err
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return errors.New("usecase: configured model is empty")
	}

	s.model = model
	s.cacheLoaded = true
	return nil
}
