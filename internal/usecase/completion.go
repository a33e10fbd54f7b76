package usecase

import (
	"context"
	"errors"

	"chat-relay/internal/domain"
)

// initialWindow is the starting size of the message window sent to the
// completion service.
const initialWindow = 10

const contextLengthExceededCode = "context_length_exceeded"

// completionCoder is implemented by completion-service errors that carry a
// machine-readable upstream error code.
type completionCoder interface {
	CompletionErrorCode() string
}

func isContextOverflow(err error) bool {
	var coder completionCoder
	return errors.As(err, &coder) && coder.CompletionErrorCode() == contextLengthExceededCode
}

// complete invokes the completion service with the trailing k messages of
// history plus the new user turn, shrinking k by one on every context
// overflow down to an empty window. Overflow is the only locally repaired
// failure; everything else is terminal for the request. The returned text
// may be empty, which callers treat as "no reply produced".
//
// Media events skip the history window entirely: the substituted prompt is
// sent alone, with no retry.
func (s *ChatService) complete(ctx context.Context, history []domain.Turn, userContent string, kind EventKind) (string, error) {
	userMsg := domain.ChatMessage{Role: domain.RoleUser, Content: userContent}

	if kind == EventMedia {
		text, err := s.llm.Chat(ctx, s.model, []domain.ChatMessage{userMsg})
		if err != nil {
			return "", newError(ErrorInternal, "completion_error", err)
		}
		return text, nil
	}

	window := make([]domain.ChatMessage, 0, len(history)+1)
	for _, t := range history {
		window = append(window, domain.ChatMessage{Role: t.Role, Content: t.Content})
	}
	window = append(window, userMsg)

	for k := initialWindow; ; k-- {
		text, err := s.llm.Chat(ctx, s.model, tailMessages(window, k))
		if err == nil {
			return text, nil
		}
		if !isContextOverflow(err) {
			return "", newError(ErrorInternal, "completion_error", err)
		}
		if k <= 0 {
			// Still overflowing with an empty window; nothing left to trim.
			return "", newError(ErrorInternal, "context_overflow_at_floor", err)
		}
	}
}

// tailMessages returns the trailing k messages of msgs.
func tailMessages(msgs []domain.ChatMessage, k int) []domain.ChatMessage {
	if k <= 0 {
		return []domain.ChatMessage{}
	}
	if len(msgs) <= k {
		return msgs
	}
	return msgs[len(msgs)-k:]
}
