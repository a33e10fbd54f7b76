package handler

import (
	"context"
	"errors"

	"chat-relay/internal/usecase"
)

// LINEReplyAPI is the subset of the LINE client used for replies.
type LINEReplyAPI interface {
	Reply(ctx context.Context, replyToken, text string) error
}

// MattermostPostAPI is the subset of the Mattermost client used for replies.
type MattermostPostAPI interface {
	Post(ctx context.Context, text string) error
}

// LINEReplier adapts the LINE reply API to the pipeline's Replier,
// spending the event's one-time reply token.
type LINEReplier struct {
	api LINEReplyAPI
}

func NewLINEReplier(api LINEReplyAPI) (*LINEReplier, error) {
	if api == nil {
		return nil, errors.New("handler: line reply api must not be nil")
	}
	return &LINEReplier{api: api}, nil
}

func (r *LINEReplier) Reply(ctx context.Context, ev usecase.Event, text string) error {
	if ev.ReplyToken == "" {
		return errors.New("handler: line event has no reply token")
	}
	return r.api.Reply(ctx, ev.ReplyToken, text)
}

// MattermostReplier adapts the incoming-hook post API to the pipeline's
// Replier. The hook targets a fixed channel, so the event is unused.
type MattermostReplier struct {
	api MattermostPostAPI
}

func NewMattermostReplier(api MattermostPostAPI) (*MattermostReplier, error) {
	if api == nil {
		return nil, errors.New("handler: mattermost post api must not be nil")
	}
	return &MattermostReplier{api: api}, nil
}

func (r *MattermostReplier) Reply(ctx context.Context, _ usecase.Event, text string) error {
	return r.api.Post(ctx, text)
}
