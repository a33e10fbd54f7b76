package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/line"
	"chat-relay/internal/integrations/mattermost"
	"chat-relay/internal/usecase"
)

// ackBody is the fixed acknowledgement returned to the platform's webhook
// dispatcher on success.
const ackBody = "HTTP POST request sent to the webhook URL."

const (
	pathLINE       = "/webhook/line"
	pathMattermost = "/webhook/mattermost"
)

// Pipeline is the conversation pipeline consumed per mapped event.
type Pipeline interface {
	Process(ctx context.Context, ev usecase.Event) error
}

type lineVerifier interface {
	ValidateSignature(ctx context.Context, signature string, body []byte) (bool, error)
}

type mattermostVerifier interface {
	ValidateToken(ctx context.Context, token string) (bool, error)
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// Handler terminates the webhook HTTP surface: it authenticates each
// request for its platform, maps the payload to uniform pipeline events,
// and translates pipeline errors to HTTP statuses.
type Handler struct {
	pipeline   Pipeline
	line       lineVerifier
	mattermost mattermostVerifier
	logger     *slog.Logger
}

func NewHandler(pipeline Pipeline, lineV lineVerifier, mattermostV mattermostVerifier, logger *slog.Logger) (*Handler, error) {
	if pipeline == nil {
		return nil, errors.New("handler: pipeline must not be nil")
	}
	if lineV == nil {
		return nil, errors.New("handler: line verifier must not be nil")
	}
	if mattermostV == nil {
		return nil, errors.New("handler: mattermost verifier must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{pipeline: pipeline, line: lineV, mattermost: mattermostV, logger: logger}, nil
}

// Handle processes one API Gateway proxy event.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)

	var err error
	switch req.Path {
	case pathLINE:
		err = h.handleLINE(ctx, req)
	case pathMattermost:
		err = h.handleMattermost(ctx, req)
	default:
		return jsonError(http.StatusNotFound, usecase.ErrorInvalidArgument, "unknown_route", corrID), nil
	}

	if err != nil {
		code, reason := errorDetails(err)
		status := statusFor(code)
		if status >= http.StatusInternalServerError {
			h.logger.Error("webhook failed", "path", req.Path, "code", code, "reason", reason, "correlationId", corrID, "err", err)
		} else {
			h.logger.Warn("webhook rejected", "path", req.Path, "code", code, "reason", reason, "correlationId", corrID)
		}
		return jsonError(status, code, reason, corrID), nil
	}

	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers: map[string]string{
			"Content-Type":     "text/plain",
			"X-Correlation-Id": corrID,
		},
		Body: ackBody,
	}, nil
}

func (h *Handler) handleLINE(ctx context.Context, req events.APIGatewayProxyRequest) error {
	ok, err := h.line.ValidateSignature(ctx, header(req.Headers, line.SignatureHeader), []byte(req.Body))
	if err != nil {
		return &usecase.Error{Code: usecase.ErrorInternal, Reason: "signature_check_error", Err: err}
	}
	if !ok {
		return &usecase.Error{Code: usecase.ErrorUnauthenticated, Reason: "bad_signature"}
	}
	if req.HTTPMethod != http.MethodPost {
		return &usecase.Error{Code: usecase.ErrorInvalidArgument, Reason: "method_not_allowed"}
	}

	wh, err := line.ParseWebhook([]byte(req.Body))
	if err != nil {
		return &usecase.Error{Code: usecase.ErrorInvalidArgument, Reason: "malformed_body", Err: err}
	}

	for _, e := range wh.Events {
		ev, ok := mapLINEEvent(e)
		if !ok {
			continue
		}
		if err := h.pipeline.Process(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) handleMattermost(ctx context.Context, req events.APIGatewayProxyRequest) error {
	wh, err := mattermost.ParseWebhook([]byte(req.Body))
	if err != nil {
		// A body the platform did not shape cannot carry a valid token.
		return &usecase.Error{Code: usecase.ErrorUnauthenticated, Reason: "malformed_body", Err: err}
	}

	ok, err := h.mattermost.ValidateToken(ctx, wh.Token)
	if err != nil {
		return &usecase.Error{Code: usecase.ErrorInternal, Reason: "token_check_error", Err: err}
	}
	if !ok {
		return &usecase.Error{Code: usecase.ErrorUnauthenticated, Reason: "bad_token"}
	}
	if req.HTTPMethod != http.MethodPost {
		return &usecase.Error{Code: usecase.ErrorInvalidArgument, Reason: "method_not_allowed"}
	}

	return h.pipeline.Process(ctx, usecase.Event{
		Platform:  domain.PlatformMattermost,
		Kind:      usecase.EventText,
		UserID:    wh.UserID,
		UserName:  wh.UserName,
		Text:      wh.Text,
		Timestamp: wh.Time(),
	})
}

// mapLINEEvent translates a platform event into the pipeline's uniform
// shape. Unknown event types are skipped.
func mapLINEEvent(e line.Event) (usecase.Event, bool) {
	ev := usecase.Event{
		Platform:   domain.PlatformLINE,
		UserID:     e.Source.UserID,
		Timestamp:  e.Time(),
		ReplyToken: e.ReplyToken,
	}
	switch e.Type {
	case line.EventTypeMessage:
		if e.Message != nil && e.Message.Type == line.MessageTypeText {
			ev.Kind = usecase.EventText
			ev.Text = e.Message.Text
		} else {
			ev.Kind = usecase.EventMedia
		}
	case line.EventTypeFollow:
		ev.Kind = usecase.EventFollow
	case line.EventTypeUnfollow:
		ev.Kind = usecase.EventUnfollow
	default:
		return usecase.Event{}, false
	}
	return ev, true
}

func errorDetails(err error) (usecase.ErrorCode, string) {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		return ucErr.Code, ucErr.Reason
	}
	return usecase.ErrorInternal, "unhandled_error"
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorUnauthenticated:
		return http.StatusUnauthorized
	case usecase.ErrorInvalidArgument:
		return http.StatusBadRequest
	case usecase.ErrorPermissionDenied:
		return http.StatusForbidden
	case usecase.ErrorDataLoss, usecase.ErrorInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func jsonError(status int, code usecase.ErrorCode, reason, corrID string) events.APIGatewayProxyResponse {
	body, _ := json.Marshal(errorResponse{Error: string(code), Reason: reason})
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":     "application/json",
			"X-Correlation-Id": corrID,
		},
		Body: string(body),
	}
}

// header does a case-insensitive lookup in the proxy event header map.
func header(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func correlationID(headers map[string]string) string {
	if v := header(headers, "x-correlation-id"); v != "" {
		return v
	}
	return uuid.NewString()
}
