// Local development runner. Serves the Lambda handler over plain HTTP so
// the webhook routes can be exercised with curl or a tunnel, with
// configuration loaded from .env.
package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"

	"chat-relay/handler"
	"chat-relay/internal/domain"
	"chat-relay/internal/integrations/line"
	"chat-relay/internal/integrations/mattermost"
	"chat-relay/internal/integrations/openai"
	"chat-relay/internal/integrations/paramstore"
	"chat-relay/internal/repository"
	"chat-relay/internal/usecase"
)

func main() {
	ctx := context.Background()
	logger := slog.Default()

	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file loaded", "err", err)
	}

	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		fatal("failed to load AWS config", err)
	}

	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		fatal("failed to create SSM client", err)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		fatal("failed to create state client", err)
	}
	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		fatal("failed to create OpenAI client", err)
	}
	lineClient, err := line.NewClient(ssmClient, paramPrefix)
	if err != nil {
		fatal("failed to create LINE client", err)
	}
	mattermostClient, err := mattermost.NewClient(ssmClient, paramPrefix)
	if err != nil {
		fatal("failed to create Mattermost client", err)
	}

	lineReplier, err := handler.NewLINEReplier(lineClient)
	if err != nil {
		fatal("failed to create LINE replier", err)
	}
	mattermostReplier, err := handler.NewMattermostReplier(mattermostClient)
	if err != nil {
		fatal("failed to create Mattermost replier", err)
	}
	chatService, err := usecase.NewChatService(ssmClient, openaiClient, stateClient, map[domain.Platform]usecase.Replier{
		domain.PlatformLINE:       lineReplier,
		domain.PlatformMattermost: mattermostReplier,
	}, logger, paramPrefix)
	if err != nil {
		fatal("failed to create chat service", err)
	}

	h, err := handler.NewHandler(chatService, lineClient, mattermostClient, logger)
	if err != nil {
		fatal("failed to create handler", err)
	}

	logger.Info("listening", "addr", addr)
	if err := http.ListenAndServe(addr, adapt(h)); err != nil {
		fatal("server stopped", err)
	}
}

// adapt bridges net/http requests to the Lambda proxy event shape.
func adapt(h *handler.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}

		headers := make(map[string]string, len(r.Header))
		for k := range r.Header {
			headers[k] = r.Header.Get(k)
		}

		resp, err := h.Handle(r.Context(), events.APIGatewayProxyRequest{
			HTTPMethod: r.Method,
			Path:       r.URL.Path,
			Headers:    headers,
			Body:       string(body),
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.WriteString(w, resp.Body)
	})
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
