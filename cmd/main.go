package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

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

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := mustEnv("PARAM_PREFIX")

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	stateClient, err := repository.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create state client", "err", err)
		os.Exit(1)
	}
	openaiClient, err := openai.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create OpenAI client", "err", err)
		os.Exit(1)
	}
	lineClient, err := line.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create LINE client", "err", err)
		os.Exit(1)
	}
	mattermostClient, err := mattermost.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create Mattermost client", "err", err)
		os.Exit(1)
	}

	// ---- Pipeline ----
	lineReplier, err := handler.NewLINEReplier(lineClient)
	if err != nil {
		slog.Error("failed to create LINE replier", "err", err)
		os.Exit(1)
	}
	mattermostReplier, err := handler.NewMattermostReplier(mattermostClient)
	if err != nil {
		slog.Error("failed to create Mattermost replier", "err", err)
		os.Exit(1)
	}
	chatService, err := usecase.NewChatService(ssmClient, openaiClient, stateClient, map[domain.Platform]usecase.Replier{
		domain.PlatformLINE:       lineReplier,
		domain.PlatformMattermost: mattermostReplier,
	}, logger, paramPrefix)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService, lineClient, mattermostClient, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}
