package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"chat-relay/internal/domain"
)

const (
	skProfile    = "PROFILE"
	skPrefixTurn = "TURN#"
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Client wraps a DynamoDB table holding per-platform users and their
// conversation turns. One partition per user: a PROFILE item plus TURN#
// items keyed by timestamp.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// userPK returns the partition key for a platform user.
func userPK(platform domain.Platform, userID string) string {
	return strings.ToUpper(string(platform)) + "#" + userID
}

// turnSK returns the sort key for a turn. The timestamp prefix gives
// chronological ordering; the uuid suffix keeps same-instant writes from
// colliding.
func turnSK(ts time.Time) string {
	return skPrefixTurn + ts.UTC().Format(time.RFC3339Nano) + "#" + uuid.NewString()
}

// GetUser loads a user profile. The second return value is false when the
// user has never been seen.
func (c *Client) GetUser(ctx context.Context, platform domain.Platform, userID string) (domain.User, bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: userPK(platform, userID)},
			"SK": &types.AttributeValueMemberS{Value: skProfile},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.User{}, false, fmt.Errorf("repository: GetUser get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.User{}, false, nil
	}

	approved, err := boolAttr(out.Item, "approved")
	if err != nil {
		return domain.User{}, false, fmt.Errorf("repository: GetUser decode approved: %w", err)
	}
	userName, _ := strAttr(out.Item, "userName") // allow absent

	return domain.User{
		Platform: platform,
		UserID:   userID,
		UserName: userName,
		Approved: approved,
	}, true, nil
}

// PutUser writes or replaces a user profile item.
func (c *Client) PutUser(ctx context.Context, user domain.User) error {
	if user.UserID == "" {
		return errors.New("repository: PutUser: user id is required")
	}

	item := map[string]types.AttributeValue{
		"PK":       &types.AttributeValueMemberS{Value: userPK(user.Platform, user.UserID)},
		"SK":       &types.AttributeValueMemberS{Value: skProfile},
		"userId":   &types.AttributeValueMemberS{Value: user.UserID},
		"approved": &types.AttributeValueMemberBOOL{Value: user.Approved},
	}
	if user.UserName != "" {
		item["userName"] = &types.AttributeValueMemberS{Value: user.UserName}
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("repository: PutUser: %w", err)
	}
	return nil
}

// RecentTurns returns up to limit of the user's most recent turns in
// chronological order. The table is queried newest-first so LIMIT keeps
// the latest context, then reversed for model input.
func (c *Client) RecentTurns(ctx context.Context, platform domain.Platform, userID string, limit int) ([]domain.Turn, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: userPK(platform, userID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixTurn},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	}

	out, err := c.api.Query(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("repository: RecentTurns query: %w", err)
	}

	turns := make([]domain.Turn, 0, len(out.Items))
	for _, item := range out.Items {
		turn, err := itemToTurn(item)
		if err != nil {
			return nil, fmt.Errorf("repository: RecentTurns unmarshal: %w", err)
		}
		turns = append(turns, turn)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// AppendTurn durably writes one conversation turn. Each turn is an
// independent item write; there is no multi-turn transaction.
func (c *Client) AppendTurn(ctx context.Context, platform domain.Platform, userID string, turn domain.Turn) error {
	if userID == "" {
		return errors.New("repository: AppendTurn: user id is required")
	}
	if turn.Role == "" {
		return errors.New("repository: AppendTurn: role is required")
	}

	_, err := c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(c.tableName),
		Item: map[string]types.AttributeValue{
			"PK":      &types.AttributeValueMemberS{Value: userPK(platform, userID)},
			"SK":      &types.AttributeValueMemberS{Value: turnSK(turn.Timestamp)},
			"role":    &types.AttributeValueMemberS{Value: turn.Role},
			"content": &types.AttributeValueMemberS{Value: turn.Content},
			"ts":      &types.AttributeValueMemberS{Value: turn.Timestamp.UTC().Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// itemToTurn converts a DynamoDB attribute map to a Turn.
func itemToTurn(item map[string]types.AttributeValue) (domain.Turn, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.Turn{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.Turn{}, err
	}
	ts, _ := strAttr(item, "ts") // allow absent

	turn := domain.Turn{Role: role, Content: content}
	if ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return domain.Turn{}, fmt.Errorf("repository: parse attribute %q: %w", "ts", err)
		}
		turn.Timestamp = parsed
	}
	return turn, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) (bool, error) {
	v, ok := item[key]
	if !ok {
		return false, fmt.Errorf("repository: missing attribute %q", key)
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false, fmt.Errorf("repository: attribute %q is not a bool", key)
	}
	return b.Value, nil
}
