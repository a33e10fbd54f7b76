package repository

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"

	"chat-relay/internal/domain"
)

type fakeDynamo struct {
	getOut *dynamodb.GetItemOutput
	getErr error
	getIn  *dynamodb.GetItemInput

	putErr error
	putIns []*dynamodb.PutItemInput

	queryOut *dynamodb.QueryOutput
	queryErr error
	queryIn  *dynamodb.QueryInput
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.getIn = in
	return f.getOut, f.getErr
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.putIns = append(f.putIns, in)
	return &dynamodb.PutItemOutput{}, f.putErr
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.queryIn = in
	return f.queryOut, f.queryErr
}

func newTestClient(t *testing.T, api dynamodbAPI) *Client {
	t.Helper()
	c, err := New(api, "conversation-state")
	require.NoError(t, err)
	return c
}

func s(v string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: v}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "conversation-state")
	require.Error(t, err)

	_, err = New(&fakeDynamo{}, "  ")
	require.Error(t, err)
}

func TestUserPK(t *testing.T) {
	require.Equal(t, "LINE#U123", userPK(domain.PlatformLINE, "U123"))
	require.Equal(t, "MATTERMOST#u1", userPK(domain.PlatformMattermost, "u1"))
}

func TestTurnSK(t *testing.T) {
	ts := time.Date(2023, 4, 1, 12, 0, 0, 500000000, time.UTC)
	sk := turnSK(ts)
	require.True(t, strings.HasPrefix(sk, "TURN#2023-04-01T12:00:00.5Z#"), sk)

	// The uuid suffix keeps same-instant turns from colliding.
	require.NotEqual(t, sk, turnSK(ts))
}

func TestGetUser(t *testing.T) {
	api := &fakeDynamo{getOut: &dynamodb.GetItemOutput{
		Item: map[string]types.AttributeValue{
			"PK":       s("LINE#U123"),
			"SK":       s("PROFILE"),
			"userId":   s("U123"),
			"userName": s("sam"),
			"approved": &types.AttributeValueMemberBOOL{Value: true},
		},
	}}
	c := newTestClient(t, api)

	user, found, err := c.GetUser(context.Background(), domain.PlatformLINE, "U123")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.User{
		Platform: domain.PlatformLINE,
		UserID:   "U123",
		UserName: "sam",
		Approved: true,
	}, user)

	require.Equal(t, "conversation-state", *api.getIn.TableName)
	require.Equal(t, s("LINE#U123"), api.getIn.Key["PK"])
	require.Equal(t, s("PROFILE"), api.getIn.Key["SK"])
	require.NotNil(t, api.getIn.ConsistentRead)
	require.True(t, *api.getIn.ConsistentRead)
}

func TestGetUser_NotFound(t *testing.T) {
	c := newTestClient(t, &fakeDynamo{getOut: &dynamodb.GetItemOutput{}})

	_, found, err := c.GetUser(context.Background(), domain.PlatformLINE, "U404")
	require.NoError(t, err)
	require.False(t, found)
}

func TestGetUser_MissingUserNameIsAllowed(t *testing.T) {
	api := &fakeDynamo{getOut: &dynamodb.GetItemOutput{
		Item: map[string]types.AttributeValue{
			"userId":   s("U123"),
			"approved": &types.AttributeValueMemberBOOL{Value: false},
		},
	}}
	c := newTestClient(t, api)

	user, found, err := c.GetUser(context.Background(), domain.PlatformLINE, "U123")
	require.NoError(t, err)
	require.True(t, found)
	require.Empty(t, user.UserName)
	require.False(t, user.Approved)
}

func TestGetUser_BadApprovedAttribute(t *testing.T) {
	api := &fakeDynamo{getOut: &dynamodb.GetItemOutput{
		Item: map[string]types.AttributeValue{
			"userId":   s("U123"),
			"approved": s("yes"),
		},
	}}
	c := newTestClient(t, api)

	_, _, err := c.GetUser(context.Background(), domain.PlatformLINE, "U123")
	require.Error(t, err)
}

func TestGetUser_APIError(t *testing.T) {
	c := newTestClient(t, &fakeDynamo{getErr: errors.New("throttled")})

	_, _, err := c.GetUser(context.Background(), domain.PlatformLINE, "U123")
	require.Error(t, err)
	require.Contains(t, err.Error(), "throttled")
}

func TestPutUser(t *testing.T) {
	api := &fakeDynamo{}
	c := newTestClient(t, api)

	err := c.PutUser(context.Background(), domain.User{
		Platform: domain.PlatformMattermost,
		UserID:   "u1",
		UserName: "sam",
		Approved: true,
	})
	require.NoError(t, err)
	require.Len(t, api.putIns, 1)

	item := api.putIns[0].Item
	require.Equal(t, "conversation-state", *api.putIns[0].TableName)
	require.Equal(t, s("MATTERMOST#u1"), item["PK"])
	require.Equal(t, s("PROFILE"), item["SK"])
	require.Equal(t, s("u1"), item["userId"])
	require.Equal(t, s("sam"), item["userName"])
	require.Equal(t, &types.AttributeValueMemberBOOL{Value: true}, item["approved"])
}

func TestPutUser_OmitsEmptyUserName(t *testing.T) {
	api := &fakeDynamo{}
	c := newTestClient(t, api)

	err := c.PutUser(context.Background(), domain.User{
		Platform: domain.PlatformLINE,
		UserID:   "U123",
	})
	require.NoError(t, err)

	_, ok := api.putIns[0].Item["userName"]
	require.False(t, ok)
}

func TestPutUser_RequiresUserID(t *testing.T) {
	c := newTestClient(t, &fakeDynamo{})
	require.Error(t, c.PutUser(context.Background(), domain.User{Platform: domain.PlatformLINE}))
}

func TestRecentTurns(t *testing.T) {
	// The query returns newest-first; callers get chronological order.
	api := &fakeDynamo{queryOut: &dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{
			{"role": s("assistant"), "content": s("third"), "ts": s("2023-04-01T12:02:00Z")},
			{"role": s("user"), "content": s("second"), "ts": s("2023-04-01T12:01:00Z")},
			{"role": s("user"), "content": s("first"), "ts": s("2023-04-01T12:00:00Z")},
		},
	}}
	c := newTestClient(t, api)

	turns, err := c.RecentTurns(context.Background(), domain.PlatformLINE, "U123", 10)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	require.Equal(t, "first", turns[0].Content)
	require.Equal(t, "second", turns[1].Content)
	require.Equal(t, "third", turns[2].Content)
	require.Equal(t, time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC), turns[0].Timestamp)

	in := api.queryIn
	require.Equal(t, "conversation-state", *in.TableName)
	require.Equal(t, "PK = :pk AND begins_with(SK, :prefix)", *in.KeyConditionExpression)
	require.Equal(t, s("LINE#U123"), in.ExpressionAttributeValues[":pk"])
	require.Equal(t, s("TURN#"), in.ExpressionAttributeValues[":prefix"])
	require.NotNil(t, in.ScanIndexForward)
	require.False(t, *in.ScanIndexForward, "query newest-first so the limit keeps the latest turns")
	require.Equal(t, int32(10), *in.Limit)
}

func TestRecentTurns_Empty(t *testing.T) {
	c := newTestClient(t, &fakeDynamo{queryOut: &dynamodb.QueryOutput{}})

	turns, err := c.RecentTurns(context.Background(), domain.PlatformLINE, "U123", 10)
	require.NoError(t, err)
	require.Empty(t, turns)
}

func TestRecentTurns_QueryError(t *testing.T) {
	c := newTestClient(t, &fakeDynamo{queryErr: errors.New("throttled")})

	_, err := c.RecentTurns(context.Background(), domain.PlatformLINE, "U123", 10)
	require.Error(t, err)
}

func TestRecentTurns_BadItem(t *testing.T) {
	api := &fakeDynamo{queryOut: &dynamodb.QueryOutput{
		Items: []map[string]types.AttributeValue{
			{"content": s("missing role")},
		},
	}}
	c := newTestClient(t, api)

	_, err := c.RecentTurns(context.Background(), domain.PlatformLINE, "U123", 10)
	require.Error(t, err)
}

func TestAppendTurn(t *testing.T) {
	api := &fakeDynamo{}
	c := newTestClient(t, api)

	ts := time.Date(2023, 4, 1, 12, 0, 0, 0, time.UTC)
	err := c.AppendTurn(context.Background(), domain.PlatformLINE, "U123", domain.Turn{
		Role:      domain.RoleUser,
		Content:   "hello",
		Timestamp: ts,
	})
	require.NoError(t, err)
	require.Len(t, api.putIns, 1)

	item := api.putIns[0].Item
	require.Equal(t, s("LINE#U123"), item["PK"])
	require.Equal(t, s("user"), item["role"])
	require.Equal(t, s("hello"), item["content"])
	require.Equal(t, s("2023-04-01T12:00:00Z"), item["ts"])

	sk := item["SK"].(*types.AttributeValueMemberS).Value
	require.True(t, strings.HasPrefix(sk, "TURN#2023-04-01T12:00:00Z#"), sk)
}

func TestAppendTurn_Validation(t *testing.T) {
	c := newTestClient(t, &fakeDynamo{})

	err := c.AppendTurn(context.Background(), domain.PlatformLINE, "", domain.Turn{Role: domain.RoleUser})
	require.Error(t, err)

	err = c.AppendTurn(context.Background(), domain.PlatformLINE, "U123", domain.Turn{})
	require.Error(t, err)
}

func TestAppendTurn_APIError(t *testing.T) {
	c := newTestClient(t, &fakeDynamo{putErr: errors.New("throttled")})

	err := c.AppendTurn(context.Background(), domain.PlatformLINE, "U123", domain.Turn{Role: domain.RoleUser})
	require.Error(t, err)
}
