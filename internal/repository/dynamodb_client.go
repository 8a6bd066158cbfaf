package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"conversation-service/internal/domain"
)

const (
	attrSessionID     = "sessionId"
	attrTenantID      = "tenantId"
	attrTurn          = "turn"
	attrSummary       = "summary"
	attrFactsLedger   = "factsLedger"
	attrPendingAction = "pendingAction"
	attrUpdatedAt     = "updatedAt"
	attrExpiresAt     = "expiresAt"
	attrTimestamp     = "timestamp"
	attrMessageID     = "messageId"
	attrRole          = "role"
	attrContent       = "content"

	// DynamoDB caps BatchWriteItem at 25 requests.
	maxBatchWrite       = 25
	maxTransactItems    = 100
	maxUnprocessedTries = 3
)

var (
	// ErrVersionConflict is returned when a conditional summary write loses.
	ErrVersionConflict = errors.New("repository: version conflict")
	ErrInvalidInput    = errors.New("repository: invalid input")
	// ErrMessageExists is returned when a message key is already taken.
	// Messages are never overwritten.
	ErrMessageExists = errors.New("repository: message already exists")
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Store defines the conversation persistence operations consumed by the
// conversation service. Both Client and sqlitestore.Store implement it.
type Store interface {
	GetSummary(ctx context.Context, sessionID string) (*domain.Summary, error)
	GetMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
	PutSummaryIfTurnMatches(ctx context.Context, summary domain.Summary, expectedTurn int) error
	AppendMessages(ctx context.Context, sessionID string, msgs []domain.Message) error
	DeleteAll(ctx context.Context, sessionID string) (domain.DeleteReport, error)
	VerifyDeleted(ctx context.Context, sessionID string) (bool, error)
}

// Client stores summaries and messages in two DynamoDB tables. The summaries
// table is keyed by sessionId; the messages table by sessionId + timestamp.
type Client struct {
	api           dynamodbAPI
	summaryTable  string
	messagesTable string
	now           func() time.Time
}

type Option func(*Client)

func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a new repository Client.
func New(api dynamodbAPI, summaryTable, messagesTable string, opts ...Option) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(summaryTable) == "" {
		return nil, errors.New("repository: summaries table name must not be empty")
	}
	if strings.TrimSpace(messagesTable) == "" {
		return nil, errors.New("repository: messages table name must not be empty")
	}
	c := &Client{api: api, summaryTable: summaryTable, messagesTable: messagesTable, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func sessionKey(sessionID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrSessionID: &types.AttributeValueMemberS{Value: sessionID},
	}
}

// GetSummary returns the session summary, or nil when none exists or its TTL
// has passed but the item has not been reaped yet.
func (c *Client) GetSummary(ctx context.Context, sessionID string) (*domain.Summary, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(c.summaryTable),
		Key:            sessionKey(sessionID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetSummary get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}

	s, err := itemToSummary(out.Item)
	if err != nil {
		return nil, fmt.Errorf("repository: GetSummary decode: %w", err)
	}
	if s.ExpiresAt > 0 && s.ExpiresAt <= c.now().Unix() {
		return nil, nil
	}
	return &s, nil
}

// GetMessages returns up to limit of the most recent messages, oldest first.
func (c *Client) GetMessages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	out, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.messagesTable),
		KeyConditionExpression: aws.String("#sid = :sid"),
		ExpressionAttributeNames: map[string]string{
			"#sid": attrSessionID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid": &types.AttributeValueMemberS{Value: sessionID},
		},
		// Read newest first so LIMIT favors the most recent context.
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("repository: GetMessages query: %w", err)
	}

	now := c.now().Unix()
	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("repository: GetMessages unmarshal: %w", err)
		}
		if msg.ExpiresAt > 0 && msg.ExpiresAt <= now {
			continue
		}
		msgs = append(msgs, msg)
	}
	// Reverse to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// PutSummaryIfTurnMatches replaces the summary only if the stored turn equals
// expectedTurn, or no live summary exists and expectedTurn is 0. An item past
// its expiresAt that TTL has not reaped yet counts as absent, matching
// GetSummary.
func (c *Client) PutSummaryIfTurnMatches(ctx context.Context, summary domain.Summary, expectedTurn int) error {
	if strings.TrimSpace(summary.SessionID) == "" {
		return fmt.Errorf("%w: PutSummaryIfTurnMatches: session id is required", ErrInvalidInput)
	}
	if expectedTurn < 0 {
		return fmt.Errorf("%w: PutSummaryIfTurnMatches: negative expected turn", ErrInvalidInput)
	}

	item, err := summaryItem(summary)
	if err != nil {
		return fmt.Errorf("repository: PutSummaryIfTurnMatches: %w", err)
	}

	live := "(attribute_not_exists(#exp) OR #exp = :zero OR #exp > :now)"
	cond := "#turn = :expected AND " + live
	if expectedTurn == 0 {
		cond = "attribute_not_exists(#sid) OR NOT " + live + " OR #turn = :expected"
	}
	_, err = c.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(c.summaryTable),
		Item:                item,
		ConditionExpression: aws.String(cond),
		ExpressionAttributeNames: map[string]string{
			"#sid":  attrSessionID,
			"#turn": attrTurn,
			"#exp":  attrExpiresAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":expected": &types.AttributeValueMemberN{Value: strconv.Itoa(expectedTurn)},
			":zero":     &types.AttributeValueMemberN{Value: "0"},
			":now":      &types.AttributeValueMemberN{Value: strconv.FormatInt(c.now().Unix(), 10)},
		},
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: session %s expected turn %d", ErrVersionConflict, summary.SessionID, expectedTurn)
		}
		return fmt.Errorf("repository: PutSummaryIfTurnMatches: %w", err)
	}
	return nil
}

// AppendMessages writes msgs in one transaction per 100 items. Each put is
// conditional on its (sessionId, timestamp) key being free, so a collision
// fails with ErrMessageExists instead of replacing a stored message.
func (c *Client) AppendMessages(ctx context.Context, sessionID string, msgs []domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	items := make([]types.TransactWriteItem, 0, len(msgs))
	for i, m := range msgs {
		if m.SessionID != sessionID {
			return fmt.Errorf("%w: AppendMessages: message %d belongs to another session", ErrInvalidInput, i)
		}
		if m.MessageID == "" || m.Timestamp <= 0 {
			return fmt.Errorf("%w: AppendMessages: message %d needs id and timestamp", ErrInvalidInput, i)
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:                aws.String(c.messagesTable),
			Item:                     messageItem(m),
			ConditionExpression:      aws.String("attribute_not_exists(#ts)"),
			ExpressionAttributeNames: map[string]string{"#ts": attrTimestamp},
		}})
	}
	for len(items) > 0 {
		n := min(len(items), maxTransactItems)
		_, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items[:n]})
		if err != nil {
			var canceled *types.TransactionCanceledException
			if errors.As(err, &canceled) && conditionFailed(canceled) {
				return fmt.Errorf("%w: session %s", ErrMessageExists, sessionID)
			}
			return fmt.Errorf("repository: AppendMessages: %w", err)
		}
		items = items[n:]
	}
	return nil
}

func conditionFailed(e *types.TransactionCanceledException) bool {
	for _, r := range e.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

// DeleteAll removes every message and the summary for the session and
// reports how many of each existed.
func (c *Client) DeleteAll(ctx context.Context, sessionID string) (domain.DeleteReport, error) {
	var report domain.DeleteReport

	keys, err := c.messageKeys(ctx, sessionID)
	if err != nil {
		return report, fmt.Errorf("repository: DeleteAll: %w", err)
	}
	writes := make([]types.WriteRequest, 0, len(keys))
	for _, k := range keys {
		writes = append(writes, types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: k}})
	}
	if err := c.batchWrite(ctx, c.messagesTable, writes); err != nil {
		return report, fmt.Errorf("repository: DeleteAll messages: %w", err)
	}
	report.MessagesDeleted = len(keys)

	out, err := c.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(c.summaryTable),
		Key:          sessionKey(sessionID),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return report, fmt.Errorf("repository: DeleteAll summary: %w", err)
	}
	if out != nil && len(out.Attributes) > 0 {
		report.SummariesDeleted = 1
	}
	return report, nil
}

// VerifyDeleted re-reads both tables with strongly consistent reads.
func (c *Client) VerifyDeleted(ctx context.Context, sessionID string) (bool, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:            aws.String(c.summaryTable),
		Key:                  sessionKey(sessionID),
		ConsistentRead:       aws.Bool(true),
		ProjectionExpression: aws.String("#sid"),
		ExpressionAttributeNames: map[string]string{
			"#sid": attrSessionID,
		},
	})
	if err != nil {
		return false, fmt.Errorf("repository: VerifyDeleted summary: %w", err)
	}
	if out != nil && len(out.Item) > 0 {
		return false, nil
	}

	q, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.messagesTable),
		KeyConditionExpression: aws.String("#sid = :sid"),
		ExpressionAttributeNames: map[string]string{
			"#sid": attrSessionID,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sid": &types.AttributeValueMemberS{Value: sessionID},
		},
		Select:         types.SelectCount,
		Limit:          aws.Int32(1),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return false, fmt.Errorf("repository: VerifyDeleted messages: %w", err)
	}
	return q.Count == 0, nil
}

// messageKeys pages through every message key for the session.
func (c *Client) messageKeys(ctx context.Context, sessionID string) ([]map[string]types.AttributeValue, error) {
	var (
		keys  []map[string]types.AttributeValue
		start map[string]types.AttributeValue
	)
	for {
		out, err := c.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(c.messagesTable),
			KeyConditionExpression: aws.String("#sid = :sid"),
			ProjectionExpression:   aws.String("#sid, #ts"),
			ExpressionAttributeNames: map[string]string{
				"#sid": attrSessionID,
				"#ts":  attrTimestamp,
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sid": &types.AttributeValueMemberS{Value: sessionID},
			},
			ConsistentRead:    aws.Bool(true),
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("query message keys: %w", err)
		}
		for _, item := range out.Items {
			keys = append(keys, map[string]types.AttributeValue{
				attrSessionID: item[attrSessionID],
				attrTimestamp: item[attrTimestamp],
			})
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		start = out.LastEvaluatedKey
	}
}

// batchWrite sends writes in chunks of 25 and resubmits unprocessed items a
// bounded number of times.
func (c *Client) batchWrite(ctx context.Context, table string, writes []types.WriteRequest) error {
	for len(writes) > 0 {
		n := min(len(writes), maxBatchWrite)
		pending := map[string][]types.WriteRequest{table: writes[:n]}
		writes = writes[n:]

		for attempt := 0; len(pending[table]) > 0; attempt++ {
			if attempt == maxUnprocessedTries {
				return fmt.Errorf("batch write: %d items unprocessed after %d attempts", len(pending[table]), attempt)
			}
			out, err := c.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("batch write: %w", err)
			}
			if out == nil {
				break
			}
			pending = out.UnprocessedItems
		}
	}
	return nil
}

func summaryItem(s domain.Summary) (map[string]types.AttributeValue, error) {
	facts := s.FactsLedger
	if facts == nil {
		facts = map[string]any{}
	}
	factsAV, err := attributevalue.Marshal(facts)
	if err != nil {
		return nil, fmt.Errorf("marshal facts ledger: %w", err)
	}
	item := map[string]types.AttributeValue{
		attrSessionID:   &types.AttributeValueMemberS{Value: s.SessionID},
		attrTenantID:    &types.AttributeValueMemberS{Value: s.TenantID},
		attrTurn:        &types.AttributeValueMemberN{Value: strconv.Itoa(s.Turn)},
		attrSummary:     &types.AttributeValueMemberS{Value: s.Summary},
		attrFactsLedger: factsAV,
		attrUpdatedAt:   &types.AttributeValueMemberS{Value: s.UpdatedAt.UTC().Format(time.RFC3339Nano)},
		attrExpiresAt:   &types.AttributeValueMemberN{Value: strconv.FormatInt(s.ExpiresAt, 10)},
	}
	if s.PendingAction != "" {
		item[attrPendingAction] = &types.AttributeValueMemberS{Value: s.PendingAction}
	}
	return item, nil
}

func itemToSummary(item map[string]types.AttributeValue) (domain.Summary, error) {
	sessionID, err := strAttr(item, attrSessionID)
	if err != nil {
		return domain.Summary{}, err
	}
	turn, err := intAttr(item, attrTurn)
	if err != nil {
		return domain.Summary{}, err
	}
	tenantID, _ := strAttr(item, attrTenantID)
	summary, _ := strAttr(item, attrSummary)
	pending, _ := strAttr(item, attrPendingAction) // allow empty
	expires, _ := int64Attr(item, attrExpiresAt)

	var updated time.Time
	if raw, err := strAttr(item, attrUpdatedAt); err == nil {
		updated, _ = time.Parse(time.RFC3339Nano, raw)
	}

	facts := map[string]any{}
	if av, ok := item[attrFactsLedger]; ok {
		if err := attributevalue.Unmarshal(av, &facts); err != nil {
			return domain.Summary{}, fmt.Errorf("repository: decode %q: %w", attrFactsLedger, err)
		}
	}

	return domain.Summary{
		SessionID:     sessionID,
		TenantID:      tenantID,
		Turn:          turn,
		Summary:       summary,
		FactsLedger:   facts,
		PendingAction: pending,
		UpdatedAt:     updated,
		ExpiresAt:     expires,
	}, nil
}

func messageItem(m domain.Message) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrSessionID: &types.AttributeValueMemberS{Value: m.SessionID},
		attrTimestamp: &types.AttributeValueMemberN{Value: strconv.FormatInt(m.Timestamp, 10)},
		attrMessageID: &types.AttributeValueMemberS{Value: m.MessageID},
		attrRole:      &types.AttributeValueMemberS{Value: m.Role},
		attrContent:   &types.AttributeValueMemberS{Value: m.Content},
		attrExpiresAt: &types.AttributeValueMemberN{Value: strconv.FormatInt(m.ExpiresAt, 10)},
	}
}

// itemToMessage converts a DynamoDB attribute map to a Message.
func itemToMessage(item map[string]types.AttributeValue) (domain.Message, error) {
	sessionID, err := strAttr(item, attrSessionID)
	if err != nil {
		return domain.Message{}, err
	}
	ts, err := int64Attr(item, attrTimestamp)
	if err != nil {
		return domain.Message{}, err
	}
	role, err := strAttr(item, attrRole)
	if err != nil {
		return domain.Message{}, err
	}
	content, err := strAttr(item, attrContent)
	if err != nil {
		return domain.Message{}, err
	}
	id, _ := strAttr(item, attrMessageID)
	expires, _ := int64Attr(item, attrExpiresAt)

	return domain.Message{
		SessionID: sessionID,
		Timestamp: ts,
		MessageID: id,
		Role:      role,
		Content:   content,
		ExpiresAt: expires,
	}, nil
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

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	n, err := int64Attr(item, key)
	return int(n), err
}

func int64Attr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
