// Package audit records compliance events for conversation operations.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
)

const (
	StatusAttempt = "attempt"
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// ErrUnavailable is returned when an event could not be durably recorded.
var ErrUnavailable = errors.New("audit: sink unavailable")

// Event is one audit record. It must never carry message content.
type Event struct {
	// Action is a short, stable identifier (e.g. "conversation_save").
	Action    string
	Status    string
	SessionID string
	TenantID  string
	Turn      int
	// Reason is a machine-readable failure reason, empty on success.
	Reason        string
	CorrelationID string
	CreatedAt     time.Time
}

// LogSink writes events to a structured logger. It never fails.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

func (s *LogSink) Record(ctx context.Context, e Event) error {
	s.log.InfoContext(ctx, "audit",
		"action", e.Action,
		"status", e.Status,
		"session_id", e.SessionID,
		"tenant_id", e.TenantID,
		"turn", e.Turn,
		"reason", e.Reason,
		"correlation_id", e.CorrelationID,
	)
	return nil
}

type dynamodbAPI interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type record struct {
	EventID       string `dynamodbav:"eventId"`
	CreatedAt     string `dynamodbav:"createdAt"`
	Action        string `dynamodbav:"action"`
	Status        string `dynamodbav:"status"`
	SessionID     string `dynamodbav:"sessionId,omitempty"`
	TenantID      string `dynamodbav:"tenantId,omitempty"`
	Turn          int    `dynamodbav:"turn"`
	Reason        string `dynamodbav:"reason,omitempty"`
	CorrelationID string `dynamodbav:"correlationId,omitempty"`
	ExpiresAt     int64  `dynamodbav:"expiresAt,omitempty"`
}

// DynamoSink appends events to a DynamoDB table keyed by eventId.
type DynamoSink struct {
	api       dynamodbAPI
	tableName string
	retention time.Duration
	now       func() time.Time
}

type DynamoOption func(*DynamoSink)

// WithRetention sets a TTL on written records. Zero keeps them indefinitely.
func WithRetention(d time.Duration) DynamoOption {
	return func(s *DynamoSink) {
		s.retention = d
	}
}

func WithClock(now func() time.Time) DynamoOption {
	return func(s *DynamoSink) {
		if now != nil {
			s.now = now
		}
	}
}

func NewDynamoSink(api dynamodbAPI, tableName string, opts ...DynamoOption) (*DynamoSink, error) {
	if api == nil {
		return nil, errors.New("audit: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("audit: table name must not be empty")
	}
	s := &DynamoSink{api: api, tableName: tableName, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *DynamoSink) Record(ctx context.Context, e Event) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	rec := record{
		EventID:       uuid.NewString(),
		CreatedAt:     created.UTC().Format(time.RFC3339Nano),
		Action:        e.Action,
		Status:        e.Status,
		SessionID:     e.SessionID,
		TenantID:      e.TenantID,
		Turn:          e.Turn,
		Reason:        e.Reason,
		CorrelationID: e.CorrelationID,
	}
	if s.retention > 0 {
		rec.ExpiresAt = created.Add(s.retention).Unix()
	}

	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal event: %v", ErrUnavailable, err)
	}
	_, err = s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(eventId)"),
	})
	if err != nil {
		return fmt.Errorf("%w: put event: %v", ErrUnavailable, err)
	}
	return nil
}
