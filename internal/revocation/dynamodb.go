package revocation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type entry struct {
	Key       string `dynamodbav:"revocationKey"`
	Reason    string `dynamodbav:"reason,omitempty"`
	TenantID  string `dynamodbav:"tenantId,omitempty"`
	RevokedAt string `dynamodbav:"revokedAt"`
	ExpiresAt int64  `dynamodbav:"expiresAt"`
}

// DynamoStore keeps revocations in a table keyed by revocationKey with a TTL
// attribute on expiresAt. Entries past expiry are ignored even if the TTL
// sweeper has not removed them yet.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	now       func() time.Time
}

func NewDynamoStore(api dynamodbAPI, tableName string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("revocation: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("revocation: table name must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, now: time.Now}, nil
}

// IsRevoked reports whether any of keys is on the list. A lookup error is
// returned as ErrUnavailable, never as "not revoked".
func (s *DynamoStore) IsRevoked(ctx context.Context, keys ...string) (bool, error) {
	now := s.now().Unix()
	for _, key := range keys {
		out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				"revocationKey": &types.AttributeValueMemberS{Value: key},
			},
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return false, fmt.Errorf("%w: get %q: %v", ErrUnavailable, key, err)
		}
		if out == nil || len(out.Item) == 0 {
			continue
		}
		var e entry
		if err := attributevalue.UnmarshalMap(out.Item, &e); err != nil {
			return false, fmt.Errorf("%w: decode %q: %v", ErrUnavailable, key, err)
		}
		if e.ExpiresAt > now {
			return true, nil
		}
	}
	return false, nil
}

func (s *DynamoStore) Revoke(ctx context.Context, r Revocation) error {
	now := s.now()
	if err := validate(r, now); err != nil {
		return err
	}
	item, err := attributevalue.MarshalMap(entry{
		Key:       r.Key,
		Reason:    r.Reason,
		TenantID:  r.TenantID,
		RevokedAt: now.UTC().Format(time.RFC3339),
		ExpiresAt: r.ExpiresAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("revocation: marshal %q: %w", r.Key, err)
	}
	if _, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("%w: put %q: %v", ErrUnavailable, r.Key, err)
	}
	return nil
}
