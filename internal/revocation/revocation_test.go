package revocation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeDynamo struct {
	items  map[string]map[string]types.AttributeValue
	getErr error
	putErr error
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	key := in.Key["revocationKey"].(*types.AttributeValueMemberS).Value
	return &dynamodb.GetItemOutput{Item: f.items[key]}, nil
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	key := in.Item["revocationKey"].(*types.AttributeValueMemberS).Value
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func TestKeys(t *testing.T) {
	require.Equal(t, "jti#abc", TokenKey(" abc "))
	require.Equal(t, "session#s1", SessionKey("s1"))
}

func TestDynamoStore_RevokeAndLookup(t *testing.T) {
	db := newFakeDynamo()
	s, err := NewDynamoStore(db, "revocations")
	require.NoError(t, err)
	ctx := context.Background()

	revoked, err := s.IsRevoked(ctx, TokenKey("t1"), SessionKey("s1"))
	require.NoError(t, err)
	require.False(t, revoked)

	require.NoError(t, s.Revoke(ctx, Revocation{
		Key:       SessionKey("s1"),
		Reason:    "user_logout",
		TenantID:  "tenant-a",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	revoked, err = s.IsRevoked(ctx, TokenKey("t1"), SessionKey("s1"))
	require.NoError(t, err)
	require.True(t, revoked)
	require.Equal(t, "user_logout", db.items["session#s1"]["reason"].(*types.AttributeValueMemberS).Value)
}

func TestDynamoStore_IgnoresExpiredEntries(t *testing.T) {
	db := newFakeDynamo()
	s, err := NewDynamoStore(db, "revocations")
	require.NoError(t, err)
	require.NoError(t, s.Revoke(context.Background(), Revocation{Key: TokenKey("t1"), ExpiresAt: time.Now().Add(time.Minute)}))

	s.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	revoked, err := s.IsRevoked(context.Background(), TokenKey("t1"))
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestDynamoStore_FailsClosedOnLookupError(t *testing.T) {
	db := newFakeDynamo()
	db.getErr = errors.New("throttled")
	s, err := NewDynamoStore(db, "revocations")
	require.NoError(t, err)
	_, err = s.IsRevoked(context.Background(), TokenKey("t1"))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestDynamoStore_RevokeValidation(t *testing.T) {
	s, err := NewDynamoStore(newFakeDynamo(), "revocations")
	require.NoError(t, err)
	ctx := context.Background()
	require.Error(t, s.Revoke(ctx, Revocation{Key: "", ExpiresAt: time.Now().Add(time.Hour)}))
	require.Error(t, s.Revoke(ctx, Revocation{Key: TokenKey(""), ExpiresAt: time.Now().Add(time.Hour)}))
	require.Error(t, s.Revoke(ctx, Revocation{Key: TokenKey("t")}))
	require.Error(t, s.Revoke(ctx, Revocation{Key: TokenKey("t"), ExpiresAt: time.Now().Add(-time.Hour)}))
}

func TestNewDynamoStore_Validates(t *testing.T) {
	_, err := NewDynamoStore(nil, "t")
	require.Error(t, err)
	_, err = NewDynamoStore(newFakeDynamo(), "")
	require.Error(t, err)
}

func setupRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s, err := NewRedisStore(client, WithPrefix("test"))
	require.NoError(t, err)
	return s, mr
}

func TestRedisStore_RevokeAndExpire(t *testing.T) {
	s, mr := setupRedisStore(t)
	ctx := context.Background()

	revoked, err := s.IsRevoked(ctx, TokenKey("t1"))
	require.NoError(t, err)
	require.False(t, revoked)

	require.NoError(t, s.Revoke(ctx, Revocation{Key: TokenKey("t1"), Reason: "compromised", ExpiresAt: time.Now().Add(time.Minute)}))
	require.True(t, mr.Exists("test:jti#t1"))
	require.Equal(t, "compromised", mr.HGet("test:jti#t1", "reason"))

	revoked, err = s.IsRevoked(ctx, SessionKey("other"), TokenKey("t1"))
	require.NoError(t, err)
	require.True(t, revoked)

	mr.FastForward(2 * time.Minute)
	revoked, err = s.IsRevoked(ctx, TokenKey("t1"))
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestRedisStore_FailsClosedWhenUnreachable(t *testing.T) {
	s, mr := setupRedisStore(t)
	mr.Close()
	_, err := s.IsRevoked(context.Background(), TokenKey("t1"))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestRedisStore_NoKeys(t *testing.T) {
	s, _ := setupRedisStore(t)
	revoked, err := s.IsRevoked(context.Background())
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestNewRedisStore_NilClient(t *testing.T) {
	_, err := NewRedisStore(nil)
	require.Error(t, err)
}
