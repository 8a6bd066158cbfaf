package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testKey = "0123456789abcdef0123456789abcdef"

type fakeGetter struct {
	values []string
	errs   []error
	calls  int
	names  []string
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.names = append(f.names, name)
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return "", f.errs[idx]
	}
	if idx >= len(f.values) {
		idx = len(f.values) - 1
	}
	return f.values[idx], nil
}

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestNewKeyProvider_ValidatesArguments(t *testing.T) {
	_, err := NewKeyProvider(nil, "/conv/signing-key")
	require.Error(t, err)

	_, err = NewKeyProvider(&fakeGetter{}, "  ")
	require.Error(t, err)
}

func TestKeyProvider_CachesWithinTTL(t *testing.T) {
	clock := newFakeClock()
	getter := &fakeGetter{values: []string{testKey}}
	p, err := NewKeyProvider(getter, "/conv/signing-key", WithKeyClock(clock.Now), WithCacheTTL(time.Minute))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		key, err := p.Key(context.Background(), false)
		require.NoError(t, err)
		require.Equal(t, testKey, key)
	}
	require.Equal(t, 1, getter.calls)
	require.Equal(t, []string{"/conv/signing-key"}, getter.names)

	clock.Advance(time.Minute)
	_, err = p.Key(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 2, getter.calls)
}

func TestKeyProvider_ForceRefreshBypassesCache(t *testing.T) {
	clock := newFakeClock()
	rotated := strings.Repeat("r", 40)
	getter := &fakeGetter{values: []string{testKey, rotated}}
	p, err := NewKeyProvider(getter, "k", WithKeyClock(clock.Now))
	require.NoError(t, err)

	_, err = p.Key(context.Background(), false)
	require.NoError(t, err)
	clock.Advance(minKeyCacheTTL)
	key, err := p.Key(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, rotated, key)
	require.Equal(t, 2, getter.calls)
}

func TestKeyProvider_ForcedRefreshIsThrottled(t *testing.T) {
	clock := newFakeClock()
	getter := &fakeGetter{values: []string{testKey}}
	p, err := NewKeyProvider(getter, "k", WithKeyClock(clock.Now))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		key, err := p.Key(context.Background(), true)
		require.NoError(t, err)
		require.Equal(t, testKey, key)
	}
	require.Equal(t, 1, getter.calls)

	clock.Advance(minKeyCacheTTL - time.Second)
	_, err = p.Key(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 1, getter.calls)

	clock.Advance(time.Second)
	_, err = p.Key(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 2, getter.calls)
}

func TestKeyProvider_FailureClearsCache(t *testing.T) {
	clock := newFakeClock()
	getter := &fakeGetter{
		values: []string{testKey, "", testKey},
		errs:   []error{nil, errors.New("ssm throttled"), nil},
	}
	p, err := NewKeyProvider(getter, "k", WithKeyClock(clock.Now), WithCacheTTL(2*time.Minute))
	require.NoError(t, err)

	_, err = p.Key(context.Background(), false)
	require.NoError(t, err)
	clock.Advance(minKeyCacheTTL)

	_, err = p.Key(context.Background(), true)
	require.ErrorIs(t, err, ErrKeyUnavailable)

	key, err := p.Key(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, testKey, key)
	require.Equal(t, 3, getter.calls)
}

func TestKeyProvider_RejectsShortKey(t *testing.T) {
	p, err := NewKeyProvider(&fakeGetter{values: []string{"too-short"}}, "k")
	require.NoError(t, err)
	_, err = p.Key(context.Background(), false)
	require.ErrorIs(t, err, ErrKeyUnavailable)
	require.ErrorContains(t, err, "shorter than")
}

func TestWithCacheTTL_Clamps(t *testing.T) {
	cases := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, defaultKeyCacheTTL},
		{10 * time.Second, minKeyCacheTTL},
		{2 * time.Minute, 2 * time.Minute},
		{time.Hour, maxKeyCacheTTL},
	}
	for _, tc := range cases {
		p, err := NewKeyProvider(&fakeGetter{}, "k", WithCacheTTL(tc.in))
		require.NoError(t, err)
		require.Equal(t, tc.want, p.ttl, "ttl %s", tc.in)
	}
}

func TestParseSigningKey_PayloadShapes(t *testing.T) {
	cases := map[string]string{
		"bare":        testKey,
		"signingKey":  `{"signingKey":"` + testKey + `"}`,
		"signing_key": `{"signing_key":"` + testKey + `"}`,
		"key":         `{"key":"` + testKey + `"}`,
		"secret":      `{"secret":" ` + testKey + ` ","other":1}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			key, err := parseSigningKey(raw)
			require.NoError(t, err)
			require.Equal(t, testKey, key)
		})
	}
}

func TestParseSigningKey_Invalid(t *testing.T) {
	for _, raw := range []string{"", "   ", `{"token":"` + testKey + `"}`, `{"signingKey":`, `{"signingKey":"short"}`} {
		_, err := parseSigningKey(raw)
		require.Error(t, err, raw)
	}
}

func TestNewStaticKey(t *testing.T) {
	_, err := NewStaticKey("short")
	require.Error(t, err)

	s, err := NewStaticKey(testKey)
	require.NoError(t, err)
	key, err := s.Key(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, testKey, key)
}
