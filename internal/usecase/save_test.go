package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"conversation-service/internal/auth"
	"conversation-service/internal/dlp"
	"conversation-service/internal/domain"
	"conversation-service/internal/repository/sqlitestore"
)

func saveBody(turn int, delta string) []byte {
	return []byte(fmt.Sprintf(`{"turn": %d, "delta": %s}`, turn, delta))
}

func TestSave_FirstMessageOnNewSession(t *testing.T) {
	f := newFixture(t)
	session := f.init(t)

	out, err := f.svc.Save(context.Background(), session.StateToken, saveBody(0, `{
		"summary_update": "patient asked about refills",
		"appendUser": {"text": "Can I refill my prescription?"},
		"appendAssistant": {"text": "Yes, which medication?"}
	}`))
	require.NoError(t, err)
	require.Equal(t, 1, out.Turn)

	claims, err := f.state.Validate(context.Background(), out.StateToken)
	require.NoError(t, err)
	require.Equal(t, 1, claims.Turn)

	stored := f.store.summaries[session.SessionID]
	require.Equal(t, 1, stored.Turn)
	require.Equal(t, "tenant-a", stored.TenantID)
	require.Equal(t, "patient asked about refills", stored.Summary)
	require.Equal(t, f.now.Add(7*24*time.Hour).Unix(), stored.ExpiresAt)

	msgs := f.store.messages[session.SessionID]
	require.Len(t, msgs, 2)
	require.Equal(t, domain.RoleUser, msgs[0].Role)
	require.Equal(t, domain.RoleAssistant, msgs[1].Role)
	require.Less(t, msgs[0].Timestamp, msgs[1].Timestamp)
	require.NotEqual(t, msgs[0].MessageID, msgs[1].MessageID)
	require.Equal(t, f.now.Add(24*time.Hour).Unix(), msgs[0].ExpiresAt)
}

func TestSave_TurnMonotonicity(t *testing.T) {
	f := newFixture(t)
	session := f.init(t)

	token := session.StateToken
	const n = 5
	for i := 0; i < n; i++ {
		out, err := f.svc.Save(context.Background(), token, saveBody(i, fmt.Sprintf(`{"appendUser": {"text": "message %d"}}`, i)))
		require.NoError(t, err, "save %d", i)
		require.Equal(t, i+1, out.Turn)
		token = out.StateToken
	}

	claims, err := f.state.Validate(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, n, claims.Turn)
	require.Equal(t, n, f.store.summaries[session.SessionID].Turn)
}

func TestSave_MessageOrderPreserved(t *testing.T) {
	f := newFixture(t)
	session := f.init(t)

	_, err := f.svc.Save(context.Background(), session.StateToken, saveBody(0, `{
		"messages": [
			{"role": "user", "text": "first"},
			{"role": "assistant", "text": "second"},
			{"role": "user", "text": "third"}
		],
		"appendUser": {"text": "fourth"},
		"appendAssistant": {"text": "fifth"}
	}`))
	require.NoError(t, err)

	got, err := f.svc.Get(context.Background(), session.StateToken)
	require.NoError(t, err)
	texts := make([]string, 0, len(got.State.LastMessages))
	for _, m := range got.State.LastMessages {
		texts = append(texts, m.Text)
	}
	require.Equal(t, []string{"first", "second", "third", "fourth", "fifth"}, texts)
}

func TestSave_SameTokenTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	session := f.init(t)
	body := saveBody(0, `{"appendUser": {"text": "hello"}}`)

	_, err := f.svc.Save(context.Background(), session.StateToken, body)
	require.NoError(t, err)

	_, err = f.svc.Save(context.Background(), session.StateToken, body)
	uerr := requireCode(t, err, ErrorVersionConflict)
	require.NotNil(t, uerr.Recovery)
	require.NotNil(t, uerr.Recovery.CurrentTurn)
	require.Equal(t, 1, *uerr.Recovery.CurrentTurn)

	// The recovery token carries the server turn and is immediately usable.
	claims, err := f.state.Validate(context.Background(), uerr.Recovery.StateToken)
	require.NoError(t, err)
	require.Equal(t, 1, claims.Turn)
	_, err = f.svc.Save(context.Background(), uerr.Recovery.StateToken, saveBody(1, `{"appendUser": {"text": "retry"}}`))
	require.NoError(t, err)
	require.Equal(t, 2, f.store.summaries[session.SessionID].Turn)
}

func TestSave_LostRaceOnConditionalWrite(t *testing.T) {
	f := newFixture(t)
	session := f.init(t)
	f.store.beforePut = func(m *memStore) {
		m.summaries[session.SessionID] = domain.Summary{SessionID: session.SessionID, TenantID: "tenant-a", Turn: 1}
	}

	_, err := f.svc.Save(context.Background(), session.StateToken, saveBody(0, `{"appendUser": {"text": "racing"}}`))
	uerr := requireCode(t, err, ErrorVersionConflict)
	require.Equal(t, "concurrent_write", uerr.Reason)
	require.Equal(t, 1, *uerr.Recovery.CurrentTurn)
	require.Empty(t, f.store.messages[session.SessionID])
	require.Contains(t, f.audit.actions(), "conversation_save:failure")
}

func TestSave_BodyTurnMismatch(t *testing.T) {
	f := newFixture(t)
	session := f.init(t)

	_, err := f.svc.Save(context.Background(), session.StateToken, saveBody(5, `{}`))
	uerr := requireCode(t, err, ErrorVersionConflict)
	require.Equal(t, 0, *uerr.Recovery.CurrentTurn)
	require.Equal(t, session.SessionID, uerr.Recovery.SessionID)
	require.Equal(t, 0, f.store.puts)
}

func TestSave_InputValidation(t *testing.T) {
	f := newFixture(t, func(_ *Deps, c *Config) { c.MaxPayloadBytes = 256 })
	session := f.init(t)
	save := func(body string) error {
		_, err := f.svc.Save(context.Background(), session.StateToken, []byte(body))
		return err
	}

	requireCode(t, save(""), ErrorInvalidInput)
	requireCode(t, save("   "), ErrorInvalidInput)
	requireCode(t, save(`{"turn": 0, "delta": {"summary_update": "`+strings.Repeat("x", 300)+`"}}`), ErrorPayloadTooLarge)
	requireCode(t, save(`{"turn": `), ErrorInvalidInput)
	requireCode(t, save(`{"delta": {}}`), ErrorInvalidInput)
	requireCode(t, save(`{"turn": -1}`), ErrorInvalidInput)
	requireCode(t, save(`{"sessionId": "someone-else", "turn": 0}`), ErrorInvalidInput)
	require.Equal(t, 0, f.store.puts)
}

func TestSave_InvalidMessages(t *testing.T) {
	f := newFixture(t)
	session := f.init(t)

	cases := map[string]string{
		"missing role":  `{"messages": [{"text": "hi"}]}`,
		"missing text":  `{"messages": [{"role": "user"}]}`,
		"unknown role":  `{"messages": [{"role": "system", "text": "hi"}]}`,
		"empty text":    `{"messages": [{"role": "user", "text": "  "}]}`,
		"append no txt": `{"appendUser": {}}`,
		"too many": `{"messages": [
			{"role": "user", "text": "1"}, {"role": "assistant", "text": "2"},
			{"role": "user", "text": "3"}, {"role": "assistant", "text": "4"},
			{"role": "user", "text": "5"}, {"role": "assistant", "text": "6"}
		], "appendUser": {"text": "7"}}`,
	}
	for name, delta := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Save(context.Background(), session.StateToken, saveBody(0, delta))
			requireCode(t, err, ErrorInvalidMessage)
		})
	}
	require.Equal(t, 0, f.store.puts)
}

func TestSave_SixMessagesAllowed(t *testing.T) {
	f := newFixture(t)
	session := f.init(t)
	_, err := f.svc.Save(context.Background(), session.StateToken, saveBody(0, `{"messages": [
		{"role": "user", "text": "1"}, {"role": "assistant", "text": "2"},
		{"role": "user", "text": "3"}, {"role": "assistant", "text": "4"}
	], "appendUser": {"text": "5"}, "appendAssistant": {"text": "6"}}`))
	require.NoError(t, err)
	require.Len(t, f.store.messages[session.SessionID], 6)
}

func TestSave_ScrubsEveryField(t *testing.T) {
	f := newFixture(t)
	session := f.init(t)

	_, err := f.svc.Save(context.Background(), session.StateToken, saveBody(0, `{
		"summary_update": "caller SSN 123-45-6789",
		"pending_action": "email jane.doe@example.com",
		"facts_update": {"contact": {"phone": "555-867-5309"}, "notes": ["dob: 01/02/1980"]},
		"appendUser": {"text": "my card is 4111 1111 1111 1111"}
	}`))
	require.NoError(t, err)

	stored := f.store.summaries[session.SessionID]
	require.Equal(t, "caller SSN [REDACTED_SSN]", stored.Summary)
	require.Equal(t, "email [REDACTED_EMAIL]", stored.PendingAction)
	require.Equal(t, map[string]any{"phone": "[REDACTED_PHONE]"}, stored.FactsLedger["contact"])
	require.Equal(t, []any{"[REDACTED_DOB]"}, stored.FactsLedger["notes"])
	require.Equal(t, "my card is [REDACTED_CARD]", f.store.messages[session.SessionID][0].Content)
}

func TestSave_DLPFailsClosed(t *testing.T) {
	unavailable := newFixture(t, func(d *Deps, _ *Config) { d.Scrubber = failingScrubber{} })
	session := unavailable.init(t)
	_, err := unavailable.svc.Save(context.Background(), session.StateToken, saveBody(0, `{"appendUser": {"text": "hello"}}`))
	requireCode(t, err, ErrorDLPUnavailable)
	require.Equal(t, 0, unavailable.store.puts)
	require.Equal(t, 0, unavailable.store.appends)
	require.Empty(t, unavailable.audit.events[1:])

	leaky := newFixture(t, func(d *Deps, _ *Config) {
		d.Scrubber = leakyScrubber{real: d.Scrubber.(*dlp.Scrubber)}
	})
	session = leaky.init(t)
	_, err = leaky.svc.Save(context.Background(), session.StateToken, saveBody(0, `{"summary_update": "SSN 123-45-6789"}`))
	requireCode(t, err, ErrorDLPFailed)
	require.Equal(t, 0, leaky.store.puts)
	require.Equal(t, 0, leaky.store.appends)
}

func TestSave_FactsMergeAndDelete(t *testing.T) {
	f := newFixture(t)
	session := f.init(t)

	out, err := f.svc.Save(context.Background(), session.StateToken, saveBody(0, `{
		"facts_update": {"allergy": "penicillin", "insurer": "acme", "visits": 2},
		"pending_action": "confirm_insurer"
	}`))
	require.NoError(t, err)

	_, err = f.svc.Save(context.Background(), out.StateToken, saveBody(1, `{
		"facts_update": {"insurer": null, "visits": 3}
	}`))
	require.NoError(t, err)

	stored := f.store.summaries[session.SessionID]
	require.Equal(t, map[string]any{"allergy": "penicillin", "visits": float64(3)}, stored.FactsLedger)
	require.Equal(t, "confirm_insurer", stored.PendingAction)
	require.Equal(t, 2, stored.Turn)
}

func TestSave_AuditFailsClosed(t *testing.T) {
	f := newFixture(t)
	session := f.init(t)
	f.audit.err = errors.New("audit table down")

	_, err := f.svc.Save(context.Background(), session.StateToken, saveBody(0, `{"appendUser": {"text": "hello"}}`))
	requireCode(t, err, ErrorAuditUnavailable)
	require.Equal(t, 0, f.store.puts)
	require.Equal(t, 0, f.store.appends)
}

func TestSave_StoreFailures(t *testing.T) {
	f := newFixture(t)
	session := f.init(t)

	f.store.putErr = fmt.Errorf("repository: PutSummaryIfTurnMatches: %w", context.DeadlineExceeded)
	_, err := f.svc.Save(context.Background(), session.StateToken, saveBody(0, `{}`))
	requireCode(t, err, ErrorDBTimeout)

	f.store.putErr = nil
	f.store.appendErr = errors.New("batch write failed")
	_, err = f.svc.Save(context.Background(), session.StateToken, saveBody(0, `{"appendUser": {"text": "x"}}`))
	requireCode(t, err, ErrorDBError)
}

func TestSave_KeyUnavailable(t *testing.T) {
	f := newFixture(t)
	session := f.init(t)

	broken, err := auth.NewCodec(unavailableKeys{}, auth.StateProfile(0), auth.WithClock(f.clock))
	require.NoError(t, err)
	f.svc.stateTokens = broken
	_, err = f.svc.Save(context.Background(), session.StateToken, saveBody(0, `{}`))
	requireCode(t, err, ErrorKeyUnavailable)
}

type unavailableKeys struct{}

func (unavailableKeys) Key(context.Context, bool) (string, error) {
	return "", auth.ErrKeyUnavailable
}

// TestConversationLifecycle walks a session from Init to Clear against the
// SQLite store.
func TestConversationLifecycle(t *testing.T) {
	f := newFixture(t)
	store, err := sqlitestore.Open(":memory:", sqlitestore.WithClock(f.clock))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	f.svc.store = store
	ctx := context.Background()

	session := f.init(t)

	got, err := f.svc.Get(ctx, session.StateToken)
	require.NoError(t, err)
	require.Equal(t, 0, got.State.Turn)
	require.Empty(t, got.State.LastMessages)

	saved, err := f.svc.Save(ctx, got.StateToken, []byte(fmt.Sprintf(`{
		"sessionId": %q,
		"turn": 0,
		"delta": {
			"summary_update": "asked about clinic hours",
			"appendUser": {"text": "When are you open?"},
			"appendAssistant": {"text": "9 to 5 on weekdays."}
		}
	}`, session.SessionID)))
	require.NoError(t, err)
	require.Equal(t, 1, saved.Turn)

	got, err = f.svc.Get(ctx, saved.StateToken)
	require.NoError(t, err)
	require.Equal(t, 1, got.State.Turn)
	require.Len(t, got.State.LastMessages, 2)
	require.Equal(t, domain.ChatMessage{Role: domain.RoleUser, Text: "When are you open?"}, got.State.LastMessages[0])
	require.Contains(t, got.State.Summary, "clinic hours")

	_, err = f.svc.Save(ctx, got.StateToken, saveBody(5, `{"appendUser": {"text": "stale"}}`))
	uerr := requireCode(t, err, ErrorVersionConflict)
	require.Equal(t, 1, *uerr.Recovery.CurrentTurn)

	cleared, err := f.svc.Clear(ctx, got.StateToken)
	require.NoError(t, err)
	require.Equal(t, ClearReport{MessagesDeleted: 2, SummariesDeleted: 1, Verified: true}, cleared.Report)

	summary, err := store.GetSummary(ctx, session.SessionID)
	require.NoError(t, err)
	require.Nil(t, summary)

	after, err := f.svc.Get(ctx, got.StateToken)
	require.NoError(t, err)
	require.Equal(t, 0, after.State.Turn)
	require.Empty(t, after.State.LastMessages)
	require.Empty(t, after.State.Summary)
}

// A summary past its TTL that the store has not reaped yet reads as a fresh
// session; a save at turn 0 must restart it rather than conflict forever.
func TestSave_RestartsSessionAfterSummaryExpiry(t *testing.T) {
	f := newFixture(t, func(_ *Deps, c *Config) { c.SummaryTTL = time.Hour })
	store, err := sqlitestore.Open(":memory:", sqlitestore.WithClock(f.clock))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	f.svc.store = store
	ctx := context.Background()

	session := f.init(t)
	saved, err := f.svc.Save(ctx, session.StateToken, saveBody(0, `{"summary_update": "before expiry"}`))
	require.NoError(t, err)
	require.Equal(t, 1, saved.Turn)

	f.advance(2 * time.Hour)

	got, err := f.svc.Get(ctx, saved.StateToken)
	require.NoError(t, err)
	require.Equal(t, 0, got.State.Turn)
	require.Empty(t, got.State.Summary)

	restarted, err := f.svc.Save(ctx, got.StateToken, saveBody(0, `{"summary_update": "after expiry"}`))
	require.NoError(t, err)
	require.Equal(t, 1, restarted.Turn)

	got, err = f.svc.Get(ctx, restarted.StateToken)
	require.NoError(t, err)
	require.Equal(t, 1, got.State.Turn)
	require.Equal(t, "after expiry", got.State.Summary)
}
