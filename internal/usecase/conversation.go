package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"conversation-service/internal/audit"
	"conversation-service/internal/auth"
	"conversation-service/internal/domain"
	"conversation-service/internal/ratelimit"
	"conversation-service/internal/repository"
	"conversation-service/internal/revocation"
)

const (
	defaultMaxPayloadBytes    = 24 * 1024
	defaultMaxMessagesPerSave = 6
	defaultMaxHistory         = 50
	defaultSummaryTTL         = 7 * 24 * time.Hour
	defaultMessageTTL         = 24 * time.Hour
	defaultDependencyTimeout  = 2 * time.Second

	actionInit        = "conversation_init"
	actionGet         = "conversation_get"
	actionSave        = "conversation_save"
	actionClear       = "conversation_clear"
	actionRevoke      = "conversation_revoke"
	actionStreamToken = "stream_token_issue"
)

type TokenCodec interface {
	Issue(ctx context.Context, sessionID, tenantID string, turn int) (string, auth.Claims, error)
	Rotate(ctx context.Context, claims auth.Claims, incrementTurn bool) (string, auth.Claims, error)
	Validate(ctx context.Context, token string) (auth.Claims, error)
}

type RateLimiter interface {
	Allow(key string) error
}

type Scrubber interface {
	Scrub(ctx context.Context, text string) (string, error)
	Detect(text string) []string
}

type RevocationList interface {
	IsRevoked(ctx context.Context, keys ...string) (bool, error)
	Revoke(ctx context.Context, r revocation.Revocation) error
}

type AuditSink interface {
	Record(ctx context.Context, e audit.Event) error
}

// Config holds the tunables of the conversation protocol. Zero fields take
// their defaults.
type Config struct {
	MaxPayloadBytes     int
	MaxMessagesPerSave  int
	MaxHistoryMessages  int
	StateTokenTTL       time.Duration
	SummaryTTL          time.Duration
	MessageTTL          time.Duration
	DependencyTimeout   time.Duration
	AuditRequiredForGet bool
}

func (c Config) withDefaults() Config {
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if c.MaxMessagesPerSave <= 0 {
		c.MaxMessagesPerSave = defaultMaxMessagesPerSave
	}
	if c.MaxHistoryMessages <= 0 {
		c.MaxHistoryMessages = defaultMaxHistory
	}
	if c.StateTokenTTL <= 0 {
		c.StateTokenTTL = auth.DefaultStateTokenTTL
	}
	if c.SummaryTTL <= 0 {
		c.SummaryTTL = defaultSummaryTTL
	}
	if c.MessageTTL <= 0 {
		c.MessageTTL = defaultMessageTTL
	}
	if c.DependencyTimeout <= 0 {
		c.DependencyTimeout = defaultDependencyTimeout
	}
	return c
}

// Deps are the collaborators of ConversationService. All are required
// except Log.
type Deps struct {
	StateTokens  TokenCodec
	StreamTokens TokenCodec
	Limiter      RateLimiter
	Scrubber     Scrubber
	Store        repository.Store
	Revocations  RevocationList
	Audit        AuditSink
	Log          *slog.Logger
}

// ConversationService implements the conversation state protocol: Init, Get,
// Save and Clear, plus stream-token issuance and revocation.
type ConversationService struct {
	stateTokens  TokenCodec
	streamTokens TokenCodec
	limiter      RateLimiter
	scrubber     Scrubber
	store        repository.Store
	revocations  RevocationList
	audit        AuditSink
	log          *slog.Logger
	cfg          Config

	now   func() time.Time
	newID func() string
	clock msClock
}

func NewConversationService(d Deps, cfg Config) (*ConversationService, error) {
	switch {
	case d.StateTokens == nil:
		return nil, errors.New("usecase: state token codec must not be nil")
	case d.StreamTokens == nil:
		return nil, errors.New("usecase: stream token codec must not be nil")
	case d.Limiter == nil:
		return nil, errors.New("usecase: rate limiter must not be nil")
	case d.Scrubber == nil:
		return nil, errors.New("usecase: scrubber must not be nil")
	case d.Store == nil:
		return nil, errors.New("usecase: store must not be nil")
	case d.Revocations == nil:
		return nil, errors.New("usecase: revocation list must not be nil")
	case d.Audit == nil:
		return nil, errors.New("usecase: audit sink must not be nil")
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	return &ConversationService{
		stateTokens:  d.StateTokens,
		streamTokens: d.StreamTokens,
		limiter:      d.Limiter,
		scrubber:     d.Scrubber,
		store:        d.Store,
		revocations:  d.Revocations,
		audit:        d.Audit,
		log:          log,
		cfg:          cfg.withDefaults(),
		now:          time.Now,
		newID:        uuid.NewString,
	}, nil
}

type correlationKey struct{}

// WithCorrelationID attaches a request correlation id that is copied onto
// audit events.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

type InitInput struct {
	TenantID string
	// ClientID identifies the caller for rate limiting (e.g. source IP).
	ClientID string
}

type InitOutput struct {
	SessionID  string
	StateToken string
	Turn       int
}

// Init starts a new, uninitialized session and issues its turn-0 token.
func (s *ConversationService) Init(ctx context.Context, in InitInput) (InitOutput, error) {
	tenantID := strings.TrimSpace(in.TenantID)
	if tenantID == "" {
		return InitOutput{}, newError(ErrorInvalidInput, "missing_tenant", nil)
	}
	clientID := strings.TrimSpace(in.ClientID)
	if clientID == "" {
		clientID = "anonymous"
	}
	if err := s.allow(ratelimit.Key("init", tenantID, clientID), ""); err != nil {
		return InitOutput{}, err
	}

	sessionID := s.newID()
	token, _, err := s.issueState(ctx, sessionID, tenantID, 0)
	if err != nil {
		return InitOutput{}, err
	}
	s.recordBestEffort(ctx, audit.Event{
		Action:    actionInit,
		Status:    audit.StatusSuccess,
		SessionID: sessionID,
		TenantID:  tenantID,
	})
	return InitOutput{SessionID: sessionID, StateToken: token}, nil
}

type GetOutput struct {
	SessionID  string
	State      domain.ConversationState
	StateToken string
}

// Get returns the session's summary and recent messages. An absent summary
// is the empty state at turn 0. The returned token carries the server's
// authoritative turn, which is the turn the next Save must present.
//
// Get rotates the token but does not advance the turn. Issuing turn+1 here
// would make the follow-up Save present a turn the store has never written,
// and every Get/Save round trip would end in VERSION_CONFLICT. Only Save
// moves the turn forward.
func (s *ConversationService) Get(ctx context.Context, token string) (GetOutput, error) {
	claims, err := s.authorize(ctx, token)
	if err != nil {
		return GetOutput{}, err
	}
	ev := eventFor(ctx, actionGet, claims)
	if s.cfg.AuditRequiredForGet {
		if err := s.record(ctx, ev.with(audit.StatusAttempt, "")); err != nil {
			return GetOutput{}, err
		}
	}

	summary, err := s.getSummary(ctx, claims)
	if err != nil {
		s.recordBestEffort(ctx, ev.with(audit.StatusFailure, err.Reason))
		return GetOutput{}, err
	}

	mctx, cancel := s.dependencyContext(ctx)
	msgs, merr := s.store.GetMessages(mctx, claims.SessionID, s.cfg.MaxHistoryMessages)
	cancel()
	if merr != nil {
		uerr := storeError("get_messages", merr)
		s.recordBestEffort(ctx, ev.with(audit.StatusFailure, uerr.Reason))
		return GetOutput{}, uerr
	}

	state := domain.ConversationState{
		FactsLedger:  map[string]any{},
		LastMessages: make([]domain.ChatMessage, 0, len(msgs)),
	}
	if summary != nil {
		state.Summary = summary.Summary
		state.PendingAction = summary.PendingAction
		state.Turn = summary.Turn
		if summary.FactsLedger != nil {
			state.FactsLedger = summary.FactsLedger
		}
	}
	for _, m := range msgs {
		state.LastMessages = append(state.LastMessages, domain.ChatMessage{Role: m.Role, Text: m.Content})
	}

	next, _, err := s.issueState(ctx, claims.SessionID, claims.TenantID, state.Turn)
	if err != nil {
		return GetOutput{}, err
	}
	ev.Turn = state.Turn
	s.recordBestEffort(ctx, ev.with(audit.StatusSuccess, ""))
	return GetOutput{SessionID: claims.SessionID, State: state, StateToken: next}, nil
}

type ClearReport struct {
	MessagesDeleted  int
	SummariesDeleted int
	Verified         bool
}

type ClearOutput struct {
	SessionID string
	Report    ClearReport
}

// Clear deletes every record of the session and verifies the deletion with a
// consistent re-read. No new token is issued.
func (s *ConversationService) Clear(ctx context.Context, token string) (ClearOutput, error) {
	claims, err := s.authorize(ctx, token)
	if err != nil {
		return ClearOutput{}, err
	}
	ev := eventFor(ctx, actionClear, claims)
	if err := s.record(ctx, ev.with(audit.StatusAttempt, "")); err != nil {
		return ClearOutput{}, err
	}

	dctx, cancel := s.dependencyContext(ctx)
	report, derr := s.store.DeleteAll(dctx, claims.SessionID)
	cancel()
	if derr != nil {
		uerr := storeError("delete_all", derr)
		s.recordBestEffort(ctx, ev.with(audit.StatusFailure, uerr.Reason))
		return ClearOutput{}, uerr
	}

	vctx, cancel := s.dependencyContext(ctx)
	verified, verr := s.store.VerifyDeleted(vctx, claims.SessionID)
	cancel()
	if verr != nil {
		uerr := storeError("verify_deleted", verr)
		s.recordBestEffort(ctx, ev.with(audit.StatusFailure, uerr.Reason))
		return ClearOutput{}, uerr
	}

	status, reason := audit.StatusSuccess, ""
	if !verified {
		status, reason = audit.StatusFailure, "deletion_unverified"
		s.log.WarnContext(ctx, "clear could not verify deletion", "session_id", claims.SessionID)
	}
	s.recordBestEffort(ctx, ev.with(status, reason))
	return ClearOutput{
		SessionID: claims.SessionID,
		Report: ClearReport{
			MessagesDeleted:  report.MessagesDeleted,
			SummariesDeleted: report.SummariesDeleted,
			Verified:         verified,
		},
	}, nil
}

type StreamTokenOutput struct {
	SessionID string
	Token     string
	ExpiresAt time.Time
}

// IssueStreamToken exchanges a valid state token for a short-lived stream
// token bound to the same session.
func (s *ConversationService) IssueStreamToken(ctx context.Context, stateToken string) (StreamTokenOutput, error) {
	claims, err := s.authorize(ctx, stateToken)
	if err != nil {
		return StreamTokenOutput{}, err
	}
	kctx, cancel := s.dependencyContext(ctx)
	defer cancel()
	token, streamClaims, ierr := s.streamTokens.Issue(kctx, claims.SessionID, claims.TenantID, claims.Turn)
	if ierr != nil {
		return StreamTokenOutput{}, tokenError(ierr)
	}
	s.recordBestEffort(ctx, eventFor(ctx, actionStreamToken, claims).with(audit.StatusSuccess, ""))
	return StreamTokenOutput{SessionID: claims.SessionID, Token: token, ExpiresAt: streamClaims.ExpiresAt}, nil
}

// ValidateStreamToken checks a stream token strictly (purpose, issuer,
// audience, jti) and consults the revocation list for it and its session.
func (s *ConversationService) ValidateStreamToken(ctx context.Context, token string) (auth.Claims, error) {
	kctx, cancel := s.dependencyContext(ctx)
	claims, err := s.streamTokens.Validate(kctx, token)
	cancel()
	if err != nil {
		return auth.Claims{}, tokenError(err)
	}
	if err := s.checkRevoked(ctx, claims); err != nil {
		return auth.Claims{}, err
	}
	return claims, nil
}

type RevokeScope string

const (
	RevokeToken   RevokeScope = "token"
	RevokeSession RevokeScope = "session"
)

type RevokeInput struct {
	StateToken string
	Reason     string
	Scope      RevokeScope
}

type RevokeOutput struct {
	SessionID string
	Key       string
	ExpiresAt time.Time
}

// Revoke puts the presented token, or its whole session, on the revocation
// list until every token it covers has expired.
func (s *ConversationService) Revoke(ctx context.Context, in RevokeInput) (RevokeOutput, error) {
	kctx, cancel := s.dependencyContext(ctx)
	claims, err := s.stateTokens.Validate(kctx, in.StateToken)
	cancel()
	if err != nil {
		return RevokeOutput{}, tokenError(err)
	}

	var r revocation.Revocation
	switch in.Scope {
	case RevokeToken, "":
		r = revocation.Revocation{Key: revocation.TokenKey(claims.ID), ExpiresAt: claims.ExpiresAt}
	case RevokeSession:
		r = revocation.Revocation{Key: revocation.SessionKey(claims.SessionID), ExpiresAt: s.now().Add(s.cfg.StateTokenTTL)}
	default:
		return RevokeOutput{}, newError(ErrorInvalidInput, "unknown_revoke_scope", nil)
	}
	r.Reason = strings.TrimSpace(in.Reason)
	if r.Reason == "" {
		r.Reason = "unspecified"
	}
	r.TenantID = claims.TenantID

	ev := eventFor(ctx, actionRevoke, claims)
	if err := s.record(ctx, ev.with(audit.StatusAttempt, "")); err != nil {
		return RevokeOutput{}, err
	}
	rctx, cancel := s.dependencyContext(ctx)
	rerr := s.revocations.Revoke(rctx, r)
	cancel()
	if rerr != nil {
		s.recordBestEffort(ctx, ev.with(audit.StatusFailure, "revocation_write_error"))
		return RevokeOutput{}, newError(ErrorRevocationUnavailable, "revocation_write_error", rerr)
	}
	s.recordBestEffort(ctx, ev.with(audit.StatusSuccess, r.Reason))
	return RevokeOutput{SessionID: claims.SessionID, Key: r.Key, ExpiresAt: r.ExpiresAt}, nil
}

// authorize is the gate shared by every session operation: token validation,
// then the revocation list, then the per-session rate limit.
func (s *ConversationService) authorize(ctx context.Context, token string) (auth.Claims, *Error) {
	kctx, cancel := s.dependencyContext(ctx)
	claims, err := s.stateTokens.Validate(kctx, token)
	cancel()
	if err != nil {
		return auth.Claims{}, tokenError(err)
	}
	if err := s.checkRevoked(ctx, claims); err != nil {
		return auth.Claims{}, err
	}
	if err := s.allow(claims.SessionID, claims.SessionID); err != nil {
		return auth.Claims{}, err
	}
	return claims, nil
}

func (s *ConversationService) checkRevoked(ctx context.Context, claims auth.Claims) *Error {
	rctx, cancel := s.dependencyContext(ctx)
	defer cancel()
	revoked, err := s.revocations.IsRevoked(rctx, revocation.TokenKey(claims.ID), revocation.SessionKey(claims.SessionID))
	if err != nil {
		return newError(ErrorRevocationUnavailable, "revocation_lookup_error", err)
	}
	if revoked {
		return newError(ErrorTokenRevoked, "token_revoked", nil)
	}
	return nil
}

func (s *ConversationService) allow(key, sessionID string) *Error {
	err := s.limiter.Allow(key)
	if err == nil {
		return nil
	}
	uerr := newError(ErrorRateLimited, "rate_limited", err)
	var limitErr *ratelimit.LimitError
	if errors.As(err, &limitErr) {
		return uerr.withRecovery(Recovery{SessionID: sessionID, RetryAfter: limitErr.RetryAfter})
	}
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		return newError(ErrorInternal, "rate_limiter_error", err)
	}
	return uerr
}

// getSummary loads the summary and checks it belongs to the token's tenant.
func (s *ConversationService) getSummary(ctx context.Context, claims auth.Claims) (*domain.Summary, *Error) {
	sctx, cancel := s.dependencyContext(ctx)
	defer cancel()
	summary, err := s.store.GetSummary(sctx, claims.SessionID)
	if err != nil {
		return nil, storeError("get_summary", err)
	}
	if summary != nil && summary.TenantID != "" && summary.TenantID != claims.TenantID {
		return nil, newError(ErrorTokenInvalid, "tenant_mismatch", nil)
	}
	return summary, nil
}

func (s *ConversationService) issueState(ctx context.Context, sessionID, tenantID string, turn int) (string, auth.Claims, *Error) {
	kctx, cancel := s.dependencyContext(ctx)
	defer cancel()
	token, claims, err := s.stateTokens.Issue(kctx, sessionID, tenantID, turn)
	if err != nil {
		return "", auth.Claims{}, tokenError(err)
	}
	return token, claims, nil
}

func (s *ConversationService) dependencyContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.DependencyTimeout)
}

// record writes an audit event that must succeed before the operation may
// continue.
func (s *ConversationService) record(ctx context.Context, e audit.Event) *Error {
	actx, cancel := s.dependencyContext(ctx)
	defer cancel()
	if err := s.audit.Record(actx, e); err != nil {
		return newError(ErrorAuditUnavailable, "audit_write_error", err)
	}
	return nil
}

func (s *ConversationService) recordBestEffort(ctx context.Context, e audit.Event) {
	if e.CorrelationID == "" {
		e.CorrelationID = correlationID(ctx)
	}
	actx, cancel := s.dependencyContext(ctx)
	defer cancel()
	if err := s.audit.Record(actx, e); err != nil {
		s.log.WarnContext(ctx, "audit record failed",
			"action", e.Action,
			"status", e.Status,
			"session_id", e.SessionID,
			"err", err,
		)
	}
}

type pendingEvent audit.Event

func eventFor(ctx context.Context, action string, claims auth.Claims) pendingEvent {
	return pendingEvent{
		Action:        action,
		SessionID:     claims.SessionID,
		TenantID:      claims.TenantID,
		Turn:          claims.Turn,
		CorrelationID: correlationID(ctx),
	}
}

func (p pendingEvent) with(status, reason string) audit.Event {
	e := audit.Event(p)
	e.Status = status
	e.Reason = reason
	return e
}

func tokenError(err error) *Error {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		return newError(ErrorTokenExpired, "token_expired", err)
	case errors.Is(err, auth.ErrTokenInvalid):
		return newError(ErrorTokenInvalid, "token_invalid", err)
	default:
		return newError(ErrorKeyUnavailable, "signing_key_unavailable", err)
	}
}

func storeError(reason string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrorDBTimeout, reason, err)
	}
	return newError(ErrorDBError, reason, err)
}

// msClock hands out strictly increasing millisecond timestamps across calls
// in this process, so messages from back-to-back saves never collide.
type msClock struct {
	mu   sync.Mutex
	last int64
}

// reserve returns the first of n consecutive timestamps.
func (c *msClock) reserve(now time.Time, n int) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := now.UnixMilli()
	if base <= c.last {
		base = c.last + 1
	}
	c.last = base + int64(n) - 1
	return base
}
