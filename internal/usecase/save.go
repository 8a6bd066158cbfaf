package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"conversation-service/internal/audit"
	"conversation-service/internal/auth"
	"conversation-service/internal/domain"
	"conversation-service/internal/repository"
)

type saveRequest struct {
	SessionID string    `json:"sessionId"`
	Turn      *int      `json:"turn"`
	Delta     saveDelta `json:"delta"`
}

type saveDelta struct {
	SummaryUpdate   *string        `json:"summary_update"`
	FactsUpdate     map[string]any `json:"facts_update"`
	PendingAction   *string        `json:"pending_action"`
	AppendUser      *textInput     `json:"appendUser"`
	AppendAssistant *textInput     `json:"appendAssistant"`
	Messages        []messageInput `json:"messages"`
}

type textInput struct {
	Text *string `json:"text"`
}

type messageInput struct {
	Role *string `json:"role"`
	Text *string `json:"text"`
}

type SaveOutput struct {
	SessionID  string
	StateToken string
	Turn       int
}

// Save applies a delta to the session under compare-and-swap on the turn
// counter. Every user-authored string passes the scrubber before any write.
func (s *ConversationService) Save(ctx context.Context, token string, body []byte) (SaveOutput, error) {
	claims, err := s.authorize(ctx, token)
	if err != nil {
		return SaveOutput{}, err
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return SaveOutput{}, newError(ErrorInvalidInput, "missing_body", nil)
	}
	if len(body) > s.cfg.MaxPayloadBytes {
		return SaveOutput{}, newError(ErrorPayloadTooLarge, "payload_too_large", nil)
	}
	req, perr := parseSaveRequest(body)
	if perr != nil {
		return SaveOutput{}, perr
	}
	if req.SessionID != "" && req.SessionID != claims.SessionID {
		return SaveOutput{}, newError(ErrorInvalidInput, "session_mismatch", nil)
	}

	current, err := s.getSummary(ctx, claims)
	if err != nil {
		return SaveOutput{}, err
	}
	serverTurn := 0
	if current != nil {
		serverTurn = current.Turn
	}
	// With no summary row the server turn reads as 0, so a first save at
	// body.turn == token.turn == 0 passes here rather than conflicting.
	if *req.Turn != claims.Turn || claims.Turn != serverTurn {
		return SaveOutput{}, s.conflict(ctx, claims, serverTurn, nil)
	}

	msgs, merr := s.collectMessages(req.Delta)
	if merr != nil {
		return SaveOutput{}, merr
	}
	delta, serr := s.scrubDelta(ctx, req.Delta, msgs)
	if serr != nil {
		return SaveOutput{}, serr
	}

	ev := eventFor(ctx, actionSave, claims)
	if err := s.record(ctx, ev.with(audit.StatusAttempt, "")); err != nil {
		return SaveOutput{}, err
	}

	now := s.now()
	next := mergeSummary(current, delta)
	next.SessionID = claims.SessionID
	next.TenantID = claims.TenantID
	next.Turn = claims.Turn + 1
	next.UpdatedAt = now.UTC()
	next.ExpiresAt = now.Add(s.cfg.SummaryTTL).Unix()

	pctx, cancel := s.dependencyContext(ctx)
	putErr := s.store.PutSummaryIfTurnMatches(pctx, next, claims.Turn)
	cancel()
	if putErr != nil {
		if errors.Is(putErr, repository.ErrVersionConflict) {
			s.recordBestEffort(ctx, ev.with(audit.StatusFailure, "version_conflict"))
			return SaveOutput{}, s.conflictAfterRace(ctx, claims, putErr)
		}
		uerr := storeError("put_summary", putErr)
		s.recordBestEffort(ctx, ev.with(audit.StatusFailure, uerr.Reason))
		return SaveOutput{}, uerr
	}

	if len(delta.messages) > 0 {
		base := s.clock.reserve(now, len(delta.messages))
		rows := make([]domain.Message, 0, len(delta.messages))
		for i, m := range delta.messages {
			rows = append(rows, domain.Message{
				SessionID: claims.SessionID,
				Timestamp: base + int64(i),
				MessageID: s.newID(),
				Role:      m.Role,
				Content:   m.Text,
				ExpiresAt: now.Add(s.cfg.MessageTTL).Unix(),
			})
		}
		actx, cancel := s.dependencyContext(ctx)
		appendErr := s.store.AppendMessages(actx, claims.SessionID, rows)
		cancel()
		if appendErr != nil {
			// The summary already advanced; the client re-reads via Get.
			uerr := storeError("append_messages", appendErr)
			s.recordBestEffort(ctx, ev.with(audit.StatusFailure, uerr.Reason))
			return SaveOutput{}, uerr
		}
	}

	newToken, newClaims, ierr := s.rotateState(ctx, claims, true)
	if ierr != nil {
		return SaveOutput{}, ierr
	}
	ev.Turn = newClaims.Turn
	s.recordBestEffort(ctx, ev.with(audit.StatusSuccess, ""))
	return SaveOutput{SessionID: claims.SessionID, StateToken: newToken, Turn: newClaims.Turn}, nil
}

func parseSaveRequest(body []byte) (saveRequest, *Error) {
	var req saveRequest
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&req); err != nil {
		return saveRequest{}, newError(ErrorInvalidInput, "malformed_body", err)
	}
	if req.Turn == nil {
		return saveRequest{}, newError(ErrorInvalidInput, "missing_turn", nil)
	}
	if *req.Turn < 0 {
		return saveRequest{}, newError(ErrorInvalidInput, "negative_turn", nil)
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	return req, nil
}

// collectMessages flattens the delta's messages in append order: the
// messages list, then appendUser, then appendAssistant.
func (s *ConversationService) collectMessages(d saveDelta) ([]domain.ChatMessage, *Error) {
	out := make([]domain.ChatMessage, 0, len(d.Messages)+2)
	for i, m := range d.Messages {
		if m.Role == nil || m.Text == nil {
			return nil, newError(ErrorInvalidMessage, "message_missing_fields", fmt.Errorf("message %d needs role and text", i))
		}
		role := strings.TrimSpace(*m.Role)
		if !domain.ValidRole(role) {
			return nil, newError(ErrorInvalidMessage, "message_invalid_role", fmt.Errorf("message %d has role %q", i, role))
		}
		if strings.TrimSpace(*m.Text) == "" {
			return nil, newError(ErrorInvalidMessage, "message_empty_text", fmt.Errorf("message %d has empty text", i))
		}
		out = append(out, domain.ChatMessage{Role: role, Text: *m.Text})
	}
	for _, a := range []struct {
		in   *textInput
		role string
	}{{d.AppendUser, domain.RoleUser}, {d.AppendAssistant, domain.RoleAssistant}} {
		if a.in == nil {
			continue
		}
		if a.in.Text == nil || strings.TrimSpace(*a.in.Text) == "" {
			return nil, newError(ErrorInvalidMessage, "message_missing_fields", fmt.Errorf("%s message needs text", a.role))
		}
		out = append(out, domain.ChatMessage{Role: a.role, Text: *a.in.Text})
	}
	if len(out) > s.cfg.MaxMessagesPerSave {
		return nil, newError(ErrorInvalidMessage, "too_many_messages",
			fmt.Errorf("%d messages, at most %d per save", len(out), s.cfg.MaxMessagesPerSave))
	}
	return out, nil
}

type scrubbedDelta struct {
	summary       *string
	pendingAction *string
	facts         map[string]any
	messages      []domain.ChatMessage
}

// scrubDelta runs every client-supplied string through the scrubber and
// rejects the save if any pattern survives.
func (s *ConversationService) scrubDelta(ctx context.Context, d saveDelta, msgs []domain.ChatMessage) (scrubbedDelta, *Error) {
	sctx, cancel := s.dependencyContext(ctx)
	defer cancel()

	var out scrubbedDelta
	scrub := func(text string) (string, error) {
		clean, err := s.scrubber.Scrub(sctx, text)
		if err != nil {
			return "", newError(ErrorDLPUnavailable, "scrub_error", err)
		}
		if found := s.scrubber.Detect(clean); len(found) > 0 {
			return "", newError(ErrorDLPFailed, "residual_pii", fmt.Errorf("patterns still present: %s", strings.Join(found, ",")))
		}
		return clean, nil
	}

	if d.SummaryUpdate != nil {
		clean, err := scrub(*d.SummaryUpdate)
		if err != nil {
			return scrubbedDelta{}, asError(err)
		}
		out.summary = &clean
	}
	if d.PendingAction != nil {
		clean, err := scrub(*d.PendingAction)
		if err != nil {
			return scrubbedDelta{}, asError(err)
		}
		out.pendingAction = &clean
	}
	if d.FactsUpdate != nil {
		facts, err := scrubValue(d.FactsUpdate, scrub)
		if err != nil {
			return scrubbedDelta{}, asError(err)
		}
		out.facts = facts.(map[string]any)
	}
	out.messages = make([]domain.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		clean, err := scrub(m.Text)
		if err != nil {
			return scrubbedDelta{}, asError(err)
		}
		out.messages = append(out.messages, domain.ChatMessage{Role: m.Role, Text: clean})
	}
	return out, nil
}

// scrubValue walks decoded JSON and scrubs every string, including object
// keys. A null value is kept so the merge can delete that fact.
func scrubValue(v any, scrub func(string) (string, error)) (any, error) {
	switch t := v.(type) {
	case string:
		return scrub(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			key, err := scrub(k)
			if err != nil {
				return nil, err
			}
			clean, err := scrubValue(inner, scrub)
			if err != nil {
				return nil, err
			}
			out[key] = clean
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			clean, err := scrubValue(inner, scrub)
			if err != nil {
				return nil, err
			}
			out[i] = clean
		}
		return out, nil
	default:
		return v, nil
	}
}

// mergeSummary applies a scrubbed delta to the stored summary. Facts merge
// key by key; a null fact deletes the key.
func mergeSummary(current *domain.Summary, d scrubbedDelta) domain.Summary {
	var next domain.Summary
	if current != nil {
		next = *current
	}
	facts := make(map[string]any, len(next.FactsLedger)+len(d.facts))
	maps.Copy(facts, next.FactsLedger)
	for k, v := range d.facts {
		if v == nil {
			delete(facts, k)
			continue
		}
		facts[k] = v
	}
	next.FactsLedger = facts
	if d.summary != nil {
		next.Summary = *d.summary
	}
	if d.pendingAction != nil {
		next.PendingAction = *d.pendingAction
	}
	return next
}

// conflict builds a VERSION_CONFLICT error carrying a token re-issued at the
// server's turn so the client can retry without re-initializing.
func (s *ConversationService) conflict(ctx context.Context, claims auth.Claims, serverTurn int, cause error) *Error {
	uerr := newError(ErrorVersionConflict, "turn_mismatch", cause)
	resync := claims
	resync.Turn = serverTurn
	token, _, err := s.rotateState(ctx, resync, false)
	if err != nil {
		s.log.WarnContext(ctx, "could not re-issue token on conflict", "session_id", claims.SessionID, "err", err)
		turn := serverTurn
		return uerr.withRecovery(Recovery{SessionID: claims.SessionID, CurrentTurn: &turn})
	}
	turn := serverTurn
	return uerr.withRecovery(Recovery{SessionID: claims.SessionID, StateToken: token, CurrentTurn: &turn})
}

// conflictAfterRace handles a lost conditional write by re-reading the turn
// the winning writer left behind.
func (s *ConversationService) conflictAfterRace(ctx context.Context, claims auth.Claims, cause error) *Error {
	current, err := s.getSummary(ctx, claims)
	if err != nil {
		return err
	}
	serverTurn := 0
	if current != nil {
		serverTurn = current.Turn
	}
	uerr := s.conflict(ctx, claims, serverTurn, cause)
	uerr.Reason = "concurrent_write"
	return uerr
}

func (s *ConversationService) rotateState(ctx context.Context, claims auth.Claims, increment bool) (string, auth.Claims, *Error) {
	kctx, cancel := s.dependencyContext(ctx)
	defer cancel()
	token, next, err := s.stateTokens.Rotate(kctx, claims, increment)
	if err != nil {
		return "", auth.Claims{}, tokenError(err)
	}
	return token, next, nil
}

func asError(err error) *Error {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr
	}
	return newError(ErrorInternal, "unexpected_error", err)
}
