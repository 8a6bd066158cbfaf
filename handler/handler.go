package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"conversation-service/internal/domain"
	"conversation-service/internal/usecase"
)

const (
	headerCorrelationID = "X-Correlation-Id"
	headerStateToken    = "X-State-Token"
	headerTenantID      = "X-Tenant-Id"

	actionInit        = "init"
	actionGet         = "get"
	actionSave        = "save"
	actionClear       = "clear"
	actionStreamToken = "stream-token"
	actionRevoke      = "revoke"
)

// ConversationUseCase is the set of operations the handler dispatches to.
type ConversationUseCase interface {
	Init(ctx context.Context, in usecase.InitInput) (usecase.InitOutput, error)
	Get(ctx context.Context, token string) (usecase.GetOutput, error)
	Save(ctx context.Context, token string, body []byte) (usecase.SaveOutput, error)
	Clear(ctx context.Context, token string) (usecase.ClearOutput, error)
	IssueStreamToken(ctx context.Context, token string) (usecase.StreamTokenOutput, error)
	Revoke(ctx context.Context, in usecase.RevokeInput) (usecase.RevokeOutput, error)
}

type Handler struct {
	uc         ConversationUseCase
	production bool
	log        *slog.Logger
}

type Option func(*Handler)

// WithProduction controls whether error responses may carry internal
// detail. Production is the default.
func WithProduction(production bool) Option {
	return func(h *Handler) {
		h.production = production
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) {
		if log != nil {
			h.log = log
		}
	}
}

func NewHandler(uc ConversationUseCase, opts ...Option) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &Handler{uc: uc, production: true, log: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type initRequest struct {
	TenantID string `json:"tenantId"`
}

type initResponse struct {
	SessionID  string `json:"sessionId"`
	StateToken string `json:"stateToken"`
	Turn       int    `json:"turn"`
}

type getResponse struct {
	SessionID  string                   `json:"sessionId"`
	State      domain.ConversationState `json:"state"`
	StateToken string                   `json:"stateToken"`
}

type saveResponse struct {
	StateToken string `json:"stateToken"`
	Turn       int    `json:"turn"`
}

type clearReport struct {
	MessagesDeleted  int  `json:"messagesDeleted"`
	SummariesDeleted int  `json:"summariesDeleted"`
	Verified         bool `json:"verified"`
}

type clearResponse struct {
	SessionID  string      `json:"sessionId"`
	Report     clearReport `json:"report"`
	StateToken *string     `json:"stateToken"`
}

type streamTokenResponse struct {
	SessionID   string    `json:"sessionId"`
	StreamToken string    `json:"streamToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type revokeRequest struct {
	Reason string `json:"reason"`
	Scope  string `json:"scope"`
}

type revokeResponse struct {
	SessionID string    `json:"sessionId"`
	Revoked   bool      `json:"revoked"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Message     string `json:"message"`
	StateToken  string `json:"stateToken,omitempty"`
	CurrentTurn *int   `json:"currentTurn,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	Detail      string `json:"detail,omitempty"`
	Retryable   bool   `json:"retryable"`
}

// Handle dispatches an API Gateway proxy request by its action query
// parameter.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	correlationID := headerValue(req.Headers, headerCorrelationID)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	ctx = usecase.WithCorrelationID(ctx, correlationID)

	action := strings.ToLower(strings.TrimSpace(req.QueryStringParameters["action"]))
	if want, ok := actionMethods[action]; ok && !methodAllowed(req.HTTPMethod, want) {
		return h.errorResponse(ctx, correlationID, action, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "method_not_allowed"}, http.StatusMethodNotAllowed), nil
	}

	body, err := requestBody(req)
	if err != nil {
		return h.fail(ctx, correlationID, action, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_body", Err: err}), nil
	}
	token := bearerToken(req.Headers)

	switch action {
	case actionInit:
		var in initRequest
		if len(body) > 0 {
			if err := json.Unmarshal(body, &in); err != nil {
				return h.fail(ctx, correlationID, action, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_body", Err: err}), nil
			}
		}
		if in.TenantID == "" {
			in.TenantID = headerValue(req.Headers, headerTenantID)
		}
		out, err := h.uc.Init(ctx, usecase.InitInput{TenantID: in.TenantID, ClientID: req.RequestContext.Identity.SourceIP})
		if err != nil {
			return h.fail(ctx, correlationID, action, err), nil
		}
		return jsonResponse(http.StatusCreated, correlationID, initResponse{SessionID: out.SessionID, StateToken: out.StateToken, Turn: out.Turn}), nil

	case actionGet:
		out, err := h.uc.Get(ctx, token)
		if err != nil {
			return h.fail(ctx, correlationID, action, err), nil
		}
		return jsonResponse(http.StatusOK, correlationID, getResponse{SessionID: out.SessionID, State: out.State, StateToken: out.StateToken}), nil

	case actionSave:
		out, err := h.uc.Save(ctx, token, body)
		if err != nil {
			return h.fail(ctx, correlationID, action, err), nil
		}
		return jsonResponse(http.StatusOK, correlationID, saveResponse{StateToken: out.StateToken, Turn: out.Turn}), nil

	case actionClear:
		out, err := h.uc.Clear(ctx, token)
		if err != nil {
			return h.fail(ctx, correlationID, action, err), nil
		}
		return jsonResponse(http.StatusOK, correlationID, clearResponse{
			SessionID: out.SessionID,
			Report: clearReport{
				MessagesDeleted:  out.Report.MessagesDeleted,
				SummariesDeleted: out.Report.SummariesDeleted,
				Verified:         out.Report.Verified,
			},
		}), nil

	case actionStreamToken:
		out, err := h.uc.IssueStreamToken(ctx, token)
		if err != nil {
			return h.fail(ctx, correlationID, action, err), nil
		}
		return jsonResponse(http.StatusOK, correlationID, streamTokenResponse{SessionID: out.SessionID, StreamToken: out.Token, ExpiresAt: out.ExpiresAt}), nil

	case actionRevoke:
		var in revokeRequest
		if len(body) > 0 {
			if err := json.Unmarshal(body, &in); err != nil {
				return h.fail(ctx, correlationID, action, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "malformed_body", Err: err}), nil
			}
		}
		scope := usecase.RevokeScope(strings.ToLower(strings.TrimSpace(in.Scope)))
		if scope == "" {
			scope = usecase.RevokeToken
		}
		out, err := h.uc.Revoke(ctx, usecase.RevokeInput{StateToken: token, Reason: in.Reason, Scope: scope})
		if err != nil {
			return h.fail(ctx, correlationID, action, err), nil
		}
		return jsonResponse(http.StatusOK, correlationID, revokeResponse{SessionID: out.SessionID, Revoked: true, Scope: string(scope), ExpiresAt: out.ExpiresAt}), nil

	default:
		return h.fail(ctx, correlationID, action, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "unknown_action"}), nil
	}
}

var actionMethods = map[string][]string{
	actionInit:        {http.MethodPost},
	actionGet:         {http.MethodGet, http.MethodPost},
	actionSave:        {http.MethodPost, http.MethodPut},
	actionClear:       {http.MethodPost, http.MethodDelete},
	actionStreamToken: {http.MethodPost},
	actionRevoke:      {http.MethodPost},
}

func methodAllowed(method string, allowed []string) bool {
	if method == "" {
		return true
	}
	for _, m := range allowed {
		if strings.EqualFold(method, m) {
			return true
		}
	}
	return false
}

func (h *Handler) fail(ctx context.Context, correlationID, action string, err error) events.APIGatewayProxyResponse {
	var uerr *usecase.Error
	if !errors.As(err, &uerr) {
		uerr = &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected_error", Err: err}
	}
	return h.errorResponse(ctx, correlationID, action, uerr, statusFor(uerr.Code))
}

func (h *Handler) errorResponse(ctx context.Context, correlationID, action string, uerr *usecase.Error, status int) events.APIGatewayProxyResponse {
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.log.Log(ctx, level, "request failed",
		"action", action,
		"code", uerr.Code,
		"reason", uerr.Reason,
		"status", status,
		"correlation_id", correlationID,
		"err", uerr.Err,
	)

	body := errorResponse{
		Error:     string(uerr.Code),
		Message:   safeMessage(uerr.Code),
		Retryable: uerr.Code.Retryable(),
	}
	if r := uerr.Recovery; r != nil {
		body.StateToken = r.StateToken
		body.CurrentTurn = r.CurrentTurn
		body.SessionID = r.SessionID
	}
	if !h.production {
		body.Detail = uerr.Error()
	}

	resp := jsonResponse(status, correlationID, body)
	if uerr.Recovery != nil && uerr.Recovery.RetryAfter > 0 {
		secs := int(math.Ceil(uerr.Recovery.RetryAfter.Seconds()))
		resp.Headers["Retry-After"] = strconv.Itoa(max(secs, 1))
	}
	return resp
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorTokenInvalid, usecase.ErrorTokenExpired, usecase.ErrorTokenRevoked:
		return http.StatusUnauthorized
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case usecase.ErrorInvalidMessage, usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorVersionConflict:
		return http.StatusConflict
	case usecase.ErrorDLPFailed:
		return http.StatusUnprocessableEntity
	case usecase.ErrorDLPUnavailable, usecase.ErrorKeyUnavailable, usecase.ErrorAuditUnavailable, usecase.ErrorRevocationUnavailable:
		return http.StatusServiceUnavailable
	case usecase.ErrorDBTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func safeMessage(code usecase.ErrorCode) string {
	switch code {
	case usecase.ErrorTokenInvalid:
		return "The session token is missing or invalid."
	case usecase.ErrorTokenExpired:
		return "The session token has expired. Start a new session."
	case usecase.ErrorTokenRevoked:
		return "The session token has been revoked."
	case usecase.ErrorRateLimited:
		return "Too many requests. Retry later."
	case usecase.ErrorPayloadTooLarge:
		return "The request body is too large."
	case usecase.ErrorInvalidMessage:
		return "Each message needs a role and text."
	case usecase.ErrorInvalidInput:
		return "The request is invalid."
	case usecase.ErrorVersionConflict:
		return "The conversation changed. Retry with the returned state token."
	case usecase.ErrorDLPUnavailable:
		return "Content protection is unavailable. Retry later."
	case usecase.ErrorDLPFailed:
		return "The content could not be safely stored."
	case usecase.ErrorDBTimeout, usecase.ErrorDBError, usecase.ErrorKeyUnavailable,
		usecase.ErrorAuditUnavailable, usecase.ErrorRevocationUnavailable:
		return "A dependency is unavailable. Retry later."
	default:
		return "Internal error."
	}
}

func jsonResponse(status int, correlationID string, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR","message":"Internal error."}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":      "application/json",
			"Cache-Control":     "no-store",
			headerCorrelationID: correlationID,
		},
		Body: string(body),
	}
}

func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	return base64.StdEncoding.DecodeString(req.Body)
}

// bearerToken reads the state token from Authorization: Bearer, falling back
// to X-State-Token.
func bearerToken(headers map[string]string) string {
	if auth := headerValue(headers, "Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return headerValue(headers, headerStateToken)
}

func headerValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
