package web

import (
	"errors"
	"net/http"

	"github.com/finml-sage/agent-swarm-protocol/internal/crypto"
	"github.com/finml-sage/agent-swarm-protocol/internal/envelope"
	"github.com/finml-sage/agent-swarm-protocol/internal/store"
	"github.com/finml-sage/agent-swarm-protocol/internal/swarm"
	"github.com/finml-sage/agent-swarm-protocol/internal/token"
	"github.com/finml-sage/agent-swarm-protocol/internal/transport"
)

// Error codes carried in the error envelope. Peers branch on the code;
// messages are for humans and may change.
const (
	CodeInvalidFormat    = "INVALID_FORMAT"
	CodeInvalidSignature = "INVALID_SIGNATURE"
	CodeNotAuthorized    = "NOT_AUTHORIZED"
	CodeNotMaster        = "NOT_MASTER"
	CodeNotMember        = "NOT_MEMBER"
	CodeInvitesDisabled  = "INVITES_DISABLED"
	CodeApprovalRequired = "APPROVAL_REQUIRED"
	CodeTransferDeclined = "TRANSFER_DECLINED"
	CodeSwarmNotFound    = "SWARM_NOT_FOUND"
	CodeMemberNotFound   = "MEMBER_NOT_FOUND"
	CodeMessageNotFound  = "MESSAGE_NOT_FOUND"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeTokenExhausted   = "TOKEN_EXHAUSTED"
	CodeTokenRevoked     = "TOKEN_REVOKED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInternalError    = "INTERNAL_ERROR"
)

// errApprovalPending reports a sender whose join request is still waiting
// for master review.
var errApprovalPending = errors.New("join request awaiting approval")

// errorBody is the inner error object of the envelope.
type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// errorEnvelope is the wire form of every error response.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// writeError writes a JSON error envelope.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: msg}})
}

// httpError maps a domain error to its HTTP status and protocol code.
func httpError(err error) (int, string) {
	var se *transport.StatusError
	if errors.As(err, &se) {
		// Relay what the remote said about our request.
		code := se.Code
		if code == "" {
			code = CodeInternalError
		}
		return se.Status, code
	}

	switch {
	case errors.Is(err, envelope.ErrInvalid):
		return http.StatusBadRequest, CodeInvalidFormat
	case errors.Is(err, crypto.ErrSignatureInvalid):
		return http.StatusUnauthorized, CodeInvalidSignature
	case errors.Is(err, swarm.ErrNotMaster):
		return http.StatusForbidden, CodeNotMaster
	case errors.Is(err, swarm.ErrNotMember):
		return http.StatusForbidden, CodeNotMember
	case errors.Is(err, swarm.ErrInvitesDisabled):
		return http.StatusForbidden, CodeInvitesDisabled
	case errors.Is(err, swarm.ErrTransferDeclined):
		return http.StatusForbidden, CodeTransferDeclined
	case errors.Is(err, errApprovalPending):
		return http.StatusForbidden, CodeApprovalRequired
	case errors.Is(err, swarm.ErrNotAuthorized), errors.Is(err, swarm.ErrNoTransferOffer):
		return http.StatusForbidden, CodeNotAuthorized
	case errors.Is(err, store.ErrSwarmNotFound):
		return http.StatusNotFound, CodeSwarmNotFound
	case errors.Is(err, store.ErrMemberNotFound), errors.Is(err, store.ErrPendingNotFound):
		return http.StatusNotFound, CodeMemberNotFound
	case errors.Is(err, store.ErrMessageNotFound):
		return http.StatusNotFound, CodeMessageNotFound
	case errors.Is(err, token.ErrTokenExpired):
		return http.StatusUnauthorized, CodeTokenExpired
	case errors.Is(err, token.ErrTokenExhausted):
		return http.StatusForbidden, CodeTokenExhausted
	case errors.Is(err, token.ErrTokenRevoked):
		return http.StatusForbidden, CodeTokenRevoked
	case errors.Is(err, store.ErrTokenNotFound):
		return http.StatusNotFound, CodeInvalidToken
	case errors.Is(err, token.ErrTokenInvalid):
		return http.StatusUnauthorized, CodeInvalidToken
	default:
		return http.StatusInternalServerError, CodeInternalError
	}
}

// fail translates a domain error into an error envelope. Internal details
// are logged, not shown to the caller.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := httpError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	}
	writeError(w, status, code, msg)
}
