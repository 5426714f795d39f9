package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"duel/internal/match"
	"duel/internal/oracle"
)

// Error codes returned in the error envelope
const (
	CodeNotFound         = "NOT_FOUND"
	CodeSelfJoin         = "SELF_JOIN"
	CodeNotParticipant   = "NOT_PARTICIPANT"
	CodeInvalidState     = "INVALID_STATE"
	CodeInvalidInput     = "INVALID_INPUT"
	CodePriceUnavailable = "PRICE_UNAVAILABLE"
	CodeUnavailable      = "UNAVAILABLE"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeRateLimited      = "RATE_LIMITED"
)

// ErrorBody is the payload of every non-2xx response
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retriable bool   `json:"retriable"`
}

type errorEnvelope struct {
	Error ErrorBody `json:"error"`
}

// classify maps an engine or oracle error to a status code and error code
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, match.ErrNotFound), errors.Is(err, oracle.ErrUnknownSymbol):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, match.ErrSelfJoin):
		return http.StatusConflict, CodeSelfJoin
	case errors.Is(err, match.ErrNotParticipant):
		return http.StatusForbidden, CodeNotParticipant
	case errors.Is(err, match.ErrInvalidState):
		return http.StatusConflict, CodeInvalidState
	case errors.Is(err, match.ErrInvalidInput):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, match.ErrPriceUnavailable):
		return http.StatusServiceUnavailable, CodePriceUnavailable
	default:
		return http.StatusServiceUnavailable, CodeUnavailable
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	retriable := match.IsRetriable(err) && !errors.Is(err, oracle.ErrUnknownSymbol)

	msg := err.Error()
	if code == CodeUnavailable {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		msg = "service temporarily unavailable"
	}
	if retriable {
		w.Header().Set("Retry-After", "1")
	}

	writeErrorBody(w, status, ErrorBody{Code: code, Message: msg, Retriable: retriable})
}

func writeErrorBody(w http.ResponseWriter, status int, body ErrorBody) {
	writeJSON(w, status, errorEnvelope{Error: body})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeErrorBody(w, http.StatusBadRequest, ErrorBody{Code: CodeInvalidInput, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
