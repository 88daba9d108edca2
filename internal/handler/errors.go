package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"msisdn-gateway/internal/auth"
	"msisdn-gateway/internal/errs"
	"msisdn-gateway/internal/util"
)

// Errno values returned in the "errno" field of error bodies. Clients
// switch on these, never on the message.
const (
	ErrnoBadJSON           = 106
	ErrnoInvalidParameters = 107
	ErrnoMissingParameters = 108
	ErrnoInvalidMsisdn     = 109
	ErrnoInvalidAuthToken  = 110
	ErrnoExpired           = 111
	ErrnoInvalidCode       = 113
	ErrnoLengthMissing     = 114
	ErrnoBackend           = 201
	ErrnoUndefined         = 999
)

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Errno   int    `json:"errno,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type apiError struct {
	status  int
	errno   int
	message string
}

// classify maps a service error to its HTTP status, errno and the message
// shown to clients.
func classify(err error) apiError {
	switch {
	case errors.Is(err, errs.ErrTransientStorage),
		errors.Is(err, errs.ErrAllProvidersFailed),
		errors.Is(err, errs.ErrNoProviders):
		return apiError{http.StatusServiceUnavailable, ErrnoBackend, "Service Unavailable"}
	case errors.Is(err, errs.ErrUnauthorized), errors.Is(err, errs.ErrUnknownCredentials):
		return apiError{http.StatusUnauthorized, ErrnoInvalidAuthToken, "Unauthorized"}
	case errors.Is(err, errs.ErrCodeExpired):
		return apiError{http.StatusGone, ErrnoExpired, "Code has expired."}
	case errors.Is(err, errs.ErrCodeInvalid), errors.Is(err, errs.ErrCodeInvalidExpired):
		return apiError{http.StatusBadRequest, ErrnoInvalidCode, "Code error."}
	case errors.Is(err, errs.ErrDecode):
		return apiError{http.StatusLengthRequired, ErrnoExpired, "Unable to decrypt stored MSISDN"}
	case errors.Is(err, errs.ErrSessionConflict):
		return apiError{http.StatusBadRequest, ErrnoInvalidParameters, "You can validate only one MSISDN per session."}
	case errors.Is(err, errs.ErrValidationExpired):
		return apiError{http.StatusGone, ErrnoExpired, "Validation has expired."}
	case errors.Is(err, errs.ErrInvalidParameters):
		return apiError{http.StatusBadRequest, ErrnoInvalidParameters, err.Error()}
	default:
		return apiError{http.StatusInternalServerError, ErrnoUndefined, "Internal Server Error"}
	}
}

func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		util.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func sendError(w http.ResponseWriter, statusCode, errno int, message string) {
	respondWithJSON(w, statusCode, ErrorResponse{
		Code:  statusCode,
		Errno: errno,
		Error: message,
	})
}

// respondWithError renders err. Failures the client cannot fix are logged
// at error level, the rest at debug.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	if e.status >= http.StatusInternalServerError {
		util.Error("Request failed",
			util.String("path", r.URL.Path),
			util.Int("status_code", e.status),
			util.ErrorField(err),
		)
	} else {
		util.Debug("Request rejected",
			util.String("path", r.URL.Path),
			util.Int("status_code", e.status),
			util.ErrorField(err),
		)
	}

	if stale, ok := auth.IsStale(err); ok {
		w.Header().Set("WWW-Authenticate", stale.Challenge())
	} else if e.status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Hawk")
	}
	sendError(w, e.status, e.errno, e.message)
}
