package listsapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"shopsync/cmd/internal/auth"
	"shopsync/cmd/internal/lists"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: apiError{Code: code, Message: msg}})
}

// writeAuthError refuses an unauthenticated request with its typed reason.
func writeAuthError(w http.ResponseWriter, err error) {
	code := auth.Code(err)
	w.Header().Set("X-Auth-Error", code)
	w.Header().Set("WWW-Authenticate", `Bearer error="`+code+`"`)
	writeError(w, http.StatusUnauthorized, code, "authentication required")
}

// statusFor maps a service error onto its HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case lists.IsValidation(err):
		return http.StatusBadRequest, "invalid_request"
	case lists.IsForbidden(err):
		return http.StatusForbidden, "forbidden"
	case lists.IsNotFound(err):
		return http.StatusNotFound, "not_found"
	case lists.IsConflict(err):
		return http.StatusConflict, "conflict"
	case errors.Is(err, lists.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// errorMessage exposes the OpError message for client-facing errors only.
func errorMessage(status int, err error) string {
	if status >= 500 {
		return "request failed"
	}
	var oe lists.OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return http.StatusText(status)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
