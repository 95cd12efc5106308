package errors

import (
	"encoding/json"
	"net/http"
)

// Body is the JSON shape of every error response.
type Body struct {
	Error   string `json:"error"`
	Code    Code   `json:"code"`
	Details any    `json:"details,omitempty"`
}

// WriteHTTP writes err as a JSON error response. The cause of the error is
// never included; callers log it.
func WriteHTTP(w http.ResponseWriter, err error) {
	e := As(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(Body{Error: e.Message, Code: e.Code, Details: e.Details})
}
