// Package httputil holds the JSON plumbing of the inspection API.
package httputil

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"github.com/skycoin/skycoin/src/util/logging"
)

// MaxBodySize bounds request bodies read by ReadJSON.
const MaxBodySize = 1 << 20

var log = logging.MustGetLogger("httputil")

// ErrorBody is the response body sent for an error.
type ErrorBody struct {
	Error string `json:"error"`
}

// WriteJSON writes v as the JSON response with the given status code. An
// error value is sent as ErrorBody. "?pretty" indents the output.
func WriteJSON(w http.ResponseWriter, r *http.Request, code int, v interface{}) {
	if err, ok := v.(error); ok {
		v = ErrorBody{Error: err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	if _, ok := r.URL.Query()["pretty"]; ok {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		log.WithError(err).WithField("path", r.URL.Path).Warn("Failed to write response")
	}
}

// ReadJSON decodes the request body into v. Unknown fields, trailing data
// and bodies over MaxBodySize are errors.
func ReadJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, MaxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	if dec.More() {
		return errors.New("invalid request body: trailing data")
	}
	return nil
}
