package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Error implements repositories.RepositoryError for upstream API failures.
type Error struct {
	op          string
	status      int
	err         error
	notFound    bool
	unavailable bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.op != "" {
		return fmt.Sprintf("%s: %v", e.op, e.err)
	}
	return e.err.Error()
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether the upstream rejected the subject as unknown.
func (e *Error) IsNotFound() bool {
	return e != nil && e.notFound
}

// IsUnavailable reports whether the failure looks transient.
func (e *Error) IsUnavailable() bool {
	return e != nil && e.unavailable
}

// StatusCode returns the upstream HTTP status, or zero for transport errors.
func (e *Error) StatusCode() int {
	if e == nil {
		return 0
	}
	return e.status
}

// wrapStatus translates a non-2xx upstream response into an Error.
func wrapStatus(op string, resp *http.Response) error {
	detail := readErrorDetail(resp.Body)
	if detail == "" {
		detail = http.StatusText(resp.StatusCode)
	}

	e := &Error{
		op:     op,
		status: resp.StatusCode,
		err:    fmt.Errorf("upstream status %d: %s", resp.StatusCode, detail),
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		e.notFound = true
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		e.unavailable = true
	}
	return e
}

// readErrorDetail extracts a short message from an error body, preferring the
// conventional {"error": {"message": ...}} envelope.
func readErrorDetail(body io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(body, maxErrorBodyBytes))
	if err != nil || len(raw) == 0 {
		return ""
	}

	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil {
		if msg := strings.TrimSpace(envelope.Error.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(envelope.Message); msg != "" {
			return msg
		}
	}

	text := strings.TrimSpace(string(raw))
	if len(text) > 120 {
		text = text[:120]
	}
	return text
}
