package authapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	// ErrNoSocketToken is returned when the backend answers without a channel
	// credential.
	ErrNoSocketToken = errors.New("authapi: no socket token in response")

	// ErrMalformedResponse is returned for bodies that do not match the
	// expected shape.
	ErrMalformedResponse = errors.New("authapi: malformed response")
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method  string
	Path    string
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
}

// IsUnauthorized reports whether err is a 401 StatusError.
func IsUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusUnauthorized
}

// decodeResponse closes resp.Body, turns non-2xx into *StatusError and
// decodes a 2xx body into dst (dst may be nil).
func decodeResponse(resp *http.Response, maxBytes int64, dst any) error {
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return err
	}
	if int64(len(body)) > maxBytes {
		return fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedResponse, maxBytes)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{Status: resp.StatusCode}
		if resp.Request != nil {
			se.Method = resp.Request.Method
			se.Path = resp.Request.URL.Path
		}
		var msg messageResponse
		if json.Unmarshal(body, &msg) == nil {
			se.Message = strings.TrimSpace(msg.Message)
		}
		return se
	}

	if dst == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}
