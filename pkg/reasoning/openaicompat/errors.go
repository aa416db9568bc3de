package openaicompat

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rhuss/omega/pkg/reasoning"
)

// MapHTTPError converts a non-2xx response into a reasoning.Error, using
// the backend's error message when the body carries one.
func MapHTTPError(name string, resp *http.Response) *reasoning.Error {
	message := ExtractErrorMessage(resp.Body)
	if message == "" {
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			message = "backend authentication failed"
		case resp.StatusCode == http.StatusNotFound:
			message = "backend resource not found"
		case resp.StatusCode == http.StatusTooManyRequests:
			message = "backend rate limit exceeded"
		case resp.StatusCode >= http.StatusInternalServerError:
			message = fmt.Sprintf("backend server error (HTTP %d)", resp.StatusCode)
		default:
			message = fmt.Sprintf("unexpected backend error (HTTP %d)", resp.StatusCode)
		}
	}
	return &reasoning.Error{Provider: name, StatusCode: resp.StatusCode, Message: message}
}

// MapNetworkError wraps a transport-level failure.
func MapNetworkError(name string, err error) *reasoning.Error {
	return &reasoning.Error{Provider: name, Message: "backend connection error", Err: err}
}

// ExtractErrorMessage parses body as a ChatErrorResponse and returns its
// message, or "".
func ExtractErrorMessage(body io.Reader) string {
	if body == nil {
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil || len(data) == 0 {
		return ""
	}
	var errResp ChatErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return errResp.Error.Message
	}
	return ""
}
