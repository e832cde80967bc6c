package discord

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type errResp map[string]any

// APIError is a non-2xx response from the discord api
type APIError struct {
	StatusCode int
	Body       errResp
}

func (e *APIError) Error() string {
	return fmt.Sprintf("discord api responded %d: %v", e.StatusCode, e.Body)
}

// Transient reports whether the request is worth retrying: rate limits and
// server errors are, anything else (missing permissions, unknown member) isn't.
func (e *APIError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// readErr turns an unsuccessful response into an APIError, keeping the raw
// body when it isn't json
func readErr(res *http.Response) error {
	byts, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("error reading error body for status %d: %s", res.StatusCode, err)
	}

	er := errResp{}
	if err := json.Unmarshal(byts, &er); err != nil {
		er = errResp{"message": string(byts)}
	}

	return &APIError{StatusCode: res.StatusCode, Body: er}
}
