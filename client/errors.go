package client

import (
	"encoding/json"
	"fmt"
	"strings"
)

// APIError is a non-success response that is not a recoverable auth failure.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("request failed with status %d", e.Status)
}

// errorBody covers the error shapes the backend emits.
type errorBody struct {
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	var eb errorBody
	if len(body) == 0 || json.Unmarshal(body, &eb) != nil {
		return apiErr
	}
	switch {
	case strings.TrimSpace(eb.Message) != "":
		apiErr.Message = eb.Message
	case strings.TrimSpace(eb.ErrorDescription) != "":
		apiErr.Message = eb.ErrorDescription
	case strings.TrimSpace(eb.Error) != "":
		apiErr.Message = eb.Error
	}
	return apiErr
}
