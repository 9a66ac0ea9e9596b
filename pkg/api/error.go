package api

import (
	"errors"
	"fmt"

	feederrors "github.com/gatherly/feedkit/pkg/errors"
	"github.com/go-resty/resty/v2"
	json "github.com/json-iterator/go"
)

// APIError represents an API error response
type APIError struct {
	Code       string
	Message    string
	StatusCode int
	Details    map[string]interface{}
}

func (e *APIError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("[%d] %s: %s (details: %v)", e.StatusCode, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%d] %s: %s", e.StatusCode, e.Code, e.Message)
}

// ParseError parses an error response from the API
func ParseError(resp *resty.Response) error {
	statusCode := resp.StatusCode()

	var errResp ErrorResponse
	if err := json.Unmarshal(resp.Body(), &errResp); err == nil {
		msg := errResp.Message
		if msg == "" {
			msg = errResp.Error
		}
		if errResp.Code != "" || msg != "" {
			code := errResp.Code
			if code == "" {
				code = "error"
			}
			return &APIError{
				Code:       code,
				Message:    msg,
				StatusCode: statusCode,
				Details:    errResp.Details,
			}
		}
	}

	return &APIError{
		Code:       "unknown_error",
		Message:    string(resp.Body()),
		StatusCode: statusCode,
	}
}

// CheckResponse turns a transport error or a non-2xx response into a
// categorized FeedError.
func CheckResponse(resp *resty.Response, err error) error {
	if err != nil {
		return feederrors.CategorizeError(err)
	}

	if !resp.IsSuccess() {
		return ToFeedError(ParseError(resp))
	}

	return nil
}

// ToFeedError maps an APIError onto the feed error taxonomy
func ToFeedError(err error) error {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return feederrors.CategorizeError(err)
	}

	fe := feederrors.FromStatus(apiErr.StatusCode, apiErr.Message)
	fe.Cause = apiErr
	if fe.Type == feederrors.ErrorTypeRateLimit {
		if retry, ok := apiErr.Details["retry_after"].(float64); ok && retry > 0 {
			fe.RetryAfter = int(retry)
			fe.Suggestion = fmt.Sprintf("Please wait %d seconds before trying again.", fe.RetryAfter)
		}
	}
	return fe
}

// IsUnauthorized checks if error is due to missing/invalid authentication
func IsUnauthorized(err error) bool {
	return statusOf(err) == 401
}

// IsNotFound checks if error is due to resource not found
func IsNotFound(err error) bool {
	return statusOf(err) == 404
}

// IsServerError checks if error is due to server error (5xx)
func IsServerError(err error) bool {
	return statusOf(err) >= 500
}

func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	var fe *feederrors.FeedError
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}
