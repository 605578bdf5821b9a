package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sst/opencode-sdk-go"
	"github.com/tidwall/gjson"

	"github.com/cjenaro/opencode-acp/pkg/types"
)

// ErrBackend marks every failure that originates in the opencode server or
// the transport to it.
var ErrBackend = errors.New("backend error")

var errMissingSessionID = fmt.Errorf("session: %w: id", types.ErrMissingField)

// Error codes sent by the opencode server.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeInternalError  = "INTERNAL_ERROR"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// ErrorResponse is the server's error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error details.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("opencode: HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("opencode: HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// Unwrap lets errors.Is match ErrBackend.
func (e *APIError) Unwrap() error { return ErrBackend }

// IsNotFound reports whether err is a NOT_FOUND response.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.Code == CodeNotFound || apiErr.Status == 404)
}

// fromSDK converts the SDK's error for a non-2xx response into *APIError,
// reading the server's error envelope when there is one.
func fromSDK(e *opencode.Error) *APIError {
	raw := e.JSON.RawJSON()
	apiErr := &APIError{
		Status:  e.StatusCode,
		Code:    gjson.Get(raw, "error.code").String(),
		Message: gjson.Get(raw, "error.message").String(),
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(raw)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(e.StatusCode)
	}
	return apiErr
}

func backendErr(op string, err error) error {
	var sdkErr *opencode.Error
	if errors.As(err, &sdkErr) {
		err = fromSDK(sdkErr)
	}
	if errors.Is(err, ErrBackend) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrBackend, err)
}
