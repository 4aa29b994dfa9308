package httpdto

// ErrorCode is the machine-readable reason carried by a failed API call.
// Clients branch on it; the message is for display only.
type ErrorCode string

const (
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeQuotaExceeded  ErrorCode = "QUOTA_EXCEEDED"
	CodeTooLarge       ErrorCode = "TOO_LARGE"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeConflict       ErrorCode = "CONFLICT"
	CodeRateLimited    ErrorCode = "RATE_LIMITED"
	CodeUnavailable    ErrorCode = "UNAVAILABLE"
	CodeUnhealthy      ErrorCode = "UNHEALTHY"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// Envelope wraps every chat API body. A successful call fills Data, a
// failed one fills Error and Code.
type Envelope[T any] struct {
	Success bool      `json:"success"`
	Data    T         `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
	Code    ErrorCode `json:"code,omitempty"`
}

func NewSuccessResponse[T any](data T) Envelope[T] {
	return Envelope[T]{Success: true, Data: data}
}

func NewErrorResponse(message string, code ErrorCode) Envelope[any] {
	return Envelope[any]{Error: message, Code: code}
}
