package schederr

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// RetryAfterSeconds is advertised to clients on timeout responses.
const RetryAfterSeconds = 1

// HTTPStatus maps an error code to a response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeConflict, CodeVersionMismatch:
		return http.StatusConflict
	case CodeInvalidRequirement:
		return http.StatusBadRequest
	case CodeInvalidTransition:
		return http.StatusUnprocessableEntity
	case CodeTimeout:
		return http.StatusServiceUnavailable
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Body is the JSON error payload. Code is a stable reason code, never a
// localized message.
type Body struct {
	Code      Code        `json:"code"`
	Message   string      `json:"message"`
	Retryable bool        `json:"retryable"`
	Details   interface{} `json:"details,omitempty"`
}

// Detailed is implemented by errors that carry structured details, such as
// the list of conflicts behind a rejected commit.
type Detailed interface {
	ErrorDetails() interface{}
}

// ToHTTP converts err into an echo error carrying a Body. Errors without a
// code become 500s.
func ToHTTP(c echo.Context, err error) error {
	code := CodeOf(err)
	if code == "" {
		code = CodeInvariantViolation
	}
	body := Body{Code: code, Message: err.Error(), Retryable: IsRetryable(err)}
	var d Detailed
	if errors.As(err, &d) {
		body.Details = d.ErrorDetails()
	}
	if code == CodeTimeout {
		c.Response().Header().Set("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	return echo.NewHTTPError(HTTPStatus(code), body)
}
