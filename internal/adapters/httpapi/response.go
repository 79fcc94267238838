package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"garagecore/pkg/domain"
)

// Envelope is the body of every API response.
type Envelope struct {
	Data       any                `json:"data,omitempty"`
	Violations []domain.Violation `json:"violations,omitempty"`
	Error      *ErrorBody         `json:"error,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func success(c *gin.Context, status int, data any, res domain.Result) {
	c.JSON(status, Envelope{Data: data, Violations: res.Violations})
}

// statusFor maps the domain error taxonomy onto HTTP.
func statusFor(err error) (int, ErrorBody) {
	body := ErrorBody{Message: err.Error()}
	var validation domain.ValidationError
	var rule domain.RuleViolationError
	switch {
	case errors.As(err, &validation):
		body.Kind = "validation"
		body.Field = validation.Field
		return http.StatusBadRequest, body
	case errors.As(err, &rule):
		body.Kind = "business_rule"
		body.Code = rule.Code()
		return http.StatusUnprocessableEntity, body
	case errors.Is(err, domain.ErrNotFound):
		body.Kind = "not_found"
		return http.StatusNotFound, body
	case errors.Is(err, domain.ErrConflict):
		body.Kind = "conflict"
		return http.StatusConflict, body
	default:
		body.Kind = "internal"
		return http.StatusInternalServerError, body
	}
}

func failure(c *gin.Context, err error) {
	c.Abort()
	status, body := statusFor(err)
	env := Envelope{Error: &body}
	var rule domain.RuleViolationError
	if errors.As(err, &rule) {
		env.Violations = rule.Result.Violations
	}
	c.JSON(status, env)
}

func badRequest(c *gin.Context, err error) {
	c.Abort()
	c.JSON(http.StatusBadRequest, Envelope{Error: &ErrorBody{Kind: "validation", Field: "body", Message: err.Error()}})
}
