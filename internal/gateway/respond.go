// ABOUTME: JSON request decoding, validation and error responses for the HTTP handlers
// ABOUTME: Orchestrator and device errors map onto {"error": code, "message": text} bodies

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/devices"
	"github.com/silence-laboratories/browserIntent-mpc-orchestrator/internal/orchestrator"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// requestError is a client mistake found before the orchestrator runs.
type requestError struct {
	status  int
	code    string
	message string
}

func (e *requestError) Error() string { return e.code + ": " + e.message }

func badRequest(code, message string) *requestError {
	return &requestError{status: http.StatusBadRequest, code: code, message: message}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to a status and body. Internal failures are logged and
// their details withheld.
func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := g.errorResponse(r, err)
	if status == 0 {
		return
	}
	writeJSON(w, status, body)
}

// errorResponse returns status 0 when the client has gone away.
func (g *Gateway) errorResponse(r *http.Request, err error) (int, errorBody) {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		return reqErr.status, errorBody{Error: reqErr.code, Message: reqErr.message}
	}

	if e, ok := orchestrator.AsError(err); ok && e.Kind != orchestrator.KindDependency {
		return e.Kind.HTTPStatus(), errorBody{Error: e.Code, Message: e.Message}
	}

	switch {
	case errors.Is(err, devices.ErrDeviceNotFound):
		return http.StatusNotFound, errorBody{Error: "device_not_found", Message: "Device not found"}
	case errors.Is(err, devices.ErrNotDeviceOwner):
		return http.StatusForbidden, errorBody{Error: orchestrator.CodeUnauthorized, Message: "Device belongs to another account"}
	case errors.Is(err, devices.ErrInvalidPushToken):
		return http.StatusBadRequest, errorBody{Error: "invalid_device_token", Message: err.Error()}
	case errors.Is(err, devices.ErrMissingDeviceID):
		return http.StatusBadRequest, errorBody{Error: orchestrator.CodeMissingFields, Message: "deviceId is required"}
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		return 0, errorBody{}
	}

	g.logger.Error("request failed",
		"request_id", r.Header.Get("X-Request-ID"),
		"method", r.Method,
		"path", r.URL.Path,
		"error", err)
	return http.StatusInternalServerError, errorBody{Error: orchestrator.CodeInternal, Message: "Internal server error"}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeJSON reads a JSON body into dst and validates it. An empty body is
// accepted when optional is set.
func (g *Gateway) decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF) && optional:
		case errors.Is(err, io.EOF):
			return badRequest("invalid_request", "Request body is required")
		case errors.As(err, &tooLarge):
			return &requestError{status: http.StatusRequestEntityTooLarge, code: "request_too_large", message: "Request body too large"}
		default:
			return badRequest("invalid_request", "Invalid JSON body")
		}
	}
	return g.validateStruct(dst)
}

func (g *Gateway) validateStruct(v any) error {
	err := g.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return badRequest("invalid_request", err.Error())
	}

	code := "invalid_request"
	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Tag() == "required" {
			code = orchestrator.CodeMissingFields
		}
		msgs = append(msgs, fieldErrorMessage(fe))
	}
	return badRequest(code, strings.Join(msgs, "; "))
}

func fieldErrorMessage(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s characters long", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters long", field, fe.Param())
	case "uuid":
		return fmt.Sprintf("%s must be a valid UUID", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed validation for '%s'", field, fe.Tag())
	}
}
