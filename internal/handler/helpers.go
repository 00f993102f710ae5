package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/faucetdb/spigot/internal/model"
	"github.com/faucetdb/spigot/internal/server/middleware"
	"github.com/faucetdb/spigot/internal/service"
)

// maxBodyBytes caps request bodies; every payload here is a few fields.
const maxBodyBytes = 64 << 10

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Message: message,
			Context: ctxMap,
		},
	})
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator reports field errors under their JSON names.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// requestError is a malformed or invalid request body.
type requestError struct {
	message string
	fields  map[string]string
}

func (e *requestError) Error() string { return e.message }

// readJSON decodes the request body into v and validates it. The body is
// closed after decoding regardless of success or failure.
func readJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return &requestError{message: "Invalid request body"}
	}

	err := getValidator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &requestError{message: "Invalid request body"}
	}
	fields := make(map[string]string, len(verrs))
	names := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = fieldMessage(fe)
		names = append(names, fe.Field())
	}
	return &requestError{
		message: "Invalid request: " + strings.Join(names, ", "),
		fields:  fields,
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "email":
		return "must be a valid email address"
	case "oneof":
		return "must be one of: " + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gt":
		return "must be greater than " + fe.Param()
	default:
		return "is invalid"
	}
}

// writeRequestError renders an error from readJSON as 400.
func writeRequestError(w http.ResponseWriter, err error) {
	var re *requestError
	if errors.As(err, &re) && len(re.fields) > 0 {
		writeError(w, http.StatusBadRequest, re.message, map[string]interface{}{"fields": re.fields})
		return
	}
	writeError(w, http.StatusBadRequest, "Invalid request body")
}

// queryBool extracts a boolean query parameter. Returns false if the parameter
// is missing or not "true"/"1".
func queryBool(r *http.Request, key string) bool {
	val := r.URL.Query().Get(key)
	return val == "true" || val == "1"
}

// parseID parses a positive integer path parameter.
func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

// writeServiceError maps the service error taxonomy onto HTTP statuses. The
// messages are fixed per error so nothing internal reaches the client;
// unexpected errors are logged and reported as a generic 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var (
		locked *service.LockedError
		weak   *service.WeakSecretError
	)
	switch {
	case errors.As(err, &locked):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(locked.RetryAfter.Seconds()))))
		writeError(w, http.StatusLocked, "Too many failed attempts. Try again later.", map[string]interface{}{
			"lockedUntil":       locked.Until,
			"retryAfterMinutes": locked.RetryMinutes(),
		})
	case errors.As(err, &weak):
		writeError(w, http.StatusBadRequest, "Password does not meet the strength policy", map[string]interface{}{
			"unmet": weak.Unmet,
		})

	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Invalid credentials")
	case errors.Is(err, service.ErrTokenMissing),
		errors.Is(err, service.ErrTokenMalformed),
		errors.Is(err, service.ErrTokenExpired),
		errors.Is(err, service.ErrTokenRevoked):
		writeError(w, http.StatusUnauthorized, "Invalid or expired token", map[string]interface{}{
			"action": service.ActionFor(err),
		})

	case errors.Is(err, service.ErrDuplicateIdentity),
		errors.Is(err, service.ErrDuplicateEmail),
		errors.Is(err, service.ErrInvalidRole),
		errors.Is(err, service.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, capitalize(err.Error()))

	case errors.Is(err, service.ErrRegistrationForbidden),
		errors.Is(err, service.ErrForbidden),
		errors.Is(err, service.ErrSelfTarget),
		errors.Is(err, service.ErrLastSuperAdmin),
		errors.Is(err, service.ErrCSRFMismatch):
		writeError(w, http.StatusForbidden, capitalize(err.Error()))

	case errors.Is(err, service.ErrAdminNotFound),
		errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, service.ErrLockoutNotFound):
		writeError(w, http.StatusNotFound, capitalize(err.Error()))

	default:
		logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetRequestID(r.Context()),
			"error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
