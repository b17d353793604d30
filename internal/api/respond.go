package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	xerrors "AgentShield/internal/errors"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// withRequestID 为每个请求分配 ID，客户端传入的 X-Request-ID 优先。
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = "req_" + uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

type errorBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

type errorResponse struct {
	RequestID string    `json:"request_id"`
	Error     errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := xerrors.CodeOf(err)
	category := xerrors.CategoryOf(err)
	message := err.Error()
	if category == xerrors.CategoryInternal {
		message = "internal error"
	}
	writeJSON(w, statusFor(category), errorResponse{
		RequestID: requestIDFrom(r.Context()),
		Error: errorBody{
			Code:     string(code),
			Message:  message,
			Category: string(category),
		},
	})
}

// statusFor 将错误分类映射为 HTTP 状态码。
func statusFor(category xerrors.Category) int {
	switch category {
	case xerrors.CategoryRequest, xerrors.CategoryConfiguration:
		return http.StatusBadRequest
	case xerrors.CategoryAuthority:
		return http.StatusForbidden
	case xerrors.CategoryNotFound:
		return http.StatusNotFound
	case xerrors.CategoryLifecycle, xerrors.CategoryConflict, xerrors.CategoryIntegrity:
		return http.StatusConflict
	case xerrors.CategoryPolicy, xerrors.CategoryCapacity:
		return http.StatusUnprocessableEntity
	case xerrors.CategoryInfrastructure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
