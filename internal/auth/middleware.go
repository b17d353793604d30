package auth

import (
	"encoding/json"
	"net/http"
	"time"

	xerrors "AgentShield/internal/errors"
)

const defaultMaxBodyBytes = 1 << 20

// MiddlewareConfig 配置签名校验中间件的行为。
type MiddlewareConfig struct {
	// MaxBodyBytes 限制请求体大小。
	MaxBodyBytes int64
	// OnError 负责写出错误响应，为空时返回纯文本状态。
	OnError func(w http.ResponseWriter, r *http.Request, err error)
}

// Middleware 解析请求体中的签名信封并完成校验，通过后把结果放入上下文。
func (v *Verifier) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	limit := cfg.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	onError := cfg.OnError
	if onError == nil {
		onError = func(w http.ResponseWriter, _ *http.Request, err error) {
			status := http.StatusUnauthorized
			if xerrors.CategoryOf(err) == xerrors.CategoryRequest {
				status = http.StatusBadRequest
			}
			http.Error(w, http.StatusText(status), status)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var env Envelope
			dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
			dec.DisallowUnknownFields()
			if err := dec.Decode(&env); err != nil {
				v.deny(r, xerrors.Wrap(CodeMalformedEnvelope, err, "decode envelope"), onError, w)
				return
			}

			verified, err := v.Verify(r.Context(), &env)
			if err != nil {
				v.deny(r, err, onError, w)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithVerified(r.Context(), verified)))
			v.audit.Info("signed_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"signer", verified.Transaction.Signer.Hex(),
				"vault", verified.Transaction.Vault.Hex(),
				"nonce", env.Nonce,
			)
		})
	}
}

func (v *Verifier) deny(r *http.Request, err error, onError func(http.ResponseWriter, *http.Request, error), w http.ResponseWriter) {
	v.audit.Warn("access_denied",
		"path", r.URL.Path,
		"method", r.Method,
		"code", string(xerrors.CodeOf(err)),
		"error", err.Error(),
	)
	onError(w, r, err)
}

// auditWriter 包装 http.ResponseWriter 以捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
