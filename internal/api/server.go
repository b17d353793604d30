package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"AgentShield/internal/auth"
	"AgentShield/internal/observability/metrics"
	"AgentShield/internal/vault"
	"AgentShield/internal/web3"
	"AgentShield/pkg/logger"
)

// Executor 执行已验证的事务，通常由 vault.Engine 实现。
type Executor interface {
	Execute(ctx context.Context, tx vault.Transaction) (*vault.Receipt, error)
}

// Crediter 记入运营方签名的外部入金，通常由 vault.Engine 实现。
type Crediter interface {
	Credit(ctx context.Context, req vault.Credit) (*vault.Receipt, error)
}

// History 提供最近事件的查询，由 events.MemoryBus 实现。
type History interface {
	History(filter func(vault.Event) bool, limit int) []vault.Event
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr     string
	executor Executor
	crediter Crediter
	reader   vault.Reader
	clock    web3.Clock
	verifier *auth.Verifier
	history  History
	metrics  *metrics.Registry
	window   int64
	logger   *slog.Logger

	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration
	maxBodyBytes    int64
}

// Option 定义可选配置。
type Option func(*Server)

// WithHistory 启用事件查询接口。
func WithHistory(history History) Option {
	return func(s *Server) { s.history = history }
}

// WithCrediter 启用入金接口，仅在校验器配置了运营方时生效。
func WithCrediter(crediter Crediter) Option {
	return func(s *Server) { s.crediter = crediter }
}

// WithMetrics 启用 /metrics 与请求指标。
func WithMetrics(registry *metrics.Registry) Option {
	return func(s *Server) { s.metrics = registry }
}

// WithRollingWindow 设置追踪器接口计算滚动额度时使用的窗口秒数。
func WithRollingWindow(seconds int64) Option {
	return func(s *Server) {
		if seconds > 0 {
			s.window = seconds
		}
	}
}

// WithTimeouts 设置 HTTP 读写与优雅关闭的超时。
func WithTimeouts(read, write, shutdown time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
		if shutdown > 0 {
			s.shutdownTimeout = shutdown
		}
	}
}

// WithMaxBodyBytes 限制事务请求体大小。
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, executor Executor, reader vault.Reader, clock web3.Clock, verifier *auth.Verifier, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		executor:        executor,
		reader:          reader,
		clock:           clock,
		verifier:        verifier,
		window:          vault.DefaultRollingWindowSeconds,
		logger:          logger.Named("api"),
		readTimeout:     15 * time.Second,
		writeTimeout:    30 * time.Second,
		shutdownTimeout: 10 * time.Second,
		maxBodyBytes:    1 << 20,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 构建路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestID, s.observe)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(api chi.Router) {
		if s.verifier != nil {
			api.With(s.verifier.Middleware(auth.MiddlewareConfig{
				MaxBodyBytes: s.maxBodyBytes,
				OnError:      writeError,
			})).Post("/transactions", s.handleSubmit)
		}
		if s.crediter != nil && s.verifier.AcceptsCredits() {
			api.Post("/credits", s.handleCredit)
		}

		api.Get("/addresses", s.handleAddresses)
		api.Get("/vaults", s.handleListVaults)
		api.Route("/vaults/{address}", func(v chi.Router) {
			v.Get("/", s.handleGetVault)
			v.Get("/policy", s.handleGetPolicy)
			v.Get("/tracker", s.handleGetTracker)
			v.Get("/sessions", s.handleListSessions)
			v.Get("/balances", s.handleBalances)
			v.Get("/events", s.handleEvents)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// observe 记录请求指标，路由以模板形式作为标签。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.ObserveHTTPRequest(route, r.Method, sw.status, time.Since(start))
		if sw.status >= http.StatusInternalServerError {
			s.logger.Error("请求失败",
				slog.String("route", route),
				slog.String("method", r.Method),
				slog.Int("status", sw.status),
				slog.String("request_id", requestIDFrom(r.Context())),
			)
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
