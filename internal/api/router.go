// 该文件负责配置 HTTP 路由器和中间件，将 HTTP 请求映射到相应的处理器方法。
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oriys/surge/internal/auth"
	"github.com/oriys/surge/internal/domain"
	"github.com/oriys/surge/internal/metrics"
	"github.com/oriys/surge/internal/telemetry"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/middleware/stdlib"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// RouterConfig 路由器配置选项
type RouterConfig struct {
	// Handler API处理器
	Handler *Handler
	// Auth 认证中间件
	Auth *auth.Middleware
	// Metrics 请求指标（可选）
	Metrics *metrics.Metrics
	// MetricsHandler Prometheus 指标端点（可选）
	MetricsHandler http.Handler
	// LoginLimiter 登录限流器（可选）
	LoginLimiter *limiter.Limiter
	// CORSOrigins 允许跨域的来源，为空时允许全部
	CORSOrigins []string
	// RequestTimeout 普通请求的超时，日志流接口不受限制
	RequestTimeout time.Duration
	// ServiceName 追踪中的服务名
	ServiceName string
	// Logger 日志记录器
	Logger *logrus.Logger
}

// NewLoginLimiter 按 "<次数>-<周期>" 格式（如 10-M）创建登录限流器。
// store 为 nil 时使用进程内存储；多实例部署时传入 Redis 存储共享计数。
func NewLoginLimiter(rate string, store limiter.Store) (*limiter.Limiter, error) {
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return nil, err
	}
	if store == nil {
		store = memory.NewStoreWithOptions(limiter.StoreOptions{
			Prefix:          "surge-login",
			CleanUpInterval: time.Minute,
		})
	}
	return limiter.New(store, r, limiter.WithTrustForwardHeader(true)), nil
}

// NewRouter 创建并配置HTTP路由器。
//
// 路由结构：
//
//	/health                       - 基本健康检查
//	/health/ready                 - Kubernetes就绪探针
//	/health/live                  - Kubernetes存活探针
//	/metrics                      - Prometheus指标端点
//	/api/v1/auth/*                - 登录、注册、令牌
//	/api/v1/apply/*               - 压测申请
//	/api/v1/tasks/*               - 压测任务和日志
//	/api/v1/reports/*             - 压测报告
//	/api/v1/users/*               - 用户管理
//	/api/v1/feedback/*            - 用户反馈
//	/api/v1/stats                 - 管理员统计
func NewRouter(cfg *RouterConfig) *chi.Mux {
	h := cfg.Handler
	am := cfg.Auth
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "surge-gateway"
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// 中间件按照添加顺序执行，形成洋葱模型
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 访问日志写入 logrus
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{Logger: logger, NoColor: true}))
	r.Use(middleware.Recoverer)
	r.Use(telemetry.HTTPMiddleware(serviceName))
	r.Use(corsHandler(cfg.CORSOrigins))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
	}

	// 健康检查端点 - 用于负载均衡器和Kubernetes探针
	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)
	r.Get("/health/live", h.Live)

	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// 日志流是长连接，不挂超时和压缩中间件
		r.Group(func(r chi.Router) {
			r.Use(h.StreamAuth)
			r.Get("/tasks/{id}/logs/stream", h.StreamLogsSSE)
			r.Get("/tasks/{id}/logs/ws", h.StreamLogsWS)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(timeout))
			r.Use(middleware.Compress(5, "application/json", "text/csv"))

			// 公开端点
			login := r.With()
			if cfg.LoginLimiter != nil {
				login = r.With(loginRateLimit(h, cfg.LoginLimiter))
			}
			login.Post("/auth/login", h.Login)
			r.Post("/auth/register", h.Register)
			r.Post("/auth/refresh", h.Refresh)
			r.Post("/feedback", h.SubmitFeedback)

			// 需要登录的端点
			r.Group(func(r chi.Router) {
				r.Use(am.Authenticate)

				r.Post("/auth/logout", h.Logout)
				r.Get("/auth/me", h.Me)
				r.Put("/auth/me", h.UpdateMe)

				// 压测申请
				r.Post("/apply", h.SubmitApplication)
				r.Get("/apply", h.ListApplications)
				r.Get("/apply/options", h.ApplicationOptions)
				r.Get("/apply/{id}", h.GetApplication)
				r.Put("/apply/{id}/cancel", h.CancelApplication)

				// 压测任务
				r.Get("/tasks", h.ListTasks)
				r.Get("/tasks/{id}", h.GetTask)
				r.Get("/tasks/{id}/logs", h.ReadLogs)

				// 压测报告
				r.Get("/reports", h.ListReports)
				r.Get("/reports/{id}", h.GetReport)
				r.Get("/reports/{id}/export/{format}", h.ExportReport)
				r.Get("/reports/task/{taskId}", h.GetReportByTask)
				r.Get("/reports/apply/{applyId}", h.ListReportsByApply)

				// 用户，权限在服务层按本人或管理员校验
				r.Get("/users/{id}", h.GetUser)
				r.Put("/users/{id}", h.UpdateUser)
				r.Put("/users/{id}/password", h.ChangePassword)

				// 管理员端点
				r.Group(func(r chi.Router) {
					r.Use(am.RequireRole(domain.RoleAdmin))

					r.Put("/apply/{id}/audit", h.AuditApplication)

					r.Post("/tasks/{id}/start", h.StartTask)
					r.Post("/tasks/{id}/cancel", h.CancelTask)
					r.Post("/tasks/{id}/retry", h.RetryTask)
					r.Delete("/tasks/{id}", h.DeleteTask)
					r.Post("/tasks/{id}/logs", h.AppendLog)

					r.Post("/reports/task/{taskId}/generate", h.GenerateReport)
					r.Delete("/reports/{id}", h.DeleteReport)

					r.Get("/users", h.ListUsers)
					r.Post("/users", h.CreateUser)
					r.Delete("/users/{id}", h.DeleteUser)

					r.Get("/feedback", h.ListFeedback)
					r.Put("/feedback/{id}/processed", h.MarkFeedbackProcessed)

					r.Get("/stats", h.Stats)
				})
			})
		})
	})

	return r
}

// corsHandler 处理跨域请求。
func corsHandler(origins []string) func(http.Handler) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Last-Event-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition", "X-Request-Id"},
		AllowCredentials: len(origins) > 0 && origins[0] != "*",
		MaxAge:           300,
	}).Handler
}

// loginRateLimit 按来源 IP 限制登录频率，超限返回 429。
func loginRateLimit(h *Handler, l *limiter.Limiter) func(http.Handler) http.Handler {
	mw := stdlib.NewMiddleware(l,
		stdlib.WithLimitReachedHandler(func(w http.ResponseWriter, r *http.Request) {
			h.logWarn(r, "Login", "Login rate limit reached", nil)
			h.writeStatusError(w, r, http.StatusTooManyRequests, errLoginRateLimited)
		}),
		stdlib.WithErrorHandler(func(w http.ResponseWriter, r *http.Request, err error) {
			h.writeError(w, r, err)
		}),
	)
	return mw.Handler
}
