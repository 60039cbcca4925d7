package telemetry

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HTTPMiddleware 为每个请求创建服务端 Span，并从请求头提取上游追踪上下文。
// 日志流接口是长连接，Span 覆盖整个订阅过程。健康检查和指标抓取不产生 Span。
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName,
			otelhttp.WithTracerProvider(otel.GetTracerProvider()),
			otelhttp.WithPropagators(otel.GetTextMapPropagator()),
			otelhttp.WithSpanOptions(
				trace.WithAttributes(attribute.String("service.name", serviceName)),
			),
			// Span 名称为 "方法 路径"，如 "POST /api/v1/tasks/1/start"
			otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
			otelhttp.WithFilter(traced),
		)
	}
}

func traced(r *http.Request) bool {
	return !strings.HasPrefix(r.URL.Path, "/health") && r.URL.Path != "/metrics"
}

// HTTPClientTransport 返回注入追踪上下文的传输层，base 为 nil 时使用 http.DefaultTransport。
// 命令行客户端用它把追踪上下文传播到网关。
func HTTPClientTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return otelhttp.NewTransport(base,
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
		otelhttp.WithPropagators(otel.GetTextMapPropagator()),
	)
}
