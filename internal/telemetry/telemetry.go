// Package telemetry 提供 OpenTelemetry 分布式追踪功能的封装。
// 追踪数据通过 OTLP gRPC 导出到兼容后端（如 Tempo、Jaeger）。
// 未启用时使用全局空操作追踪器，调用方无需判断。
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/oriys/surge/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// connectTimeout 是连接 OTLP 接收器的超时
const connectTimeout = 10 * time.Second

// Telemetry 持有追踪提供者，负责追踪数据的生命周期。
type Telemetry struct {
	cfg            config.TelemetryConfig
	tracerProvider *sdktrace.TracerProvider
}

// New 根据配置初始化全局追踪提供者。
//
// 参数：
//   - ctx: 上下文，用于控制连接超时
//   - cfg: 遥测配置，未启用时返回空实现
//   - version: 服务版本，写入资源属性
//
// 返回：
//   - *Telemetry: 遥测实例，退出前调用 Shutdown
//   - error: 连接接收器或创建导出器失败
func New(ctx context.Context, cfg config.TelemetryConfig, version string) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{cfg: cfg}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	// 内网通信，阻塞直到连接建立
	conn, err := grpc.DialContext(ctx, cfg.Endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to %s: %w", cfg.Endpoint, err)
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(version),
			attribute.String("environment", cfg.Environment),
		),
		resource.WithHost(),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &Telemetry{cfg: cfg, tracerProvider: tp}, nil
}

// sampler 按采样率选择采样器。
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		// 基于 TraceID 的比率采样，同一链路的采样决策一致
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// Shutdown 刷新待发送的追踪数据并释放资源。
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t.tracerProvider == nil {
		return nil
	}
	return t.tracerProvider.Shutdown(ctx)
}

// IsEnabled 返回是否启用了追踪。
func (t *Telemetry) IsEnabled() bool {
	return t.cfg.Enabled
}

// GetTracer 从全局追踪提供者获取指定名称的追踪器。
func GetTracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// TraceIDFromContext 提取 Trace ID，上下文中没有有效 Span 时返回空字符串。
// 错误响应中携带该 ID，便于从日志和追踪系统定位请求。
func TraceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
