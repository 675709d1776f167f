// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelConfig OpenTelemetry 配置
type OTelConfig struct {
	ServiceName    string
	ExportEndpoint string
	Insecure       bool
}

// InitTracer 初始化 OpenTelemetry tracer；Worker 进程（无 Hertz 集成）走这条路径
func InitTracer(config OTelConfig) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()

	// 创建 OTLP exporter
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(config.ExportEndpoint),
	}
	if config.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptrace.New(ctx, otlptracehttp.NewClient(opts...))
	if err != nil {
		return nil, err
	}

	// 创建 resource
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, err
	}

	// 创建 tracer provider
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// StartJobSpan 开始 chat job 处理 span
func StartJobSpan(ctx context.Context, jobID string, laneID string) (context.Context, trace.Span) {
	tracer := otel.Tracer("tutor-platform")
	ctx, span := tracer.Start(ctx, "chat.process_job",
		trace.WithAttributes(
			attribute.String("chat.job_id", jobID),
			attribute.String("chat.lane_id", laneID),
		),
	)
	return ctx, span
}

// StartToolSpan 开始工具调用 span
func StartToolSpan(ctx context.Context, toolName string, jobID string) (context.Context, trace.Span) {
	tracer := otel.Tracer("tutor-platform")
	ctx, span := tracer.Start(ctx, "chat.tool_invoke",
		trace.WithAttributes(
			attribute.String("tool.name", toolName),
			attribute.String("chat.job_id", jobID),
		),
	)
	return ctx, span
}
