package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	DefaultRegistry.MustRegister(
		JobTotal, JobDuration,
		LaneEnqueueTotal, LaneSaturatedTotal,
		ToolDispatchTotal, ToolDuration,
		LLMRequestTotal, LLMDuration, LLMTokensTotal,
		WorkerBusy, SignalEntries, StreamClients,
	)
}

// JobTotal 终态 Job 总数（按状态）
var JobTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tutor_chat_jobs_total",
		Help: "终态 Job 总数（按状态）",
	},
	[]string{"status"}, // done | failed | cancelled
)

// JobDuration Job 处理耗时（秒），从 claim 到终态
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tutor_chat_job_duration_seconds",
		Help:    "Job 处理耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"role"},
)

// LaneEnqueueTotal Lane 入队总数（按是否触发派发）
var LaneEnqueueTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tutor_chat_lane_enqueue_total",
		Help: "Lane 入队总数（按是否触发派发）",
	},
	[]string{"dispatched"}, // true | false
)

// LaneSaturatedTotal Lane 队列打满被拒绝的请求数
var LaneSaturatedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tutor_chat_lane_saturated_total",
		Help: "Lane 队列打满被拒绝的请求数",
	},
)

// ToolDispatchTotal 工具调用总数（按工具与结果）
var ToolDispatchTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tutor_chat_tool_dispatch_total",
		Help: "工具调用总数（按工具与结果）",
	},
	[]string{"tool", "outcome"}, // ok | error | denied | invalid_args
)

// ToolDuration 工具调用耗时（秒）
var ToolDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tutor_chat_tool_duration_seconds",
		Help:    "工具调用耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"tool"},
)

// LLMRequestTotal LLM 请求总数（按 provider 与结果）
var LLMRequestTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tutor_chat_llm_requests_total",
		Help: "LLM 请求总数（按 provider 与结果）",
	},
	[]string{"provider", "outcome"}, // ok | error
)

// LLMDuration LLM 请求耗时（秒）
var LLMDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "tutor_chat_llm_request_seconds",
		Help:    "LLM 请求耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"provider"},
)

// LLMTokensTotal LLM 调用 token 数
var LLMTokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tutor_chat_llm_tokens_total",
		Help: "LLM 调用 token 总数",
	},
	[]string{"direction"}, // in | out
)

// WorkerBusy 当前正在执行的 Job 数
var WorkerBusy = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tutor_chat_worker_busy",
		Help: "当前正在执行的 Job 数",
	},
)

// SignalEntries 信号注册表当前条目数
var SignalEntries = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tutor_chat_signal_entries",
		Help: "信号注册表当前条目数",
	},
)

// StreamClients 当前在线的流式读端数
var StreamClients = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tutor_chat_stream_clients",
		Help: "当前在线的流式读端数",
	},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
