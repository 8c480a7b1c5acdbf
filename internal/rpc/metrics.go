package rpc

import (
	"github.com/hashicorp/go-metrics"
)

var (
	MetricPoolDialCount       = []string{"rpcbridge", "pool", "dial", "count"}
	MetricPoolDialErrorCount  = []string{"rpcbridge", "pool", "dial", "error", "count"}
	MetricPoolDialLatencyMS   = []string{"rpcbridge", "pool", "dial", "latency", "ms"}
	MetricPoolReuseCount      = []string{"rpcbridge", "pool", "reuse", "count"}
	MetricPoolEvictCount      = []string{"rpcbridge", "pool", "evict", "count"}
	MetricPoolSessions        = []string{"rpcbridge", "pool", "sessions"}
	MetricStubBuildCount      = []string{"rpcbridge", "stub", "build", "count"}
	MetricStubCallCount       = []string{"rpcbridge", "stub", "call", "count"}
	MetricStubCallErrorCount  = []string{"rpcbridge", "stub", "call", "error", "count"}
	MetricStubCallLatencyMS   = []string{"rpcbridge", "stub", "call", "latency", "ms"}
	MetricStubEmitCount       = []string{"rpcbridge", "stub", "emit", "count"}
	MetricStubEmitErrorCount  = []string{"rpcbridge", "stub", "emit", "error", "count"}
	MetricServerSessions      = []string{"rpcbridge", "server", "sessions"}
	MetricServerRejectCount   = []string{"rpcbridge", "server", "handshake", "reject", "count"}
	MetricServerCallCount     = []string{"rpcbridge", "server", "call", "count"}
	MetricServerCallLatencyMS = []string{"rpcbridge", "server", "call", "latency", "ms"}
	MetricServerEmitCount     = []string{"rpcbridge", "server", "emit", "count"}
)

type TelemetryLabel string

var (
	LabelAddr     TelemetryLabel = "addr"
	LabelEndpoint TelemetryLabel = "endpoint"
	LabelCode     TelemetryLabel = "code"
	LabelError    TelemetryLabel = "error"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	out := make([]metrics.Label, 0, len(base)+len(extra))
	out = append(out, base...)
	return append(out, extra...)
}

func defaultSink(sink metrics.MetricSink) metrics.MetricSink {
	if sink == nil {
		return &metrics.BlackholeSink{}
	}
	return sink
}
