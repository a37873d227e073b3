// Package metrics exposes the driver's operational counters and
// histograms through prometheus/client_golang, in the shape the teacher
// codebase's metrics.ChainMetrics interface used internally: per-RPC-
// method call counts and latency, and transaction counters labelled by
// stage name (the pipeline records every state transition under the
// single stage "advance").
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the metrics surface the rest of the engine depends on.
// Tests substitute NoOp to avoid a live Prometheus registry.
type Recorder interface {
	RecordRPCCall(method string, duration time.Duration, err error)
	RecordTxStage(stage string, chainID int64, err error)
	RecordEndpointScore(chainID int64, endpoint string, score float64)
}

// Prometheus implements Recorder against a prometheus.Registry.
type Prometheus struct {
	rpcCalls     *prometheus.CounterVec
	rpcDuration  *prometheus.HistogramVec
	txStage      *prometheus.CounterVec
	endpointScore *prometheus.GaugeVec
}

// NewPrometheus registers the driver's metric families on reg and
// returns a Recorder backed by them.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erc20payment",
			Name:      "rpc_calls_total",
			Help:      "JSON-RPC calls made, by method and outcome.",
		}, []string{"method", "outcome"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "erc20payment",
			Name:      "rpc_call_duration_seconds",
			Help:      "JSON-RPC call latency, by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		txStage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "erc20payment",
			Name:      "tx_stage_total",
			Help:      "Transaction pipeline stage transitions, by stage, chain and outcome.",
		}, []string{"stage", "chain_id", "outcome"}),
		endpointScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "erc20payment",
			Name:      "rpc_endpoint_score",
			Help:      "Current rpcpool score for an endpoint, lower is better.",
		}, []string{"chain_id", "endpoint"}),
	}
	reg.MustRegister(p.rpcCalls, p.rpcDuration, p.txStage, p.endpointScore)
	return p
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}

func (p *Prometheus) RecordRPCCall(method string, duration time.Duration, err error) {
	p.rpcCalls.WithLabelValues(method, outcome(err)).Inc()
	p.rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (p *Prometheus) RecordTxStage(stage string, chainID int64, err error) {
	p.txStage.WithLabelValues(stage, chainIDLabel(chainID), outcome(err)).Inc()
}

func (p *Prometheus) RecordEndpointScore(chainID int64, endpoint string, score float64) {
	p.endpointScore.WithLabelValues(chainIDLabel(chainID), endpoint).Set(score)
}

func chainIDLabel(chainID int64) string {
	return strconv.FormatInt(chainID, 10)
}

// NoOp implements Recorder with no side effects, for tests and
// deployments that don't export metrics.
type NoOp struct{}

func (NoOp) RecordRPCCall(string, time.Duration, error)      {}
func (NoOp) RecordTxStage(string, int64, error)              {}
func (NoOp) RecordEndpointScore(int64, string, float64)      {}

var _ Recorder = NoOp{}
var _ Recorder = (*Prometheus)(nil)
