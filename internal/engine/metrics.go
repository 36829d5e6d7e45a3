package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Windows classified per resource
	Windows *prometheus.CounterVec

	// Current classifier state (0 no attack .. 3 attack ended) and stress
	AttackState *prometheus.GaugeVec
	StressLevel *prometheus.GaugeVec

	// Traffic rate of the last window and the learned mean
	TrafficRate  *prometheus.GaugeVec
	BaselineRate *prometheus.GaugeVec

	// 1 once the baseline is Ready
	LearningReady *prometheus.GaugeVec

	BadActors *prometheus.GaugeVec

	// Sampler LRU evictions under source or signature overload
	Evictions *prometheus.CounterVec

	// Arbitrator: result is accepted, rejected or failed
	BaselinePushes    *prometheus.CounterVec
	BaselineAdoptions *prometheus.CounterVec

	Pipelines prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Windows: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dosprotect_windows_total",
			Help: "Total number of classified traffic windows.",
		}, []string{"vs_name"}),

		AttackState: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "dosprotect_attack_state",
			Help: "Attack state (0=no attack, 1=started, 2=under attack, 3=ended).",
		}, []string{"vs_name"}),

		StressLevel: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "dosprotect_stress_level",
			Help: "Estimated upstream stress in [0,1].",
		}, []string{"vs_name"}),

		TrafficRate: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "dosprotect_traffic_rate",
			Help: "Requests per second in the last window.",
		}, []string{"vs_name"}),

		BaselineRate: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "dosprotect_baseline_rate",
			Help: "Learned mean requests per second.",
		}, []string{"vs_name"}),

		LearningReady: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "dosprotect_learning_ready",
			Help: "1 when the baseline is Ready, 0 while Learning.",
		}, []string{"vs_name"}),

		BadActors: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "dosprotect_bad_actors",
			Help: "Number of flagged source IPs.",
		}, []string{"vs_name"}),

		Evictions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dosprotect_sampler_evictions_total",
			Help: "Counters evicted from the sampler under overload.",
		}, []string{"vs_name"}),

		BaselinePushes: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dosprotect_baseline_pushes_total",
			Help: "Baselines offered to the arbitrator by result.",
		}, []string{"vs_name", "result"}),

		BaselineAdoptions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "dosprotect_baseline_adoptions_total",
			Help: "Baselines adopted from the arbitrator.",
		}, []string{"vs_name"}),

		Pipelines: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "dosprotect_pipelines",
			Help: "Number of protected resources with a running pipeline.",
		}),
	}
}

// forget drops the series of a resource that is no longer protected.
func (m *Metrics) forget(vsName string) {
	for _, v := range []*prometheus.GaugeVec{m.AttackState, m.StressLevel, m.TrafficRate, m.BaselineRate, m.LearningReady, m.BadActors} {
		v.DeleteLabelValues(vsName)
	}
}
