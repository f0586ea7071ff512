// Package metrics exposes deployment run metrics for Prometheus.
package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/Bidon15/nouns-deployer/internal/deployer"
	"github.com/Bidon15/nouns-deployer/internal/explorer"
	deployerrors "github.com/Bidon15/nouns-deployer/internal/pkg/errors"
)

// DefaultJob is the Pushgateway job name used when none is configured.
const DefaultJob = "nouns_deployer"

// Collector records run metrics into its own registry.
type Collector struct {
	registry *prometheus.Registry

	stage               *prometheus.GaugeVec
	deploymentsTotal    *prometheus.CounterVec
	deploymentDuration  *prometheus.HistogramVec
	wiringTotal         *prometheus.CounterVec
	wiringDuration      *prometheus.HistogramVec
	verificationsTotal  *prometheus.CounterVec
	runsTotal           *prometheus.CounterVec
	runDuration         *prometheus.HistogramVec
	lastRunSuccessEpoch prometheus.Gauge
}

// NewCollector registers all run metrics in a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		stage: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nouns_deployer_stage",
				Help: "Current run stage (1 for the active stage)",
			},
			[]string{"stage"},
		),

		// Deployment metrics
		deploymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nouns_deployer_deployments_total",
				Help: "Contracts finalized or supplied, by result",
			},
			[]string{"contract", "result"},
		),
		deploymentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nouns_deployer_deployment_duration_seconds",
				Help:    "Time from submission to finalization of a contract",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"contract"},
		),

		// Wiring metrics
		wiringTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nouns_deployer_wiring_calls_total",
				Help: "Configuration calls, by result",
			},
			[]string{"method", "result"},
		),
		wiringDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nouns_deployer_wiring_duration_seconds",
				Help:    "Time to confirm a configuration call",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"method"},
		),

		verificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nouns_deployer_verifications_total",
				Help: "Source verification outcomes",
			},
			[]string{"verifier", "contract", "outcome"},
		),

		// Run metrics
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nouns_deployer_runs_total",
				Help: "Runs by mode and exit code",
			},
			[]string{"mode", "exit_code"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nouns_deployer_run_duration_seconds",
				Help:    "Wall time of a run",
				Buckets: prometheus.ExponentialBuckets(5, 2, 8),
			},
			[]string{"mode"},
		),
		lastRunSuccessEpoch: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "nouns_deployer_last_success_timestamp_seconds",
				Help: "Unix time of the last run that exited 0",
			},
		),
	}
}

// Registry returns the registry holding the run metrics.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// SetStage marks stage as the active one.
func (c *Collector) SetStage(stage string) {
	c.stage.Reset()
	c.stage.WithLabelValues(stage).Set(1)
}

// ObserveDeployment records a finalized, supplied or failed contract.
func (c *Collector) ObserveDeployment(contract string, existing bool, duration time.Duration, err error) {
	result := "deployed"
	switch {
	case err != nil:
		result = "failed"
	case existing:
		result = "existing"
	default:
		c.deploymentDuration.WithLabelValues(contract).Observe(duration.Seconds())
	}
	c.deploymentsTotal.WithLabelValues(contract, result).Inc()
}

// ObserveWiring records a configuration call.
func (c *Collector) ObserveWiring(method string, skipped bool, duration time.Duration, err error) {
	result := "confirmed"
	switch {
	case err != nil:
		result = "failed"
	case skipped:
		result = "skipped"
	default:
		c.wiringDuration.WithLabelValues(method).Observe(duration.Seconds())
	}
	c.wiringTotal.WithLabelValues(method, result).Inc()
}

// ObserveVerification records a verifier outcome. Skipped verification has
// no verifier and is labelled "none".
func (c *Collector) ObserveVerification(verifier, contract string, outcome explorer.Outcome) {
	if verifier == "" {
		verifier = "none"
	}
	c.verificationsTotal.WithLabelValues(verifier, contract, string(outcome)).Inc()
}

// ObserveRun records the end of a run.
func (c *Collector) ObserveRun(mode string, duration time.Duration, err error) {
	code := deployerrors.ExitCode(err)
	c.runsTotal.WithLabelValues(mode, fmt.Sprint(code)).Inc()
	c.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
	if code == deployerrors.ExitOK {
		c.lastRunSuccessEpoch.SetToCurrentTime()
	}
}

// Push sends the registry to a Pushgateway.
func (c *Collector) Push(ctx context.Context, url, job string) error {
	if job == "" {
		job = DefaultJob
	}
	if err := push.New(url, job).Gatherer(c.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}

var _ deployer.Recorder = (*Collector)(nil)
