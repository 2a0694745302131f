package output

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wesleyorama2/stampede/internal/performance/engine"
	"github.com/wesleyorama2/stampede/internal/performance/metrics"
)

const namespace = "stampede"

// Collector exposes a run's executor stats and metric summaries to
// Prometheus. Values are read from the source on every scrape.
type Collector struct {
	src Source

	state      *prometheus.Desc
	activeVUs  *prometheus.Desc
	targetVUs  *prometheus.Desc
	iterations *prometheus.Desc
	panics     *prometheus.Desc
	progress   *prometheus.Desc
	count      *prometheus.Desc
	value      *prometheus.Desc
}

// NewCollector creates a collector for src.
func NewCollector(src Source, runID string) *Collector {
	labels := prometheus.Labels{"run_id": runID}
	desc := func(name, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, variable, labels)
	}

	return &Collector{
		src:        src,
		state:      desc("state", "Engine state (1 for the current state).", "state"),
		activeVUs:  desc("vus_active", "Virtual users running and not asked to stop."),
		targetVUs:  desc("vus_target", "Virtual users requested by the ramp."),
		iterations: desc("iterations_total", "Completed iterations."),
		panics:     desc("iteration_panics_total", "Iterations that panicked."),
		progress:   desc("progress_ratio", "Fraction of the schedule elapsed."),
		count:      desc("metric_observations_total", "Observations recorded per metric.", "metric", "kind"),
		value:      desc("metric_value", "Current statistic of a metric.", "metric", "stat"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{c.state, c.activeVUs, c.targetVUs, c.iterations, c.panics, c.progress, c.count, c.value} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	current := c.src.State()
	for _, s := range []engine.State{engine.StateIdle, engine.StateSetup, engine.StateRunning, engine.StateTearingDown, engine.StateDone} {
		v := 0.0
		if s == current {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.state, prometheus.GaugeValue, v, s.String())
	}

	stats := c.src.Stats()
	ch <- prometheus.MustNewConstMetric(c.activeVUs, prometheus.GaugeValue, float64(stats.ActiveVUs))
	ch <- prometheus.MustNewConstMetric(c.targetVUs, prometheus.GaugeValue, float64(stats.TargetVUs))
	ch <- prometheus.MustNewConstMetric(c.iterations, prometheus.CounterValue, float64(stats.Iterations))
	ch <- prometheus.MustNewConstMetric(c.panics, prometheus.CounterValue, float64(stats.IterationPanics))
	ch <- prometheus.MustNewConstMetric(c.progress, prometheus.GaugeValue, stats.Progress)

	snap := c.src.Registry().SnapshotAll()
	for _, name := range snap.Names() {
		s, _ := snap.Get(name)
		ch <- prometheus.MustNewConstMetric(c.count, prometheus.CounterValue, float64(s.Count), name, string(s.Kind))
		if !s.HasData {
			continue
		}

		if s.Kind == metrics.KindRate {
			ch <- prometheus.MustNewConstMetric(c.value, prometheus.GaugeValue, s.Rate, name, "rate")
			continue
		}
		for stat, v := range map[string]float64{"avg": s.Avg, "min": s.Min, "med": s.Med, "max": s.Max} {
			ch <- prometheus.MustNewConstMetric(c.value, prometheus.GaugeValue, v, name, stat)
		}
		for key, v := range s.Percentiles {
			ch <- prometheus.MustNewConstMetric(c.value, prometheus.GaugeValue, v, name, key)
		}
	}
}

// Handler returns an HTTP handler serving the collector alongside the Go
// runtime collectors.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c, collectors.NewGoCollector())
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// ServeMetrics serves /metrics on addr until ctx is done.
func ServeMetrics(ctx context.Context, addr string, c *Collector, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(c))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
