// Package report exports training telemetry in the Prometheus text format.
// Each reporter owns a private registry which is written to a textfile after
// every epoch, so a run can be scraped by a node exporter or read directly.
package report

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"
	"gonum.org/v1/gonum/mat"

	"github.com/PaluMacil/fedvae/fl"
	"github.com/PaluMacil/fedvae/m"
	"github.com/PaluMacil/fedvae/metric"
)

const namespace = "fedvae"

type Reporter struct {
	logger hclog.Logger
	path   string
	reg    *prometheus.Registry

	epoch       prometheus.Gauge
	commCost    prometheus.Gauge
	validation  *prometheus.GaugeVec
	restoration *prometheus.GaugeVec
	paramNorm   *prometheus.GaugeVec
	paramValues *prometheus.HistogramVec
}

// New creates a reporter writing to <dir>/<runID>.prom.
func New(dir, runID string, logger hclog.Logger) (*Reporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating report directory: %w", err)
	}
	labels := prometheus.Labels{"run_id": runID}
	r := &Reporter{
		logger: logger.Named("report"),
		path:   filepath.Join(dir, runID+".prom"),
		reg:    prometheus.NewRegistry(),
		epoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "epoch", ConstLabels: labels,
			Help: "Last finished training epoch.",
		}),
		commCost: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "communication_cost_megabytes", ConstLabels: labels,
			Help: "Mean megabytes moved per user per round.",
		}),
		validation: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "validation", ConstLabels: labels,
			Help: "Validation ranking metrics of the last epoch.",
		}, []string{"metric"}),
		restoration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "restoration", ConstLabels: labels,
			Help: "Scores of the last restoration attack.",
		}, []string{"metric"}),
		paramNorm: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "parameter_l2_norm", ConstLabels: labels,
			Help: "Frobenius norm of each parameter.",
		}, []string{"param"}),
		paramValues: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "parameter_values", ConstLabels: labels,
			Help:    "Distribution of parameter entries across epochs.",
			Buckets: prometheus.LinearBuckets(-0.5, 0.1, 11),
		}, []string{"param"}),
	}
	r.reg.MustRegister(r.epoch, r.commCost, r.validation, r.restoration, r.paramNorm, r.paramValues)
	return r, nil
}

func (r *Reporter) Path() string {
	return r.path
}

func (r *Reporter) Epoch(epoch int, params []m.Parameter, valid fl.Metrics, commCost float64) {
	r.epoch.Set(float64(epoch))
	r.commCost.Set(commCost)
	keys, values := valid.Record()
	for i, k := range keys {
		r.validation.WithLabelValues(k).Set(values[i])
	}
	for _, p := range params {
		r.paramNorm.WithLabelValues(p.Name).Set(mat.Norm(p.Value, 2))
		obs := r.paramValues.WithLabelValues(p.Name)
		rows, cols := p.Value.Dims()
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				obs.Observe(p.Value.At(i, j))
			}
		}
	}
	r.flush()
}

func (r *Reporter) Restoration(epoch int, score metric.Binary) {
	r.restoration.WithLabelValues("Pre").Set(score.Precision)
	r.restoration.WithLabelValues("Rec").Set(score.Recall)
	r.restoration.WithLabelValues("F1").Set(score.F1)
	r.logger.Debug("restoration recorded", "epoch", epoch)
	r.flush()
}

func (r *Reporter) flush() {
	if err := prometheus.WriteToTextfile(r.path, r.reg); err != nil {
		r.logger.Error("writing report", "path", r.path, "error", err)
	}
}

// Close writes the final state of every metric.
func (r *Reporter) Close() error {
	return prometheus.WriteToTextfile(r.path, r.reg)
}
