package fl

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-hclog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/PaluMacil/fedvae/m"
	"github.com/PaluMacil/fedvae/metric"
)

// Truth scores a guessed interaction vector against a user's real one.
type Truth interface {
	EvaluateRestore(uid int, pred []float64) (metric.Binary, error)
}

// Restorer plays an honest-but-curious server that tries to read each
// user's interacted items off the gradients it received.
type Restorer struct {
	logger     hclog.Logger
	nItems     int
	encName    string
	decName    string
	useEncGrad bool
	seed       int64
	clusterer  Clusterer
}

func NewRestorer(c Config, nItems int, logger hclog.Logger) *Restorer {
	return &Restorer{
		logger:     logger.Named("restore"),
		nItems:     nItems,
		encName:    c.EncModuleName[0],
		decName:    c.DecModuleName[0],
		useEncGrad: c.UseEncGrad,
		seed:       c.Seed,
		clusterer:  NewTwoMeans(),
	}
}

// Predict guesses a binary interaction vector from one user's gradients.
// Item rows with zero decoder gradient are taken as not interacted; the
// rest are split in two and the group with the larger mean row norm is
// taken as interacted.
func (r *Restorer) Predict(grads m.Params) ([]float64, error) {
	g, ok := grads[r.decName]
	if !ok {
		return nil, fmt.Errorf("%w: %s", m.ErrMissingParameter, r.decName)
	}
	dec, err := m.ItemRows(g, r.nItems)
	if err != nil {
		return nil, fmt.Errorf("decoder gradient %s: %w", r.decName, err)
	}

	pred := make([]float64, r.nItems)
	idx := nonZeroRows(dec)
	if len(idx) > 0 {
		_, c := dec.Dims()
		rows := mat.NewDense(len(idx), c, nil)
		for k, i := range idx {
			rows.SetRow(k, m.Row(dec, i))
		}
		labels := r.clusterer.ClusterTwo(rows, r.seed)
		interacted := interactedLabel(rows, labels)
		for k, i := range idx {
			if labels[k] == interacted {
				pred[i] = 1
			}
		}
	}

	if r.useEncGrad && r.encName != r.decName {
		g, ok := grads[r.encName]
		if !ok {
			return nil, fmt.Errorf("%w: %s", m.ErrMissingParameter, r.encName)
		}
		enc, err := m.ItemRows(g, r.nItems)
		if err != nil {
			return nil, fmt.Errorf("encoder gradient %s: %w", r.encName, err)
		}
		for _, i := range nonZeroRows(enc) {
			pred[i] = 1
		}
	}
	return pred, nil
}

// Restore attacks every bundle of a round and returns the mean scores.
func (r *Restorer) Restore(grads CohortGradients, truth Truth) (metric.Binary, error) {
	var mean metric.Binary
	if len(grads) == 0 {
		return mean, ErrEmptyCohort
	}
	for _, u := range grads {
		pred, err := r.Predict(u.Grads)
		if err != nil {
			return metric.Binary{}, fmt.Errorf("user %d: %w", u.UID, err)
		}
		s, err := truth.EvaluateRestore(u.UID, pred)
		if err != nil {
			return metric.Binary{}, fmt.Errorf("user %d: %w", u.UID, err)
		}
		mean.Precision += s.Precision
		mean.Recall += s.Recall
		mean.F1 += s.F1
	}
	n := float64(len(grads))
	mean.Precision /= n
	mean.Recall /= n
	mean.F1 /= n
	r.logger.Info(fmt.Sprintf("Restoring result: Pre: %5.4f | Rec: %5.4f | F1: %5.4f", mean.Precision, mean.Recall, mean.F1),
		"users", len(grads))
	return mean, nil
}

func nonZeroRows(d *mat.Dense) []int {
	var idx []int
	for i, s := range m.RowSums(d) {
		if s != 0 {
			idx = append(idx, i)
		}
	}
	return idx
}

// interactedLabel returns the label whose rows have the larger mean L2
// norm. An empty group never wins: its NaN mean would otherwise mark no
// decoder rows at all.
func interactedLabel(rows *mat.Dense, labels []int) int {
	var norms [2][]float64
	for i, l := range labels {
		norms[l] = append(norms[l], floats.Norm(rows.RawRowView(i), 2))
	}
	mean := func(v []float64) float64 {
		if len(v) == 0 {
			return math.NaN()
		}
		return floats.Sum(v) / float64(len(v))
	}
	n0, n1 := mean(norms[0]), mean(norms[1])
	switch {
	case math.IsNaN(n1):
		return 0
	case math.IsNaN(n0):
		return 1
	case n1 < n0:
		return 0
	default:
		return 1
	}
}
