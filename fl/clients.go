package fl

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"
	"gonum.org/v1/gonum/mat"

	"github.com/PaluMacil/fedvae/data"
	"github.com/PaluMacil/fedvae/m"
	"github.com/PaluMacil/fedvae/metric"
)

var (
	ErrEmptyCohort   = errors.New("empty cohort")
	ErrDuplicateUser = errors.New("user appears twice in cohort")
)

// RowSource hands out private interaction rows by user id.
type RowSource interface {
	Len() int
	Row(uid int) ([]float64, error)
}

// Clients simulates every user's device. Each round it downloads the server
// state into a local network, computes one gradient bundle per user from
// that user's row alone, perturbs the bundles and accounts the bytes moved.
type Clients struct {
	logger     hclog.Logger
	nUsers     int
	nItems     int
	net        *m.Network
	data       RowSource
	perturber  Perturber
	protected  map[string]bool
	compressed bool
	ledger     Ledger
}

func NewClients(c Config, rows RowSource, nItems int, perturber Perturber, logger hclog.Logger) *Clients {
	mc := c.Model
	mc.InputNum = nItems
	return &Clients{
		logger:     logger.Named("clients"),
		nUsers:     rows.Len(),
		nItems:     nItems,
		net:        m.NewNetwork(mc),
		data:       rows,
		perturber:  perturber,
		protected:  c.ProtectedNames(),
		compressed: c.Compressed,
	}
}

func (c *Clients) NumUsers() int {
	return c.nUsers
}

func (c *Clients) checkCohort(uids []int) error {
	seen := make(map[int]bool, len(uids))
	for _, uid := range uids {
		if uid < 0 || uid >= c.nUsers {
			return fmt.Errorf("%w: %d not in [0, %d)", data.ErrUnknownUser, uid, c.nUsers)
		}
		if seen[uid] {
			return fmt.Errorf("%w: %d", ErrDuplicateUser, uid)
		}
		seen[uid] = true
	}
	return nil
}

// Train runs one round for the cohort and returns the perturbed gradients
// to upload. A failure for any user aborts the whole round.
func (c *Clients) Train(uids []int, state m.Params, dropoutProb float64) (CohortGradients, error) {
	if len(uids) == 0 {
		return nil, ErrEmptyCohort
	}
	if err := c.checkCohort(uids); err != nil {
		c.logger.Error("rejecting cohort", "error", err)
		return nil, err
	}
	// receive model parameters from the server
	if err := c.net.LoadState(state); err != nil {
		c.logger.Error("loading server state", "error", err)
		return nil, err
	}
	download := m.Megabytes(float64(state.ByteSize() * len(uids)))

	grads := make(CohortGradients, 0, len(uids))
	for _, uid := range uids {
		g, err := c.localGradients(uid, dropoutProb)
		if err != nil {
			c.logger.Error("computing gradients", "uid", uid, "error", err)
			return nil, fmt.Errorf("user %d: %w", uid, err)
		}
		grads = append(grads, UserGradients{UID: uid, Grads: g})
	}

	grads, exchanged, err := c.perturber.Perturb(grads)
	if err != nil {
		c.logger.Error("perturbing gradients", "error", err)
		return nil, err
	}
	upload := UploadCost(grads, c.protected, c.nItems, c.compressed)

	perUser := (download + exchanged + upload) / float64(len(uids))
	c.ledger.Append(perUser)
	c.logger.Debug("round finished", "clients", len(uids), "download_mb", download,
		"exchange_mb", exchanged, "upload_mb", upload, "per_user_mb", perUser)
	return grads, nil
}

// localGradients backpropagates the loss of a single user's row.
func (c *Clients) localGradients(uid int, dropoutProb float64) (m.Params, error) {
	x, err := c.data.Row(uid)
	if err != nil {
		return nil, err
	}
	c.net.ZeroGrad()
	if _, _, err := c.net.Forward(x, dropoutProb); err != nil {
		return nil, err
	}
	c.net.Backward()

	g := m.Params{}
	for _, p := range c.net.NamedParameters() {
		if !p.RequiresGrad {
			continue
		}
		grad := c.net.Grad(p.Name)
		if grad == nil {
			return nil, fmt.Errorf("%w: no gradient for %s", m.ErrMissingParameter, p.Name)
		}
		g[p.Name] = mat.DenseCopyOf(grad)
	}
	return g, nil
}

// EvaluateRestore scores an attacker's guess of uid's row. The row itself
// never leaves the pool.
func (c *Clients) EvaluateRestore(uid int, pred []float64) (metric.Binary, error) {
	x, err := c.data.Row(uid)
	if err != nil {
		return metric.Binary{}, err
	}
	if len(pred) != len(x) {
		return metric.Binary{}, fmt.Errorf("%w: prediction has %d items, row has %d", m.ErrShapeMismatch, len(pred), len(x))
	}
	return metric.BinaryScores(x, pred), nil
}

// Ledger exposes the per-round communication record.
func (c *Clients) Ledger() *Ledger {
	return &c.ledger
}

// MeanCommunicationCost is the mean MB per round per user so far.
func (c *Clients) MeanCommunicationCost() float64 {
	return c.ledger.Mean()
}
