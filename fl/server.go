package fl

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/schollz/progressbar/v3"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/PaluMacil/fedvae/data"
	"github.com/PaluMacil/fedvae/m"
	"github.com/PaluMacil/fedvae/metric"
)

// State is the phase of the server's training loop.
type State int

const (
	Idle State = iota
	RunningRound
	Evaluating
	Checkpointed
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case RunningRound:
		return "running_round"
	case Evaluating:
		return "evaluating"
	case Checkpointed:
		return "checkpointed"
	case Stopped:
		return "stopped"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

// Metrics are the ranking scores averaged over every evaluated user.
type Metrics struct {
	Precision float64
	Recall    float64
	F1        float64
	NDCG      float64
	OneCall   float64
	AUC       float64
}

// Record returns the metrics keyed by their result-file column names.
func (r Metrics) Record() ([]string, []float64) {
	return []string{"Pre", "Rec", "F1", "NDCG", "1-call", "AUC"},
		[]float64{r.Precision, r.Recall, r.F1, r.NDCG, r.OneCall, r.AUC}
}

// Reporter receives training telemetry.
type Reporter interface {
	Epoch(epoch int, params []m.Parameter, valid Metrics, commCost float64)
	Restoration(epoch int, score metric.Binary)
	Close() error
}

type nopReporter struct{}

func (nopReporter) Epoch(int, []m.Parameter, Metrics, float64) {}
func (nopReporter) Restoration(int, metric.Binary)             {}
func (nopReporter) Close() error                               { return nil }

// Optimizer steps a group of server parameters from their gradient slots.
type Optimizer interface {
	ZeroGrad()
	Step()
}

// Summary describes a finished training run.
type Summary struct {
	Epochs    int
	BestEpoch int
	BestNDCG  float64
	CommCost  float64
}

// Server owns the global model. It is the only component that writes the
// model's parameters or gradient slots.
type Server struct {
	cfg      Config
	logger   hclog.Logger
	nItems   int
	nUsers   int
	device   string
	net      *m.Network
	clients  *Clients
	restorer *Restorer
	reporter Reporter
	rng      *rand.Rand
	valid    []data.Batch
	test     []data.Batch

	encOpt, decOpt *m.Adam

	state      State
	epoch      int
	savedPath  string
	resultPath string

	// validate scores the current model on the validation split.
	validate func() (Metrics, error)
}

// NewServer wires a server around a client pool. reporter may be nil.
func NewServer(cfg Config, ds *data.Dataset, clients *Clients, reporter Reporter, logger hclog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	nUsers := clients.NumUsers()
	if nUsers == 0 {
		return nil, fmt.Errorf("%w: no training users", ErrInvalidConfig)
	}
	if cfg.PerturbMethod == PerturbMPC {
		smallest := min(cfg.BatchSize, nUsers)
		if rest := nUsers % cfg.BatchSize; rest != 0 && nUsers > cfg.BatchSize {
			smallest = rest
		}
		if cfg.Xi > smallest-1 {
			return nil, fmt.Errorf("%w: xi=%d needs cohorts of at least %d users, smallest has %d",
				ErrInvalidConfig, cfg.Xi, cfg.Xi+1, smallest)
		}
	}
	if reporter == nil {
		reporter = nopReporter{}
	}
	logger = logger.Named("server")

	mc := cfg.Model
	mc.InputNum = ds.NItems
	net := m.NewNetwork(mc)
	var encNames, decNames []string
	for _, p := range net.NamedParameters() {
		switch {
		case !p.RequiresGrad:
		case m.IsEncoder(p.Name):
			encNames = append(encNames, p.Name)
		case m.IsDecoder(p.Name):
			decNames = append(decNames, p.Name)
		}
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		nItems:   ds.NItems,
		nUsers:   nUsers,
		device:   resolveDevice(cfg.GPUID, logger),
		net:      net,
		clients:  clients,
		restorer: NewRestorer(cfg, ds.NItems, logger),
		reporter: reporter,
		rng:      rand.New(rand.NewSource(cfg.Seed)),
		valid:    ds.Validation.Batches(cfg.BatchSize),
		test:     ds.Test.Batches(cfg.BatchSize),
		encOpt:   m.NewAdam(net, encNames, cfg.LR, cfg.WeightDecay),
		decOpt:   m.NewAdam(net, decNames, cfg.LR, cfg.WeightDecay),
	}
	s.savedPath, s.resultPath = outputPaths(cfg, time.Now())
	s.validate = func() (Metrics, error) { return s.Evaluate(s.valid) }
	logger.Info("server ready", "users", nUsers, "items", ds.NItems, "device", s.device,
		"perturb", cfg.PerturbMethod, "checkpoint", s.savedPath)
	return s, nil
}

// outputPaths lays out <saved>/federated/<model>/<dataset>[-<logger>]-<time>.gob
// and the matching .tsv under the result directory.
func outputPaths(cfg Config, now time.Time) (saved, result string) {
	name := cfg.DatasetName
	if cfg.LoggerName != "" {
		name += "-" + cfg.LoggerName
	}
	name += "-" + now.Format("2006-01-02-15-04-05")
	saved = filepath.Join(cfg.SavedPath, "federated", cfg.ModelName, name+".gob")
	result = filepath.Join(cfg.ResultPath, "federated", cfg.ModelName, name+".tsv")
	return saved, result
}

func (s *Server) State() State {
	return s.state
}

func (s *Server) setState(st State) {
	if s.state != st {
		s.logger.Trace("state change", "from", s.state, "to", st)
	}
	s.state = st
}

func (s *Server) Network() *m.Network {
	return s.net
}

func (s *Server) CheckpointPath() string {
	return s.savedPath
}

// SetCheckpointPath points Train and Test at an existing checkpoint file.
func (s *Server) SetCheckpointPath(path string) {
	s.savedPath = path
}

// Aggregate averages the cohort's gradients and adds them to the model's
// gradient slots. Every trainable parameter must be present in every bundle.
func (s *Server) Aggregate(grads CohortGradients) error {
	if len(grads) == 0 {
		return ErrEmptyCohort
	}
	n := float64(len(grads))
	for _, p := range s.net.NamedParameters() {
		if !p.RequiresGrad {
			continue
		}
		r, c := p.Value.Dims()
		sum := mat.NewDense(r, c, nil)
		for _, u := range grads {
			g, ok := u.Grads[p.Name]
			if !ok {
				return fmt.Errorf("%w: user %d sent no %s gradient", m.ErrMissingParameter, u.UID, p.Name)
			}
			if gr, gc := g.Dims(); gr != r || gc != c {
				return fmt.Errorf("%w: %s gradient is %dx%d, want %dx%d", m.ErrShapeMismatch, p.Name, gr, gc, r, c)
			}
			var part mat.Dense
			part.Scale(1/n, g)
			sum.Add(sum, &part)
		}
		s.net.AccumulateGrad(p.Name, sum)
	}
	return nil
}

// Run trains for nEpochs passes over all users in shuffled cohorts. When
// restore is set the first cohort's gradients are also attacked.
func (s *Server) Run(opts []Optimizer, nEpochs int, dropoutProb float64, restore bool) error {
	for e := 0; e < nEpochs; e++ {
		batches := cohorts(s.rng, s.nUsers, s.cfg.BatchSize)
		bar := s.progress(len(batches))
		for _, uids := range batches {
			s.setState(RunningRound)
			for _, o := range opts {
				o.ZeroGrad()
			}
			grads, err := s.clients.Train(uids, s.net.State(), dropoutProb)
			if err != nil {
				return fmt.Errorf("round of %d clients: %w", len(uids), err)
			}
			if err := s.Aggregate(grads); err != nil {
				return fmt.Errorf("aggregating: %w", err)
			}
			for _, o := range opts {
				o.Step()
			}
			if restore {
				restore = false
				score, err := s.restorer.Restore(grads, s.clients)
				if err != nil {
					return fmt.Errorf("restoration: %w", err)
				}
				s.reporter.Restoration(s.epoch, score)
			}
			_ = bar.Add(1)
		}
		_ = bar.Finish()
	}
	return nil
}

func (s *Server) progress(n int) *progressbar.ProgressBar {
	if s.cfg.Progress {
		return progressbar.Default(int64(n), fmt.Sprintf("epoch %d", s.epoch))
	}
	return progressbar.NewOptions(n, progressbar.OptionSetWriter(io.Discard))
}

// Train runs the epoch loop with early stopping on validation NDCG and
// writes a checkpoint on every improvement.
func (s *Server) Train() (Summary, error) {
	sum := Summary{BestNDCG: math.Inf(-1)}
	patience := s.cfg.EarlyStop
	if err := os.MkdirAll(filepath.Dir(s.savedPath), 0o755); err != nil {
		return sum, err
	}
	enc, dec := []Optimizer{s.encOpt}, []Optimizer{s.decOpt}

	for s.epoch = 1; s.epoch <= s.cfg.Epochs; s.epoch++ {
		start := time.Now()
		restore := slices.Contains(s.cfg.RestoreEpochs, s.epoch)
		if s.cfg.Alternating {
			if err := s.Run(enc, s.cfg.NEncEpochs, s.cfg.DropoutProb, false); err != nil {
				return sum, err
			}
			s.net.UpdatePrior()
			if err := s.Run(dec, s.cfg.NDecEpochs, 0, restore); err != nil {
				return sum, err
			}
		} else {
			if err := s.Run(append(enc, dec...), 1, s.cfg.DropoutProb, restore); err != nil {
				return sum, err
			}
		}
		sum.Epochs = s.epoch

		s.setState(Evaluating)
		res, err := s.validate()
		if err != nil {
			return sum, fmt.Errorf("validation: %w", err)
		}
		s.logger.Info(fmt.Sprintf("Epoch: %3d | Pre@%d: %5.4f | Rec@%d: %5.4f | F1@%d: %5.4f | NDCG@%d: %5.4f | 1-call@%d: %5.4f | AUC: %5.4f | Time: %s",
			s.epoch, s.cfg.TopK, res.Precision, s.cfg.TopK, res.Recall, s.cfg.TopK, res.F1,
			s.cfg.TopK, res.NDCG, s.cfg.TopK, res.OneCall, res.AUC, time.Since(start).Round(time.Millisecond)))
		s.reporter.Epoch(s.epoch, s.net.NamedParameters(), res, s.clients.MeanCommunicationCost())

		if res.NDCG > sum.BestNDCG {
			sum.BestNDCG, sum.BestEpoch = res.NDCG, s.epoch
			patience = s.cfg.EarlyStop
			if err := s.net.Save(s.savedPath); err != nil {
				return sum, fmt.Errorf("checkpoint: %w", err)
			}
			s.setState(Checkpointed)
			continue
		}
		patience--
		if patience == 0 {
			s.logger.Info("early stopping", "epoch", s.epoch, "best_epoch", sum.BestEpoch)
			break
		}
	}
	s.setState(Stopped)
	sum.CommCost = s.clients.MeanCommunicationCost()
	s.logger.Info(fmt.Sprintf("Communication cost: %.4f MB per user per round", sum.CommCost),
		"best_epoch", sum.BestEpoch, "best_ndcg", sum.BestNDCG)
	return sum, nil
}

// Evaluate ranks unseen items for every user of the batches.
func (s *Server) Evaluate(batches []data.Batch) (Metrics, error) {
	k := s.cfg.TopK
	var pre, rec, f1, ndcg, oneCall, auc []float64
	for _, b := range batches {
		r, c := b.Input.Dims()
		if c != s.nItems {
			return Metrics{}, fmt.Errorf("%w: batch has %d items, model has %d", m.ErrShapeMismatch, c, s.nItems)
		}
		scores := mat.NewDense(r, c, nil)
		for i := 0; i < r; i++ {
			x := b.Input.RawRowView(i)
			out := s.net.Reconstruct(x)
			for j, v := range out {
				if x[j] > 0 {
					v = math.Inf(-1)
				}
				scores.Set(i, j, v)
			}
		}
		ndcg = append(ndcg, metric.NDCGBinaryAtK(scores, b.Holdout, k)...)
		rr, pp, ff, oo := metric.RecallPrecisionF1OneCallAtK(scores, b.Holdout, k)
		rec, pre, f1, oneCall = append(rec, rr...), append(pre, pp...), append(f1, ff...), append(oneCall, oo...)
		auc = append(auc, metric.AUC(b.Input, scores, b.Holdout)...)
	}
	return Metrics{
		Precision: mean(pre),
		Recall:    mean(rec),
		F1:        mean(f1),
		NDCG:      mean(ndcg),
		OneCall:   mean(oneCall),
		AUC:       mean(auc),
	}, nil
}

func mean(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return stat.Mean(metric.NanToZero(v), nil)
}

// Test scores the best checkpoint on the test split and optionally writes
// the result record.
func (s *Server) Test(save bool) (Metrics, error) {
	if err := s.net.Load(s.savedPath); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Metrics{}, fmt.Errorf("loading checkpoint: %w", err)
		}
		s.logger.Warn("no checkpoint, testing current parameters", "path", s.savedPath)
	}
	s.setState(Evaluating)
	res, err := s.Evaluate(s.test)
	if err != nil {
		return res, err
	}
	s.logger.Info(fmt.Sprintf("Test: Pre@%d: %5.4f | Rec@%d: %5.4f | F1@%d: %5.4f | NDCG@%d: %5.4f | 1-call@%d: %5.4f | AUC: %5.4f",
		s.cfg.TopK, res.Precision, s.cfg.TopK, res.Recall, s.cfg.TopK, res.F1, s.cfg.TopK, res.NDCG, s.cfg.TopK, res.OneCall, res.AUC))
	s.setState(Stopped)
	if save {
		if err := WriteRecord(s.resultPath, res); err != nil {
			return res, fmt.Errorf("writing result: %w", err)
		}
		s.logger.Info("result saved", "path", s.resultPath)
	}
	return res, nil
}

// WriteRecord writes a header and a single tab-separated row of metrics.
func WriteRecord(path string, res Metrics) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	keys, values := res.Record()
	row := make([]string, len(values))
	for i, v := range values {
		row[i] = strconv.FormatFloat(v, 'f', 4, 64)
	}
	w := csv.NewWriter(f)
	w.Comma = '\t'
	if err := w.WriteAll([][]string{keys, row}); err != nil {
		return err
	}
	return f.Close()
}
