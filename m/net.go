package m

import (
	"encoding/gob"
	"fmt"
	"math"
	"os"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	EncoderPrefix = "encoder."
	DecoderPrefix = "decoder."
	PriorPrefix   = "prior.encoder_old."
)

// Parameter names of the network.
const (
	EncFC1Weight    = "encoder.fc1.weight"
	EncFC1Bias      = "encoder.fc1.bias"
	EncMuWeight     = "encoder.fc_mu.weight"
	EncMuBias       = "encoder.fc_mu.bias"
	EncLogvarWeight = "encoder.fc_logvar.weight"
	EncLogvarBias   = "encoder.fc_logvar.bias"
	DecWeight       = "decoder.weight"
	DecBias         = "decoder.bias"
)

var priorSources = []string{EncFC1Weight, EncFC1Bias, EncMuWeight, EncMuBias}

type Config struct {
	Name      string  `yaml:"name"`
	InputNum  int     `yaml:"-"`
	HiddenNum int     `yaml:"hidden"`
	LatentNum int     `yaml:"latent"`
	Gamma     float64 `yaml:"gamma"`
}

// Network is a variational autoencoder over binary interaction rows. The
// encoder maps a normalized row to a Gaussian posterior, the decoder maps a
// latent sample to item logits. A frozen copy of the encoder serves as the
// prior mean and is refreshed by UpdatePrior.
type Network struct {
	config Config
	params Params
	frozen map[string]bool
	grads  Params
	last   *pass
	noise  func() float64
}

// pass holds the activations of one Forward call for Backward.
type pass struct {
	x       []float64
	xd      []float64
	h       []float64
	mu      []float64
	logvar  []float64
	eps     []float64
	z       []float64
	logits  []float64
	muPrior []float64
	beta    float64
}

func NewNetwork(c Config) *Network {
	in, hid, lat := c.InputNum, c.HiddenNum, c.LatentNum
	net := &Network{
		config: c,
		params: Params{},
		frozen: map[string]bool{},
		grads:  Params{},
		noise:  distuv.UnitNormal.Rand,
	}
	net.params[EncFC1Weight] = mat.NewDense(hid, in, randomArray(hid*in, float64(in)))
	net.params[EncFC1Bias] = mat.NewDense(hid, 1, randomArray(hid, float64(in)))
	net.params[EncMuWeight] = mat.NewDense(lat, hid, randomArray(lat*hid, float64(hid)))
	net.params[EncMuBias] = mat.NewDense(lat, 1, randomArray(lat, float64(hid)))
	net.params[EncLogvarWeight] = mat.NewDense(lat, hid, randomArray(lat*hid, float64(hid)))
	net.params[EncLogvarBias] = mat.NewDense(lat, 1, randomArray(lat, float64(hid)))
	net.params[DecWeight] = mat.NewDense(in, lat, randomArray(in*lat, float64(lat)))
	net.params[DecBias] = mat.NewDense(in, 1, randomArray(in, float64(lat)))

	// zero prior weights give a zero prior mean until the first UpdatePrior
	for _, name := range priorSources {
		r, c := net.params[name].Dims()
		net.params[PriorPrefix+strings.TrimPrefix(name, EncoderPrefix)] = mat.NewDense(r, c, nil)
		net.frozen[PriorPrefix+strings.TrimPrefix(name, EncoderPrefix)] = true
	}
	return net
}

func (net *Network) Config() Config {
	return net.config
}

// IsEncoder reports whether name belongs to the trainable encoder.
func IsEncoder(name string) bool {
	return strings.HasPrefix(name, EncoderPrefix)
}

// IsDecoder reports whether name belongs to the decoder.
func IsDecoder(name string) bool {
	return strings.HasPrefix(name, DecoderPrefix)
}

// NamedParameters lists every parameter, trainable or not, sorted by name.
func (net *Network) NamedParameters() []Parameter {
	ps := make([]Parameter, 0, len(net.params))
	for _, name := range net.params.Names() {
		ps = append(ps, Parameter{Name: name, Value: net.params[name], RequiresGrad: !net.frozen[name]})
	}
	return ps
}

// Parameter returns the live tensor for name.
func (net *Network) Parameter(name string) (*mat.Dense, bool) {
	p, ok := net.params[name]
	return p, ok
}

// State returns a deep copy of every parameter.
func (net *Network) State() Params {
	return net.params.Clone()
}

// LoadState copies state into the network. Every parameter of the network
// must be present with a matching shape.
func (net *Network) LoadState(state Params) error {
	for name, p := range net.params {
		s, ok := state[name]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingParameter, name)
		}
		pr, pc := p.Dims()
		sr, sc := s.Dims()
		if pr != sr || pc != sc {
			return fmt.Errorf("%w: %s is %dx%d, state has %dx%d", ErrShapeMismatch, name, pr, pc, sr, sc)
		}
	}
	for name, p := range net.params {
		p.Copy(state[name])
	}
	return nil
}

// UpdatePrior snapshots the current encoder into the frozen prior.
func (net *Network) UpdatePrior() {
	for _, name := range priorSources {
		net.params[PriorPrefix+strings.TrimPrefix(name, EncoderPrefix)].Copy(net.params[name])
	}
}

func normalize(x []float64) []float64 {
	xn := make([]float64, len(x))
	copy(xn, x)
	if n := floats.Norm(xn, 2); n > 0 {
		floats.Scale(1/n, xn)
	}
	return xn
}

func dropout(x []float64, p float64) []float64 {
	if p <= 0 {
		return x
	}
	keep := distuv.Bernoulli{P: 1 - p}
	out := make([]float64, len(x))
	for i, v := range x {
		if keep.Rand() == 1 {
			out[i] = v / (1 - p)
		}
	}
	return out
}

func (net *Network) encode(xn []float64, prefix string) (h, mu, logvar []float64) {
	h = affine(net.params[prefix+"fc1.weight"], xn, net.params[prefix+"fc1.bias"])
	for i := range h {
		h[i] = math.Tanh(h[i])
	}
	mu = affine(net.params[prefix+"fc_mu.weight"], h, net.params[prefix+"fc_mu.bias"])
	if prefix == EncoderPrefix {
		logvar = affine(net.params[EncLogvarWeight], h, net.params[EncLogvarBias])
	}
	return h, mu, logvar
}

// Forward evaluates one user row in training mode: the row is normalized,
// dropped out with probability dropoutProb, encoded, sampled and decoded.
// It returns the item logits and the negative ELBO, and keeps the pass for
// Backward.
func (net *Network) Forward(x []float64, dropoutProb float64) ([]float64, float64, error) {
	if len(x) != net.config.InputNum {
		return nil, 0, fmt.Errorf("%w: input has %d items, network expects %d", ErrShapeMismatch, len(x), net.config.InputNum)
	}
	xn := normalize(x)
	xd := dropout(xn, dropoutProb)
	h, mu, logvar := net.encode(xd, EncoderPrefix)
	_, muPrior, _ := net.encode(xn, PriorPrefix)

	eps := make([]float64, len(mu))
	z := make([]float64, len(mu))
	for i := range mu {
		eps[i] = net.noise()
		z[i] = mu[i] + eps[i]*math.Exp(0.5*logvar[i])
	}
	logits := affine(net.params[DecWeight], z, net.params[DecBias])

	p := &pass{
		x: x, xd: xd, h: h, mu: mu, logvar: logvar, eps: eps, z: z,
		logits: logits, muPrior: muPrior,
		beta: net.config.Gamma * floats.Sum(x),
	}
	net.last = p
	return logits, p.loss(), nil
}

// Reconstruct scores every item for x in evaluation mode.
func (net *Network) Reconstruct(x []float64) []float64 {
	_, mu, _ := net.encode(normalize(x), EncoderPrefix)
	return affine(net.params[DecWeight], mu, net.params[DecBias])
}

func (p *pass) loss() float64 {
	nll := -floats.Dot(logSoftmax(p.logits), p.x)
	kl := 0.0
	for i := range p.mu {
		d := p.mu[i] - p.muPrior[i]
		kl += 0.5 * (math.Exp(p.logvar[i]) + d*d - 1 - p.logvar[i])
	}
	return nll + p.beta*kl
}

// Backward accumulates the gradients of the last Forward loss into the
// gradient slots of every trainable parameter.
func (net *Network) Backward() {
	p := net.last
	if p == nil {
		panic("Backward called before Forward")
	}

	total := floats.Sum(p.x)
	ls := logSoftmax(p.logits)
	dlogits := make([]float64, len(ls))
	for i := range ls {
		dlogits[i] = math.Exp(ls[i])*total - p.x[i]
	}
	net.accumulate(DecWeight, outer(dlogits, p.z))
	net.accumulate(DecBias, Column(dlogits))

	dz := transposeTimes(net.params[DecWeight], dlogits)
	dmu := make([]float64, len(dz))
	dlogvar := make([]float64, len(dz))
	for i := range dz {
		sigma := math.Exp(0.5 * p.logvar[i])
		dmu[i] = dz[i] + p.beta*(p.mu[i]-p.muPrior[i])
		dlogvar[i] = dz[i]*p.eps[i]*0.5*sigma + p.beta*0.5*(sigma*sigma-1)
	}
	net.accumulate(EncMuWeight, outer(dmu, p.h))
	net.accumulate(EncMuBias, Column(dmu))
	net.accumulate(EncLogvarWeight, outer(dlogvar, p.h))
	net.accumulate(EncLogvarBias, Column(dlogvar))

	dh := transposeTimes(net.params[EncMuWeight], dmu)
	floats.Add(dh, transposeTimes(net.params[EncLogvarWeight], dlogvar))
	for i := range dh {
		dh[i] *= 1 - p.h[i]*p.h[i]
	}
	// fc1 saw the dropped-out row
	net.accumulate(EncFC1Weight, outer(dh, p.xd))
	net.accumulate(EncFC1Bias, Column(dh))
}

func (net *Network) accumulate(name string, g *mat.Dense) {
	if cur, ok := net.grads[name]; ok {
		net.grads[name] = add(cur, g)
		return
	}
	net.grads[name] = g
}

// AccumulateGrad adds g into the gradient slot of name, initializing it
// when the slot is empty.
func (net *Network) AccumulateGrad(name string, g *mat.Dense) {
	net.accumulate(name, mat.DenseCopyOf(g))
}

// Grad returns the gradient slot of name, nil when it is empty.
func (net *Network) Grad(name string) *mat.Dense {
	return net.grads[name]
}

// Gradients returns a detached copy of every filled gradient slot.
func (net *Network) Gradients() Params {
	return net.grads.Clone()
}

// ZeroGrad empties the gradient slots of names, or of every parameter when
// names is empty.
func (net *Network) ZeroGrad(names ...string) {
	if len(names) == 0 {
		net.grads = Params{}
		return
	}
	for _, name := range names {
		delete(net.grads, name)
	}
}

// Save writes every parameter to path.
func (net *Network) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := gob.NewEncoder(f).Encode(map[string]*mat.Dense(net.params)); err != nil {
		f.Close()
		return fmt.Errorf("encoding checkpoint: %w", err)
	}
	return f.Close()
}

// Load reads a checkpoint written by Save into the network.
func (net *Network) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	state := map[string]*mat.Dense{}
	if err := gob.NewDecoder(f).Decode(&state); err != nil {
		return fmt.Errorf("decoding checkpoint %s: %w", path, err)
	}
	return net.LoadState(state)
}
