package fl

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tuneinsight/lattigo/v5/utils/sampling"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/PaluMacil/fedvae/m"
)

// UserGradients is the gradient bundle one client produced in a round.
type UserGradients struct {
	UID   int
	Grads m.Params
}

// CohortGradients holds the bundles of a round in cohort order.
type CohortGradients []UserGradients

// Perturber transforms the cohort's gradients before upload. Implementations
// may modify the bundles in place; the caller hands over ownership and must
// only use the returned value. The float is the megabytes exchanged between
// clients.
type Perturber interface {
	Perturb(grads CohortGradients) (CohortGradients, float64, error)
}

// NewPerturber builds the perturber selected by c.PerturbMethod.
func NewPerturber(c Config) (Perturber, error) {
	switch c.PerturbMethod {
	case PerturbNone:
		return Identity{}, nil
	case PerturbMPC:
		var key []byte
		if c.ShareKey != "" {
			key = []byte(c.ShareKey)
		}
		return NewPairwiseMasking(c.Xi, key), nil
	case PerturbLDP:
		return LaplaceNoise{Clip: c.L1NormClip, Lam: c.Lam}, nil
	default:
		return nil, fmt.Errorf("%w: unknown perturb_method %q", ErrInvalidConfig, c.PerturbMethod)
	}
}

// Identity uploads the gradients unchanged.
type Identity struct{}

func (Identity) Perturb(grads CohortGradients) (CohortGradients, float64, error) {
	return grads, 0, nil
}

// PairwiseMasking lets every client split each gradient tensor into random
// standard-normal shares handed to Xi sampled neighbors. A share leaves the
// sender's tensor and joins the receiver's, so cohort sums are unchanged.
type PairwiseMasking struct {
	Xi  int
	key []byte
	src *ShareSource
}

// NewPairwiseMasking returns a masking scheme with fan-out xi. A nil key
// draws shares from a freshly keyed stream.
func NewPairwiseMasking(xi int, key []byte) *PairwiseMasking {
	return &PairwiseMasking{Xi: xi, key: key}
}

func (p *PairwiseMasking) Perturb(grads CohortGradients) (CohortGradients, float64, error) {
	if p.Xi == 0 {
		return grads, 0, nil
	}
	neighbors, err := SampleNeighbor(len(grads), p.Xi)
	if err != nil {
		return nil, 0, err
	}
	if p.src == nil {
		if p.src, err = NewShareSource(p.key); err != nil {
			return nil, 0, err
		}
	}
	normal := distuv.Normal{Mu: 0, Sigma: 1, Src: p.src}

	bytes := 0
	for i, from := range grads {
		for _, j := range neighbors[i] {
			to := grads[j]
			for _, name := range from.Grads.Names() {
				g := from.Grads[name]
				recv, ok := to.Grads[name]
				if !ok {
					return nil, 0, fmt.Errorf("%w: user %d has no %s gradient to receive a share", m.ErrMissingParameter, to.UID, name)
				}
				r, c := g.Dims()
				share := mat.NewDense(r, c, nil)
				share.Apply(func(_, _ int, _ float64) float64 { return normal.Rand() }, share)
				g.Sub(g, share)
				recv.Add(recv, share)
				bytes += m.ByteSize(share)
			}
		}
	}
	return grads, m.Megabytes(float64(bytes)), nil
}

// ShareSource adapts a lattigo keyed PRNG to the random source interface of
// gonum's distributions.
type ShareSource struct {
	prng *sampling.KeyedPRNG
	buf  [8]byte
}

// NewShareSource keys the stream with key, or with a random key when key
// is nil.
func NewShareSource(key []byte) (*ShareSource, error) {
	var (
		prng *sampling.KeyedPRNG
		err  error
	)
	if key == nil {
		prng, err = sampling.NewPRNG()
	} else {
		prng, err = sampling.NewKeyedPRNG(key)
	}
	if err != nil {
		return nil, fmt.Errorf("creating share stream: %w", err)
	}
	return &ShareSource{prng: prng}, nil
}

func (s *ShareSource) Uint64() uint64 {
	if _, err := s.prng.Read(s.buf[:]); err != nil {
		panic(err)
	}
	return binary.LittleEndian.Uint64(s.buf[:])
}

// Seed rewinds the stream to its start; the value is ignored since the
// stream is determined by its key.
func (s *ShareSource) Seed(uint64) {
	s.prng.Reset()
}

// LaplaceNoise clips every tensor to an L1 bound and adds element-wise
// Laplace noise. Nothing is exchanged between clients.
type LaplaceNoise struct {
	Clip float64
	Lam  float64
}

func (l LaplaceNoise) Perturb(grads CohortGradients) (CohortGradients, float64, error) {
	noise := distuv.Laplace{Mu: 0, Scale: l.Lam}
	for _, u := range grads {
		for _, name := range u.Grads.Names() {
			g := u.Grads[name]
			if l.Clip > 0 {
				clipL1(g, l.Clip)
			}
			if l.Lam > 0 {
				g.Apply(func(_, _ int, v float64) float64 { return v + noise.Rand() }, g)
			}
		}
	}
	return grads, 0, nil
}

func clipL1(g *mat.Dense, bound float64) {
	r, c := g.Dims()
	norm := 0.0
	for i := 0; i < r; i++ {
		norm += floats.Norm(g.RawRowView(i)[:c], 1)
	}
	if norm > bound && !math.IsInf(norm, 0) {
		g.Scale(bound/norm, g)
	}
}
