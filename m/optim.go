package m

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Adam updates a subset of a network's parameters from their gradient
// slots. Weight decay is added to the gradient before the moment updates.
type Adam struct {
	net          *Network
	names        []string
	learningRate float64
	weightDecay  float64
	beta1        float64
	beta2        float64
	eps          float64
	steps        map[string]int
	first        Params
	second       Params
}

func NewAdam(net *Network, names []string, learningRate, weightDecay float64) *Adam {
	return &Adam{
		net:          net,
		names:        names,
		learningRate: learningRate,
		weightDecay:  weightDecay,
		beta1:        0.9,
		beta2:        0.999,
		eps:          1e-8,
		steps:        map[string]int{},
		first:        Params{},
		second:       Params{},
	}
}

// Names returns the parameters this optimizer owns.
func (o *Adam) Names() []string {
	return o.names
}

// ZeroGrad empties the gradient slots of the owned parameters.
func (o *Adam) ZeroGrad() {
	o.net.ZeroGrad(o.names...)
}

// Step applies one update to every owned parameter with a filled gradient
// slot.
func (o *Adam) Step() {
	for _, name := range o.names {
		g := o.net.Grad(name)
		if g == nil {
			continue
		}
		p, ok := o.net.Parameter(name)
		if !ok {
			continue
		}
		if o.weightDecay != 0 {
			g = add(g, scale(o.weightDecay, p))
		}
		r, c := p.Dims()
		if _, ok := o.first[name]; !ok {
			o.first[name] = mat.NewDense(r, c, nil)
			o.second[name] = mat.NewDense(r, c, nil)
		}
		o.steps[name]++
		step := float64(o.steps[name])

		m1 := add(scale(o.beta1, o.first[name]), scale(1-o.beta1, g))
		m2 := add(scale(o.beta2, o.second[name]), scale(1-o.beta2, multiply(g, g)))
		o.first[name], o.second[name] = m1, m2

		bc1 := 1 - math.Pow(o.beta1, step)
		bc2 := 1 - math.Pow(o.beta2, step)
		update := apply(func(i, j int, v float64) float64 {
			return o.learningRate * (v / bc1) / (math.Sqrt(m2.At(i, j)/bc2) + o.eps)
		}, m1)
		p.Copy(subtract(p, update))
	}
}
