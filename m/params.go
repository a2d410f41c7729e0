package m

import (
	"errors"
	"sort"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrMissingParameter = errors.New("missing parameter")
	ErrShapeMismatch    = errors.New("shape mismatch")
)

// Params maps a parameter name to its tensor. It is used both for model
// state and for gradient bundles.
type Params map[string]*mat.Dense

// Names returns the parameter names in sorted order.
func (p Params) Names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone deep-copies every tensor.
func (p Params) Clone() Params {
	c := make(Params, len(p))
	for name, t := range p {
		c[name] = mat.DenseCopyOf(t)
	}
	return c
}

// ByteSize is the serialized size of every tensor in p.
func (p Params) ByteSize() int {
	total := 0
	for _, t := range p {
		total += ByteSize(t)
	}
	return total
}

// Parameter is one named tensor of a network.
type Parameter struct {
	Name         string
	Value        *mat.Dense
	RequiresGrad bool
}

type byteCounter int

func (c *byteCounter) Write(p []byte) (int, error) {
	*c += byteCounter(len(p))
	return len(p), nil
}

// ByteSize is the number of bytes t occupies in gonum's binary encoding,
// the same encoding used for checkpoints.
func ByteSize(t *mat.Dense) int {
	var c byteCounter
	if _, err := t.MarshalBinaryTo(&c); err != nil {
		// only possible for matrices too large for the encoding
		panic(err)
	}
	return int(c)
}

// Megabytes converts a byte count to MB.
func Megabytes(bytes float64) float64 {
	return bytes / (1 << 20)
}
