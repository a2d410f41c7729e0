// Package data loads implicit-feedback datasets in the layout produced by
// the usual VAE-CF preprocessing: a training interaction list, validation
// and test users split into fold-in and held-out interactions, and the list
// of item ids.
package data

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

var ErrUnknownUser = errors.New("unknown user")

// Rows is a set of binary interaction rows over a fixed item catalogue,
// stored as item lists.
type Rows struct {
	nItems int
	items  [][]int
}

func NewRows(nItems int, items [][]int) *Rows {
	return &Rows{nItems: nItems, items: items}
}

// Len is the number of users.
func (r *Rows) Len() int {
	return len(r.items)
}

// NumItems is the catalogue size.
func (r *Rows) NumItems() int {
	return r.nItems
}

// Row materializes the dense row of user uid.
func (r *Rows) Row(uid int) ([]float64, error) {
	if uid < 0 || uid >= len(r.items) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrUnknownUser, uid, len(r.items))
	}
	row := make([]float64, r.nItems)
	for _, item := range r.items[uid] {
		row[item] = 1
	}
	return row, nil
}

func (r *Rows) dense(from, to int) *mat.Dense {
	d := mat.NewDense(to-from, r.nItems, nil)
	for i := from; i < to; i++ {
		for _, item := range r.items[i] {
			d.Set(i-from, item, 1)
		}
	}
	return d
}

// Batch is a block of evaluation users: the interactions fed to the model
// and the interactions held out for scoring.
type Batch struct {
	Input   *mat.Dense
	Holdout *mat.Dense
}

// HeldOut pairs fold-in rows with held-out rows of the same users.
type HeldOut struct {
	Input   *Rows
	Holdout *Rows
}

// Batches splits the users into consecutive batches of at most size rows.
func (h HeldOut) Batches(size int) []Batch {
	n := h.Input.Len()
	batches := make([]Batch, 0, (n+size-1)/size)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		batches = append(batches, Batch{Input: h.Input.dense(start, end), Holdout: h.Holdout.dense(start, end)})
	}
	return batches
}

type Dataset struct {
	NItems     int
	Train      *Rows
	Validation HeldOut
	Test       HeldOut
}

// Load reads a preprocessed dataset directory.
func Load(dir string) (*Dataset, error) {
	nItems, err := countLines(filepath.Join(dir, "unique_sid.txt"))
	if err != nil {
		return nil, fmt.Errorf("reading item list: %w", err)
	}
	train, err := loadTrain(filepath.Join(dir, "train.csv"), nItems)
	if err != nil {
		return nil, err
	}
	valid, err := loadTrTe(filepath.Join(dir, "validation_tr.csv"), filepath.Join(dir, "validation_te.csv"), nItems)
	if err != nil {
		return nil, err
	}
	test, err := loadTrTe(filepath.Join(dir, "test_tr.csv"), filepath.Join(dir, "test_te.csv"), nItems)
	if err != nil {
		return nil, err
	}
	return &Dataset{NItems: nItems, Train: train, Validation: valid, Test: test}, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			n++
		}
	}
	return n, sc.Err()
}

type pair struct{ uid, sid int }

func readPairs(path string, nItems int) ([]pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := csv.NewReader(f)
	var pairs []pair
	for i := 0; ; i++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		if i == 0 && record[0] == "uid" {
			continue
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("%s line %d: expected uid,sid", path, i+1)
		}
		uid, err := strconv.Atoi(record[0])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, i+1, err)
		}
		sid, err := strconv.Atoi(record[1])
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", path, i+1, err)
		}
		if uid < 0 {
			return nil, fmt.Errorf("%s line %d: negative user id %d", path, i+1, uid)
		}
		if sid < 0 || sid >= nItems {
			return nil, fmt.Errorf("%s line %d: item %d outside catalogue of %d", path, i+1, sid, nItems)
		}
		pairs = append(pairs, pair{uid, sid})
	}
	return pairs, nil
}

func group(pairs []pair, offset, nUsers int) [][]int {
	items := make([][]int, nUsers)
	for _, p := range pairs {
		items[p.uid-offset] = append(items[p.uid-offset], p.sid)
	}
	return items
}

func loadTrain(path string, nItems int) (*Rows, error) {
	pairs, err := readPairs(path, nItems)
	if err != nil {
		return nil, err
	}
	nUsers := 0
	for _, p := range pairs {
		if p.uid+1 > nUsers {
			nUsers = p.uid + 1
		}
	}
	return NewRows(nItems, group(pairs, 0, nUsers)), nil
}

// loadTrTe re-indexes the users of a fold-in/held-out pair from zero.
func loadTrTe(trPath, tePath string, nItems int) (HeldOut, error) {
	tr, err := readPairs(trPath, nItems)
	if err != nil {
		return HeldOut{}, err
	}
	te, err := readPairs(tePath, nItems)
	if err != nil {
		return HeldOut{}, err
	}
	if len(tr) == 0 || len(te) == 0 {
		return HeldOut{}, fmt.Errorf("%s and %s must both be non-empty", trPath, tePath)
	}
	start, end := tr[0].uid, tr[0].uid
	for _, p := range append(append([]pair{}, tr...), te...) {
		if p.uid < start {
			start = p.uid
		}
		if p.uid > end {
			end = p.uid
		}
	}
	n := end - start + 1
	return HeldOut{
		Input:   NewRows(nItems, group(tr, start, n)),
		Holdout: NewRows(nItems, group(te, start, n)),
	}, nil
}
