// Package metric holds the ranking and classification metrics used to score
// recommendations and restoration attacks. Ranking metrics return one value
// per user row; rows without held-out positives yield NaN.
package metric

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// topK returns the indices of the k largest scores, best first. Ties keep
// the lower item index first.
func topK(scores []float64, k int) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
	if k > len(idx) {
		k = len(idx)
	}
	return idx[:k]
}

func positives(row []float64) int {
	n := 0
	for _, v := range row {
		if v > 0 {
			n++
		}
	}
	return n
}

// NDCGBinaryAtK computes binary-relevance NDCG@k for every row.
func NDCGBinaryAtK(scores, heldout mat.Matrix, k int) []float64 {
	r, _ := scores.Dims()
	discount := make([]float64, k)
	for i := range discount {
		discount[i] = 1 / math.Log2(float64(i+2))
	}
	out := make([]float64, r)
	for u := 0; u < r; u++ {
		truth := mat.Row(nil, u, heldout)
		dcg := 0.0
		for rank, item := range topK(mat.Row(nil, u, scores), k) {
			if truth[item] > 0 {
				dcg += discount[rank]
			}
		}
		n := positives(truth)
		if n > k {
			n = k
		}
		out[u] = dcg / floats.Sum(discount[:n])
	}
	return out
}

// RecallPrecisionF1OneCallAtK computes recall@k (normalized by
// min(k, positives)), precision@k, their F1 and the one-call hit rate.
func RecallPrecisionF1OneCallAtK(scores, heldout mat.Matrix, k int) (recall, precision, f1, oneCall []float64) {
	r, _ := scores.Dims()
	recall = make([]float64, r)
	precision = make([]float64, r)
	f1 = make([]float64, r)
	oneCall = make([]float64, r)
	for u := 0; u < r; u++ {
		truth := mat.Row(nil, u, heldout)
		hits := 0.0
		for _, item := range topK(mat.Row(nil, u, scores), k) {
			if truth[item] > 0 {
				hits++
			}
		}
		recall[u] = hits / math.Min(float64(k), float64(positives(truth)))
		precision[u] = hits / float64(k)
		f1[u] = 2 * recall[u] * precision[u] / (recall[u] + precision[u])
		if hits > 0 {
			oneCall[u] = 1
		}
	}
	return recall, precision, f1, oneCall
}

// AUC is the probability that a held-out item outranks an unobserved item,
// counting ties as half. Items present in the fold-in input are excluded.
func AUC(input, scores, heldout mat.Matrix) []float64 {
	r, c := scores.Dims()
	out := make([]float64, r)
	for u := 0; u < r; u++ {
		var pos, neg []float64
		for i := 0; i < c; i++ {
			if input.At(u, i) > 0 {
				continue
			}
			if heldout.At(u, i) > 0 {
				pos = append(pos, scores.At(u, i))
			} else {
				neg = append(neg, scores.At(u, i))
			}
		}
		out[u] = rankAUC(pos, neg)
	}
	return out
}

func rankAUC(pos, neg []float64) float64 {
	if len(pos) == 0 || len(neg) == 0 {
		return math.NaN()
	}
	sort.Float64s(neg)
	wins := 0.0
	for _, s := range pos {
		below := sort.SearchFloat64s(neg, s)
		above := sort.Search(len(neg), func(i int) bool { return neg[i] > s })
		wins += float64(below) + 0.5*float64(above-below)
	}
	return wins / float64(len(pos)*len(neg))
}

// NanToZero replaces NaN entries in place and returns v.
func NanToZero(v []float64) []float64 {
	for i, x := range v {
		if math.IsNaN(x) {
			v[i] = 0
		}
	}
	return v
}

// Binary holds classification scores of a predicted binary vector.
type Binary struct {
	Precision float64
	Recall    float64
	F1        float64
}

// BinaryScores compares a predicted binary vector with the truth. Undefined
// ratios are reported as zero.
func BinaryScores(truth, pred []float64) Binary {
	var tp, fp, fn float64
	for i := range truth {
		t, p := truth[i] > 0, pred[i] > 0
		switch {
		case t && p:
			tp++
		case p:
			fp++
		case t:
			fn++
		}
	}
	var b Binary
	if tp+fp > 0 {
		b.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		b.Recall = tp / (tp + fn)
	}
	if b.Precision+b.Recall > 0 {
		b.F1 = 2 * b.Precision * b.Recall / (b.Precision + b.Recall)
	}
	return b
}
