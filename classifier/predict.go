package classifier

import (
	"context"
	"sort"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"

	"github.com/nvr-ai/kuzushiji/roi"
)

// Candidate is one scored class of a region.
type Candidate struct {
	Index int     `json:"index"`
	Code  string  `json:"code,omitempty"`
	Score float32 `json:"score"`
}

// Prediction holds the best classes of a region, highest score first.
type Prediction struct {
	RoI        roi.Box     `json:"roi"`
	Candidates []Candidate `json:"candidates"`
}

// Best returns the top candidate.
func (p Prediction) Best() Candidate {
	if len(p.Candidates) == 0 {
		return Candidate{Index: -1}
	}
	return p.Candidates[0]
}

// Predict runs Forward and returns the topK classes of every region.
//
// Arguments:
//   - ctx: Cancels the forward pass.
//   - in: The batch.
//   - topK: Candidates per region, clamped to [1, NClasses].
//
// Returns:
//   - []Prediction: One prediction per region, in input order.
//   - error: If the forward pass fails.
func (m *Model) Predict(ctx context.Context, in Input, topK int) ([]Prediction, error) {
	out, err := m.Forward(ctx, in)
	if err != nil {
		return nil, err
	}

	logits := GetOutput(out)
	if logits.Dims() != 2 {
		return nil, errors.Errorf("classifier: logits have shape %v", logits.Shape())
	}
	classes := logits.Shape()[1]
	topK = max(1, min(topK, classes))

	data := logits.Data().([]float32)
	preds := make([]Prediction, len(out.RoIs))
	for k, b := range out.RoIs {
		scores := Softmax(data[k*classes : (k+1)*classes])
		preds[k] = Prediction{RoI: b, Candidates: m.top(scores, topK)}
	}
	return preds, nil
}

// top returns the k highest scoring classes.
func (m *Model) top(scores []float32, k int) []Candidate {
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return scores[order[a]] > scores[order[b]] })

	out := make([]Candidate, k)
	for i := range out {
		idx := order[i]
		out[i] = Candidate{Index: idx, Score: scores[idx]}
		if m.classes != nil {
			out[i].Code = m.classes.Code(idx)
		}
	}
	return out
}

// Softmax returns the normalized exponentials of logits.
func Softmax(logits []float32) []float32 {
	out := make([]float32, len(logits))
	if len(logits) == 0 {
		return out
	}
	peak := logits[0]
	for _, v := range logits[1:] {
		peak = math32.Max(peak, v)
	}
	var sum float32
	for i, v := range logits {
		out[i] = math32.Exp(v - peak)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
