package proto

import "time"

// Quality dimension names, in the canonical assessment order.
const (
	DimCompleteness = "completeness"
	DimConsistency  = "consistency"
	DimAccuracy     = "accuracy"
	DimRelevance    = "relevance"
)

// QualityScore is the immutable result of one artifact assessment.
// Each dimension is in [0,1]. Confidence is the assessor's self-reported
// certainty and is informational only - it never gates termination.
type QualityScore struct {
	Completeness float64   `json:"completeness"`
	Consistency  float64   `json:"consistency"`
	Accuracy     float64   `json:"accuracy"`
	Relevance    float64   `json:"relevance"`
	Confidence   float64   `json:"confidence"`
	Model        string    `json:"model,omitempty"`
	AssessedAt   time.Time `json:"assessed_at"`
}

// Overall returns the aggregate score: the arithmetic mean of the four
// dimensions. It is recomputed from the same inputs every call so repeated
// evaluations of the same score are always identical.
func (q QualityScore) Overall() float64 {
	return (q.Completeness + q.Consistency + q.Accuracy + q.Relevance) / 4.0
}

// Dimension pairs a dimension name with its score.
type Dimension struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Dimensions returns the four dimension scores in canonical order.
// The order is fixed so downstream consumers (question generation,
// reporting) are deterministic.
func (q QualityScore) Dimensions() []Dimension {
	return []Dimension{
		{Name: DimCompleteness, Score: q.Completeness},
		{Name: DimConsistency, Score: q.Consistency},
		{Name: DimAccuracy, Score: q.Accuracy},
		{Name: DimRelevance, Score: q.Relevance},
	}
}

// WeakestDimensions returns the dimensions scoring below the threshold,
// weakest first. Ties preserve canonical dimension order.
func (q QualityScore) WeakestDimensions(threshold float64) []Dimension {
	dims := q.Dimensions()
	var weak []Dimension
	for _, d := range dims {
		if d.Score < threshold {
			weak = append(weak, d)
		}
	}
	// Insertion sort keeps the canonical order for equal scores.
	for i := 1; i < len(weak); i++ {
		for j := i; j > 0 && weak[j].Score < weak[j-1].Score; j-- {
			weak[j], weak[j-1] = weak[j-1], weak[j]
		}
	}
	return weak
}

// Clamp bounds every dimension and the confidence to [0,1].
// Model output occasionally reports scores slightly outside the range.
func (q QualityScore) Clamp() QualityScore {
	clamp := func(v float64) float64 {
		if v < 0 {
			return 0
		}
		if v > 1 {
			return 1
		}
		return v
	}
	q.Completeness = clamp(q.Completeness)
	q.Consistency = clamp(q.Consistency)
	q.Accuracy = clamp(q.Accuracy)
	q.Relevance = clamp(q.Relevance)
	q.Confidence = clamp(q.Confidence)
	return q
}
