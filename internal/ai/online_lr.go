package ai

import (
	"encoding/json"
	"fmt"
)

// onlineLR is logistic regression fitted one sample at a time with a fixed
// learning rate and L2 shrinkage. The JSON shape is the persistence contract
// for impl "online_lr".
type onlineLR struct {
	Dim     int       `json:"dim"`
	LR      float64   `json:"lr"`
	L2      float64   `json:"l2"`
	Bias    float64   `json:"bias"`
	W       []float64 `json:"w"`
	SeenN   int64     `json:"seen"`
	Version int       `json:"version"`
}

func newOnlineLR(dim int, lr, l2 float64) *onlineLR {
	return &onlineLR{Dim: dim, LR: lr, L2: l2, W: make([]float64, dim), Version: 1}
}

func unmarshalOnlineLR(blob []byte, fallbackDim int) (*onlineLR, error) {
	var m onlineLR
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("decode online_lr: %w", err)
	}
	if m.Dim == 0 {
		m.Dim = fallbackDim
	}
	m.W = resize(m.W, m.Dim)
	return &m, nil
}

// resize pads or truncates weights to dim, preserving what it can. Feature
// vectors grown by a version bump start the new weights at zero.
func resize(w []float64, dim int) []float64 {
	if len(w) == dim {
		return w
	}
	out := make([]float64, dim)
	copy(out, w)
	return out
}

func (m *onlineLR) Score(x []float64) float64 {
	if len(x) == 0 {
		return 0.5
	}
	z := m.Bias
	n := min(len(x), len(m.W))
	for i := 0; i < n; i++ {
		z += m.W[i] * x[i]
	}
	return sigmoid(z)
}

func (m *onlineLR) PartialFit(x []float64, label int) float64 {
	y := 0.0
	if label == 1 {
		y = 1.0
	}
	p := m.Score(x)
	err := p - y

	n := min(len(x), len(m.W))
	for i := 0; i < n; i++ {
		m.W[i] -= m.LR * (err*x[i] + m.L2*m.W[i])
	}
	m.Bias -= m.LR * err
	m.SeenN++
	return p
}

func (m *onlineLR) Seen() int64 { return m.SeenN }

func (m *onlineLR) Impl() string { return ImplOnlineLR }

func (m *onlineLR) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode online_lr: %w", err)
	}
	return b, nil
}
