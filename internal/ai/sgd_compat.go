package ai

import (
	"encoding/json"
	"fmt"
	"math"
)

// sgdCompat mirrors the scikit-learn SGDClassifier log-loss update with the
// invscaling schedule: the step size decays as eta0 / t^0.5, so early samples
// move the weights hard and the model settles as it sees more trades. The
// JSON shape is the persistence contract for impl "sgd_compat".
type sgdCompat struct {
	Dim     int       `json:"dim"`
	Eta0    float64   `json:"eta0"`
	Alpha   float64   `json:"alpha"`
	PowerT  float64   `json:"power_t"`
	Bias    float64   `json:"bias"`
	W       []float64 `json:"w"`
	SeenN   int64     `json:"seen"`
	Version int       `json:"version"`
}

func newSGDCompat(dim int, eta0, alpha float64) *sgdCompat {
	return &sgdCompat{Dim: dim, Eta0: eta0, Alpha: alpha, PowerT: 0.5, W: make([]float64, dim), Version: 1}
}

func unmarshalSGDCompat(blob []byte, fallbackDim int) (*sgdCompat, error) {
	var m sgdCompat
	if err := json.Unmarshal(blob, &m); err != nil {
		return nil, fmt.Errorf("decode sgd_compat: %w", err)
	}
	if m.Dim == 0 {
		m.Dim = fallbackDim
	}
	if m.PowerT == 0 {
		m.PowerT = 0.5
	}
	m.W = resize(m.W, m.Dim)
	return &m, nil
}

func (m *sgdCompat) Score(x []float64) float64 {
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

func (m *sgdCompat) eta() float64 {
	return m.Eta0 / math.Pow(float64(m.SeenN+1), m.PowerT)
}

func (m *sgdCompat) PartialFit(x []float64, label int) float64 {
	y := 0.0
	if label == 1 {
		y = 1.0
	}
	p := m.Score(x)
	err := p - y
	eta := m.eta()

	n := min(len(x), len(m.W))
	for i := 0; i < n; i++ {
		m.W[i] -= eta * (err*x[i] + m.Alpha*m.W[i])
	}
	m.Bias -= eta * err
	m.SeenN++
	return p
}

func (m *sgdCompat) Seen() int64 { return m.SeenN }

func (m *sgdCompat) Impl() string { return ImplSGDCompat }

func (m *sgdCompat) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode sgd_compat: %w", err)
	}
	return b, nil
}
