package controller

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
)

// Reading is one water-quality sample.
type Reading struct {
	PH  float64 `json:"ph"`
	TDS float64 `json:"tds"`
	DO  float64 `json:"do"`
}

type Reader interface {
	Read(ctx context.Context) (Reading, error)
}

// SimulatedReader produces random readings in plausible ranges until real
// probes are attached.
type SimulatedReader struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func NewSimulatedReader(seed uint64) *SimulatedReader {
	return &SimulatedReader{rnd: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (r *SimulatedReader) Read(context.Context) (Reading, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Reading{
		PH:  r.uniform(20, 30),
		TDS: r.uniform(30, 60),
		DO:  r.uniform(30, 60),
	}, nil
}

func (r *SimulatedReader) uniform(lo, hi float64) float64 {
	return math.Round((lo+r.rnd.Float64()*(hi-lo))*100) / 100
}
