// Package optim updates the synthesized image from its loss gradient.
package optim

import (
	"fmt"
	"math"
)

// Adam is the Adam optimizer over a single flat parameter vector, using the
// bias correction folded into the step size:
//
//	m = b1*m + (1-b1)*g
//	v = b2*v + (1-b2)*g*g
//	x -= lr * sqrt(1-b2^t) / (1-b1^t) * m / (sqrt(v) + eps)
//
// Moments are kept in float64.
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	t int
	m []float64
	v []float64
}

func NewAdam(lr, beta1, beta2, epsilon float64) *Adam {
	return &Adam{LearningRate: lr, Beta1: beta1, Beta2: beta2, Epsilon: epsilon}
}

// Steps is the number of updates applied so far.
func (a *Adam) Steps() int {
	return a.t
}

// Step updates x in place from its gradient g. The parameter length is fixed
// by the first call.
func (a *Adam) Step(x, g []float32) error {
	if len(x) != len(g) {
		return fmt.Errorf("gradient has %d values, parameters have %d", len(g), len(x))
	}
	if a.m == nil {
		a.m = make([]float64, len(x))
		a.v = make([]float64, len(x))
	}
	if len(a.m) != len(x) {
		return fmt.Errorf("optimizer holds %d parameters, got %d", len(a.m), len(x))
	}

	a.t++
	t := float64(a.t)
	alpha := a.LearningRate * math.Sqrt(1-math.Pow(a.Beta2, t)) / (1 - math.Pow(a.Beta1, t))
	for i, gi := range g {
		gv := float64(gi)
		a.m[i] = a.Beta1*a.m[i] + (1-a.Beta1)*gv
		a.v[i] = a.Beta2*a.v[i] + (1-a.Beta2)*gv*gv
		x[i] -= float32(alpha * a.m[i] / (math.Sqrt(a.v[i]) + a.Epsilon))
	}
	return nil
}

func (a *Adam) Reset() {
	a.t = 0
	a.m = nil
	a.v = nil
}
