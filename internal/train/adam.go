package train

import "math"

// adam is a per-parameter-vector Adam optimizer over a weight vector plus a
// scalar bias.
type adam struct {
	lr, beta1, beta2, eps float64

	t      int
	mW, vW []float64
	mB, vB float64
}

func newAdam(dim int, lr float64) *adam {
	return &adam{
		lr:    lr,
		beta1: 0.9,
		beta2: 0.999,
		eps:   1e-8,
		mW:    make([]float64, dim),
		vW:    make([]float64, dim),
	}
}

// step applies one Adam update in the direction that MINIMIZES the loss whose
// gradient is (gradW, gradB).
func (a *adam) step(w []float64, b *float64, gradW []float64, gradB float64) {
	a.t++
	bc1 := 1 - math.Pow(a.beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.beta2, float64(a.t))

	for j := range w {
		g := gradW[j]
		a.mW[j] = a.beta1*a.mW[j] + (1-a.beta1)*g
		a.vW[j] = a.beta2*a.vW[j] + (1-a.beta2)*g*g
		mHat := a.mW[j] / bc1
		vHat := a.vW[j] / bc2
		w[j] -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
	}

	a.mB = a.beta1*a.mB + (1-a.beta1)*gradB
	a.vB = a.beta2*a.vB + (1-a.beta2)*gradB*gradB
	mHat := a.mB / bc1
	vHat := a.vB / bc2
	*b -= a.lr * mHat / (math.Sqrt(vHat) + a.eps)
}
