package kinematics

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/Team-5243/Reefscape/wheels"
)

// singular values below this fraction of the largest are treated as zero.
const rankTolerance = 1e-9

// Mecanum maps chassis velocity to wheel linear velocities and back for a fixed geometry.
type Mecanum struct {
	geometry Geometry

	// inverse is the 4x3 wheel Jacobian, forward its 3x4 Moore-Penrose pseudo-inverse.
	inverse *mat.Dense
	forward *mat.Dense
}

// NewMecanum builds the kinematics for the given wheel offsets. The pseudo-inverse is computed once here.
func NewMecanum(g Geometry) (*Mecanum, error) {
	if err := validateGeometry(g); err != nil {
		return nil, err
	}

	fl, fr, bl, br := g.FrontLeft, g.FrontRight, g.BackLeft, g.BackRight
	inverse := mat.NewDense(4, 3, []float64{
		1, -1, -(fl.X + fl.Y),
		1, 1, fr.X - fr.Y,
		1, 1, bl.X - bl.Y,
		1, -1, -(br.X + br.Y),
	})

	forward, err := pseudoInverse(inverse)
	if err != nil {
		return nil, err
	}
	return &Mecanum{geometry: g, inverse: inverse, forward: forward}, nil
}

func validateGeometry(g Geometry) error {
	for _, w := range wheels.All {
		o := g.Get(w)
		if !isFinite(o.X) || !isFinite(o.Y) {
			return NewConfigurationError("kinematics", "%v offset is not finite", w)
		}
	}
	if g.FrontLeft.X == g.BackLeft.X || g.FrontRight.X == g.BackRight.X {
		return NewConfigurationError("kinematics", "front and back wheels share an x offset")
	}
	if g.FrontLeft.Y == g.FrontRight.Y || g.BackLeft.Y == g.BackRight.Y {
		return NewConfigurationError("kinematics", "left and right wheels share a y offset")
	}
	return nil
}

// pseudoInverse returns V Σ⁺ Uᵀ for a full column rank matrix.
func pseudoInverse(a *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, errors.New("wheel jacobian factorization failed")
	}
	values := svd.Values(nil)
	_, cols := a.Dims()
	if len(values) < cols || values[cols-1] <= rankTolerance*values[0] {
		return nil, NewConfigurationError("kinematics", "wheel geometry is degenerate (singular values %v)", values)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	inv := make([]float64, len(values))
	for i, s := range values {
		inv[i] = 1 / s
	}

	var vs mat.Dense
	vs.Mul(&v, mat.NewDiagDense(len(inv), inv))
	var pinv mat.Dense
	pinv.Mul(&vs, u.T())
	return &pinv, nil
}

// Geometry returns the wheel offsets the kinematics was built with.
func (m *Mecanum) Geometry() Geometry {
	return m.geometry
}

// ToWheelSpeeds is the inverse kinematics: chassis velocity to per-wheel linear velocity (m/s).
func (m *Mecanum) ToWheelSpeeds(v ChassisVelocity) wheels.Set[float64] {
	var out mat.VecDense
	out.MulVec(m.inverse, mat.NewVecDense(3, []float64{v.Vx, v.Vy, v.Omega}))
	return wheels.Of(out.AtVec(0), out.AtVec(1), out.AtVec(2), out.AtVec(3))
}

// ToChassisVelocity is the least-squares forward kinematics: per-wheel linear velocity to chassis velocity.
func (m *Mecanum) ToChassisVelocity(speeds wheels.Set[float64]) ChassisVelocity {
	x := m.solve(speeds)
	return ChassisVelocity{Vx: x[0], Vy: x[1], Omega: x[2]}
}

// ToTwist applies the forward kinematics to wheel distance deltas (meters) instead of velocities.
func (m *Mecanum) ToTwist(deltas wheels.Set[float64]) Twist {
	x := m.solve(deltas)
	return Twist{Dx: x[0], Dy: x[1], Dtheta: x[2]}
}

func (m *Mecanum) solve(s wheels.Set[float64]) [3]float64 {
	var out mat.VecDense
	out.MulVec(m.forward, mat.NewVecDense(4, s.Slice()))
	return [3]float64{out.AtVec(0), out.AtVec(1), out.AtVec(2)}
}

// Desaturate scales every wheel speed by the same factor so none exceeds maxSpeed.
// It reports whether scaling was needed.
func Desaturate(speeds wheels.Set[float64], maxSpeed float64) (wheels.Set[float64], bool) {
	largest := 0.0
	for _, s := range speeds.Slice() {
		largest = math.Max(largest, math.Abs(s))
	}
	if maxSpeed <= 0 || largest <= maxSpeed {
		return speeds, false
	}
	scale := maxSpeed / largest
	return wheels.Map(speeds, func(_ wheels.Wheel, s float64) float64 { return s * scale }), true
}
