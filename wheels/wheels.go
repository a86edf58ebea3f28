// Package wheels names the four wheels of a mecanum chassis and carries one value per wheel.
package wheels

import "fmt"

// Wheel identifies a wheel by its mounting position.
type Wheel int

// The order of these constants is the order used everywhere a Set is flattened.
const (
	FrontLeft Wheel = iota
	FrontRight
	BackLeft
	BackRight
)

// All lists every wheel in Set order.
var All = [4]Wheel{FrontLeft, FrontRight, BackLeft, BackRight}

func (w Wheel) String() string {
	switch w {
	case FrontLeft:
		return "front-left"
	case FrontRight:
		return "front-right"
	case BackLeft:
		return "back-left"
	case BackRight:
		return "back-right"
	default:
		return fmt.Sprintf("wheel(%d)", int(w))
	}
}

// Set holds one T per wheel: velocities, positions, voltages, controllers.
type Set[T any] struct {
	FrontLeft  T `json:"front_left" yaml:"front_left"`
	FrontRight T `json:"front_right" yaml:"front_right"`
	BackLeft   T `json:"back_left" yaml:"back_left"`
	BackRight  T `json:"back_right" yaml:"back_right"`
}

// Of builds a Set in front-left, front-right, back-left, back-right order.
func Of[T any](fl, fr, bl, br T) Set[T] {
	return Set[T]{FrontLeft: fl, FrontRight: fr, BackLeft: bl, BackRight: br}
}

// Uniform returns a Set with the same value on every wheel.
func Uniform[T any](v T) Set[T] {
	return Of(v, v, v, v)
}

// Get returns the value for w. It panics on an unknown wheel.
func (s Set[T]) Get(w Wheel) T {
	switch w {
	case FrontLeft:
		return s.FrontLeft
	case FrontRight:
		return s.FrontRight
	case BackLeft:
		return s.BackLeft
	case BackRight:
		return s.BackRight
	}
	panic(fmt.Sprintf("unknown %v", w))
}

// Put stores v for w. It panics on an unknown wheel.
func (s *Set[T]) Put(w Wheel, v T) {
	switch w {
	case FrontLeft:
		s.FrontLeft = v
	case FrontRight:
		s.FrontRight = v
	case BackLeft:
		s.BackLeft = v
	case BackRight:
		s.BackRight = v
	default:
		panic(fmt.Sprintf("unknown %v", w))
	}
}

// Slice flattens the set in wheel order.
func (s Set[T]) Slice() []T {
	return []T{s.FrontLeft, s.FrontRight, s.BackLeft, s.BackRight}
}

// Map applies fn to every wheel.
func Map[T, U any](s Set[T], fn func(Wheel, T) U) Set[U] {
	var out Set[U]
	for _, w := range All {
		out.Put(w, fn(w, s.Get(w)))
	}
	return out
}

// Zip combines two sets wheel by wheel.
func Zip[T, U, V any](a Set[T], b Set[U], fn func(Wheel, T, U) V) Set[V] {
	var out Set[V]
	for _, w := range All {
		out.Put(w, fn(w, a.Get(w), b.Get(w)))
	}
	return out
}
