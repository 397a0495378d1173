package pressure

import "math/rand/v2"

// Rand is the source of randomness used for interruption draws, template
// selection and speaking delays. Tests substitute a fixed sequence.
//
// Per successful interruption the machine consumes, in order: one Float64
// for the probability draw, two IntN calls (category, then line) and one or
// two Float64 calls for the delay.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// globalRand draws from the concurrency-safe top-level math/rand/v2 source.
type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) IntN(n int) int   { return rand.IntN(n) }
