package fn

// Map applies the given mapping function to each element of the input slice
// and returns a new slice with the results.
func Map[I, O any](s []I, f func(I) O) []O {
	out := make([]O, len(s))
	for i := range s {
		out[i] = f(s[i])
	}

	return out
}

// MapErr applies the given fallible mapping function to each element of the
// input slice, returning early on the first error.
func MapErr[I, O any](s []I, f func(I) (O, error)) ([]O, error) {
	out := make([]O, len(s))

	var err error
	for i := range s {
		out[i], err = f(s[i])
		if err != nil {
			return nil, err
		}
	}

	return out, nil
}

// Filter returns a new slice holding only the elements of the input slice
// that match the given predicate.
func Filter[T any](s []T, pred func(T) bool) []T {
	out := make([]T, 0, len(s))
	for _, x := range s {
		if pred(x) {
			out = append(out, x)
		}
	}

	return out
}

// Reducer represents a function that takes an accumulator and the value, then
// returns a new accumulator.
type Reducer[T, V any] func(accum T, value V) T

// Reduce takes a slice of something, and a reducer, and produces a final
// accumulated value.
func Reduce[T any, V any, S []V](s S, f Reducer[T, V]) T {
	var accum T

	for _, x := range s {
		accum = f(accum, x)
	}

	return accum
}

// All returns true if the passed predicate returns true for all items in the
// slice.
func All[T any](xs []T, pred func(T) bool) bool {
	for i := range xs {
		if !pred(xs[i]) {
			return false
		}
	}

	return true
}

// Any returns true if the passed predicate returns true for any item in the
// slice.
func Any[T any](xs []T, pred func(T) bool) bool {
	for i := range xs {
		if pred(xs[i]) {
			return true
		}
	}

	return false
}

// Copyable is a generic interface for a type that's able to return a deep
// copy of itself.
type Copyable[T any] interface {
	Copy() T
}

// CopyAll creates a new slice where each item of the slice is a deep copy of
// the elements of the input slice.
func CopyAll[T Copyable[T]](xs []T) []T {
	newItems := make([]T, len(xs))
	for i := range xs {
		newItems[i] = xs[i].Copy()
	}

	return newItems
}

// CopySlice returns a shallow copy of the passed byte slice. A nil slice
// stays nil.
func CopySlice(b []byte) []byte {
	if b == nil {
		return nil
	}

	c := make([]byte, len(b))
	copy(c, b)

	return c
}
