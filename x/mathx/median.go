package mathx

import (
	"sort"

	"golang.org/x/exp/constraints"
)

// Median returns the middle value of xs (mean of the two middle values for
// even lengths). The input slice is not modified. Empty input yields zero.
func Median[T constraints.Integer | constraints.Float](xs []T) T {
	if len(xs) == 0 {
		var zero T
		return zero
	}
	tmp := make([]T, len(xs))
	copy(tmp, xs)
	sort.Slice(tmp, func(i, j int) bool { return tmp[i] < tmp[j] })
	mid := len(tmp) / 2
	if len(tmp)%2 == 1 {
		return tmp[mid]
	}
	return (tmp[mid-1] + tmp[mid]) / 2
}
