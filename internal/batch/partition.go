package batch

// Partition splits items into exactly n contiguous chunks whose sizes
// differ by at most one. The first len(items)%n chunks get the extra
// element. Chunks share the backing array of items. n < 1 is treated as 1.
func Partition[T any](items []T, n int) [][]T {
	if n < 1 {
		n = 1
	}
	k, m := len(items)/n, len(items)%n
	chunks := make([][]T, n)
	for i := range n {
		start := i*k + min(i, m)
		end := (i+1)*k + min(i+1, m)
		chunks[i] = items[start:end:end]
	}
	return chunks
}
