package executor

// Count returns how many of total candidates an operation visits. A batch
// size of zero means unbounded.
func Count(total, batchSize int) int {
	if batchSize <= 0 || batchSize > total {
		return total
	}
	return batchSize
}
