package cluster

// HashBytes generates a hash value for a key with a seed.
// This function uses the FNV-1a hash algorithm, which is fast and has good distribution.
// Every node must compute the same value for the same key, so the seed is part of the contract.
func HashBytes(b []byte, seed uint64) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	// Start with the offset combined with our seed for uniqueness
	hash := uint64(offset64) ^ seed

	for i := 0; i < len(b); i++ {
		hash ^= uint64(b[i])
		hash *= prime64
	}

	return hash
}
