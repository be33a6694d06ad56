// Package util provides shared utility functions.
package util

import "hash/fnv"

// HashName computes a 4-byte FNV-1a hash of a name. The hash is used solely
// for identification and does not need to be reversible.
func HashName(name string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(name))
	return h.Sum32()
}
