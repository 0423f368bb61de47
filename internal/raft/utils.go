package raft

import (
	"math/rand"
	"time"
)

// RandomElectionTimeout returns an election timeout chosen uniformly from [minTimeout, maxTimeout]. A fresh value is
// drawn for every election, as per Section 5.2 from the [Raft paper](https://raft.github.io/raft.pdf), so that split
// votes are unlikely to repeat.
func RandomElectionTimeout(minTimeout, maxTimeout time.Duration) time.Duration {
	if maxTimeout <= minTimeout {
		return minTimeout
	}
	// +1 makes the upper bound inclusive
	return minTimeout + time.Duration(rand.Int63n(int64(maxTimeout-minTimeout)+1))
}
