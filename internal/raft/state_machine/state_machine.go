package state_machine

// StateMachine is an interface representing the StateMachine of the Server defined in Section 2 from the
// [Raft paper](https://raft.github.io/raft.pdf). It is inspired from the FSM interface defined in
// [Hashicorp's Raft impl](https://github.com/hashicorp/raft/blob/main/fsm.go)
//
// Apply is called once per committed entry, in log order, and must be deterministic: every server applies the same
// commands and has to end up with the same state and the same results.
type StateMachine interface {
	// Apply executes a committed command and returns its result
	Apply(command []byte) []byte

	// Snapshot returns a serialized copy of the full state, used for log compaction (Section 7)
	Snapshot() ([]byte, error)

	// Restore replaces the full state with a snapshot produced by Snapshot
	Restore(snapshot []byte) error
}
