package redis

// ClusterNode describes one node discovered via CLUSTER SLOTS: its
// address, role, and the slot ranges it owns (for masters) or replicates.
type ClusterNode struct {
	Address    string
	Role       string // "master" or "replica"
	SlotRanges [][2]int
}
