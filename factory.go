package redis

import "context"

// CreateConnection opens a single Connection to address (a "host:port"
// TCP pair or an absolute Unix socket path), applying opts. It is a
// thin convenience wrapper over Connect using context.Background, for
// callers that don't need to bound connection setup with their own
// context. CreateCluster, the equivalent factory for a Redis Cluster
// deployment, lives in cluster.go alongside the Cluster type it builds.
func CreateConnection(address string, opts ConnOptions) (*Connection, error) {
	return Connect(context.Background(), address, opts)
}
