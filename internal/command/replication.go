package command

import "net"

// Replication is the surface the dispatcher needs from the replication
// engine (§4.H): feeding successful writes to replicas, answering ROLE,
// handling REPLICAOF, and turning a REPLCONF listening-port session into a
// replica endpoint. internal/replication.Engine implements this; tests use
// a stub.
type Replication interface {
	// IsPrimary reports the current role. Only PRIMARY feeds replicas.
	IsPrimary() bool
	// Feed hands a raw, successfully-executed write command line to the
	// replica propagation path. Called only for non-transactional writes
	// on a PRIMARY.
	Feed(rawLine string)
	// Role renders the RESP reply for the ROLE command.
	Role() []byte
	// ReplicaOf starts (or redirects) replication from the given primary.
	ReplicaOf(host, port string) error
	// ReplicaOfNoOne reverts this server to PRIMARY/NONE.
	ReplicaOfNoOne()
	// AddReplica registers conn as a replica endpoint advertising
	// listeningPort, and kicks off its initial sync.
	AddReplica(conn net.Conn, peerIP string, listeningPort int) error
}
