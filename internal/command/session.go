package command

import "net"

// Session is the per-connection handle the dispatcher writes replies
// through. It is supplied by the concurrency driver (internal/server,
// internal/reactor) or, for replica-applied commands, by a minimal adapter
// that discards everything (see Dispatch's silent parameter).
//
// Session also satisfies pubsub.Subscriber via SendPubSub, so the same
// value registers directly with the pub/sub registry.
type Session interface {
	// Reply writes one complete RESP-framed reply to the client.
	Reply(b []byte)
	// SendPubSub writes one complete RESP-framed pub/sub push message.
	SendPubSub(b []byte)
	// PeerIP returns the connection's remote address, host part only.
	PeerIP() string
	// Conn exposes the raw connection, needed only by REPLCONF
	// listening-port to hand the socket to the replication engine.
	Conn() net.Conn
}

// replaySession buffers replies instead of writing them to the network, so
// EXEC can concatenate each redispatched command's reply after a single
// array header before doing one real write.
type replaySession struct {
	real Session
	buf  []byte
}

func (r *replaySession) Reply(b []byte)       { r.buf = append(r.buf, b...) }
func (r *replaySession) SendPubSub(b []byte)  { r.real.SendPubSub(b) }
func (r *replaySession) PeerIP() string       { return r.real.PeerIP() }
func (r *replaySession) Conn() net.Conn       { return r.real.Conn() }
