package common

// LogStore is the interface that when implemented can be used as
// a store for storing logs of one raft server. LogStore is responsible
// for guaranteeing persistence of logs across server restarts.
type LogStore interface {
	// Store should overwrite the log entry if it already exists (at that index).
	Store(entry LogEntry) error
	// Append stores a contiguous batch of entries in one durable write.
	// The first entry's index must not exceed the current length.
	Append(entries []LogEntry) error
	Get(index int64) (*LogEntry, error)
	GetLast() (*LogEntry, error)
	// Entries returns every entry with index >= from, in index order.
	Entries(from int64) ([]LogEntry, error)
	Length() (int64, error)
	// TruncateFrom deletes the entry at index and every entry after it.
	TruncateFrom(index int64) error
	Close() error
}

// PersistentStore implementations can be used as general-purpose stores
// for storing non-volatile data (such as Raft server's non-volatile state variables).
type PersistentStore interface {
	Set(key, value []byte) error
	Get(key []byte) ([]byte, error)
	GetDefault(key []byte, defaultVal []byte) ([]byte, error)
	Close() error
}

// FSM represents a general finite-state machine which has only a single operation -- Apply.
type FSM interface {
	Apply(entry LogEntry) ([]byte, error)
}

// Transport sends raft messages to other servers. Send is fire-and-forget:
// it must not wait for the remote server, and delivery is not guaranteed.
type Transport interface {
	Send(msg Message) error
}

// Receiver accepts messages delivered by a Transport.
type Receiver interface {
	Receive(msg Message)
}

// RPCServer is the interface exposed by a Raft server
// to outside (including other Raft servers, and clients)
type RPCServer interface {
	GetID() ServerID
	Deliver(msg *Message, ack *Ack) error
	ClientRequest(args *ClientRequestRPC, result *ClientRequestRPCResult) error
	ServerStatus(args *StatusRPC, result *StatusRPCResult) error
}

// RPCManager abstracts away RPC handling from RPC servers
type RPCManager interface {
	// Start is a blocking call.
	// It starts the RPC server at the given address and blocks until Stop.
	// Start only returns error if it fails to start the server.
	Start(address ServerAddress, server RPCServer) error
	ConnectToPeer(address ServerAddress, id ServerID) (RPCServer, error)
	// Stop the RPCManager (permanent)
	Stop() error
	// Disconnect disconnects all managed peers
	Disconnect()
	// Reconnect can heal the disconnected managed peers
	Reconnect()
}
