package protocol

import "fmt"

// Reserved MessageId tags. INITIAL_REQUEST_TAG marks the first request of an
// operation's chain; ULTIMATE_RESPONSE_TAG marks the final reply. Tags in
// between mark delegated (server-to-server) hops, each one greater than the
// request it handles.
const (
	InitialRequestTag  uint32 = 1
	UltimateResponseTag uint32 = 0xFFFFFFFF
)

// OpId globally identifies one client or server operation: the transport
// that created it, plus a sequence number local to that transport.
type OpId struct {
	TransportId uint64
	Sequence    uint64
}

func (id OpId) String() string {
	return fmt.Sprintf("OpId(%d,%d)", id.TransportId, id.Sequence)
}

// MessageId identifies a single message within an operation's chain: the
// owning OpId plus a tag distinguishing the request, delegated hops, and the
// ultimate response.
type MessageId struct {
	OpId OpId
	Tag  uint32
}

func (id MessageId) String() string {
	return fmt.Sprintf("MessageId(%s,%d)", id.OpId, id.Tag)
}

// IsResponse reports whether id identifies the ultimate response of an
// operation's chain.
func (id MessageId) IsResponse() bool {
	return id.Tag == UltimateResponseTag
}

// IsInitialRequest reports whether id identifies the first request of an
// operation's chain (as opposed to a delegated middle hop).
func (id MessageId) IsInitialRequest() bool {
	return id.Tag == InitialRequestTag
}
