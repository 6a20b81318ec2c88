package transport

import "errors"

// ErrClosed is returned by AllocOp and ReceiveOp once Close has been called.
// SendRequest, SendReply, and AllocDelegatedRequest do not check for Close.
var ErrClosed = errors.New("transport: closed")

// ErrOpReleased is returned by SendRequest when the caller's Op has already
// been released. SendReply does not check whether its Op was released.
var ErrOpReleased = errors.New("transport: op already released")

// ErrWrongRole is returned when SendRequest is called on a server Op, or
// SendReply on a client Op.
var ErrWrongRole = errors.New("transport: wrong role for this operation")
