package client

import (
	"errors"
	"fmt"

	"github.com/omochice/partychat/pkg/protocol"
)

// ErrNotReady is returned when a request is made while the connection is
// not open. The request was not sent.
var ErrNotReady = errors.New("connection not ready")

// RemoteError is the service's refusal of a request.
type RemoteError struct {
	Kind    protocol.MessageType
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s rejected: %s", e.Kind, e.Message)
}
