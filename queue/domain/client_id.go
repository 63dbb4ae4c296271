package domain

import (
	"fmt"
)

// ClientID identifies the peer behind a request.
//
// Clients that present both a node and a session are tracked by the
// client registry under their node name. Old-style clients present
// neither and are known only by address; they cannot hold preferred
// affinities or blacklists.
type ClientID struct {
	Address     string
	Node        string
	Session     string
	ProgName    string
	ClientHost  string
	ControlPort uint16

	// ID is assigned by the client registry, 0 for old-style clients.
	ID uint32
}

// NewClientID validates that node and session come together.
func NewClientID(addr, node, session string) (*ClientID, error) {
	if (node == "") != (session == "") {
		if node == "" {
			return nil, NewError(InvalidParameter, "client_session is provided but client_node is not")
		}
		return nil, NewError(InvalidParameter, "client_node is provided but client_session is not")
	}
	return &ClientID{Address: addr, Node: node, Session: session}, nil
}

func (c *ClientID) IsComplete() bool {
	return c != nil && c.Node != ""
}

func (c *ClientID) String() string {
	if !c.IsComplete() {
		return fmt.Sprintf("old-style client %s", c.Address)
	}
	return fmt.Sprintf("%s (session %s, addr %s)", c.Node, c.Session, c.Address)
}
