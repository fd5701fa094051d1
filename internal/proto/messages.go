// Package proto defines the control channel spoken between punchhole clients
// and the rendezvous server: the registration and peer-list payload formats
// and the envelope that carries them.
package proto

import "fmt"

// Type tags a control message.
type Type byte

const (
	// TypeRegister is sent once by a client: its own local endpoint.
	TypeRegister Type = 1
	// TypePeerList is pushed by the server: the other peers' endpoints.
	TypePeerList Type = 2
)

func (t Type) String() string {
	switch t {
	case TypeRegister:
		return "register"
	case TypePeerList:
		return "peer_list"
	default:
		return fmt.Sprintf("type(%d)", byte(t))
	}
}

func (t Type) valid() bool { return t == TypeRegister || t == TypePeerList }

// Message is one decoded control message.
type Message struct {
	Type    Type
	Payload string
}

// Register builds the registration message for a local endpoint.
func Register(host string, port uint16) Message {
	return Message{Type: TypeRegister, Payload: FormatEndpoint(host, port)}
}

// PeerList builds a peer-list message for the given records.
func PeerList(peers []PeerRecord) Message {
	return Message{Type: TypePeerList, Payload: EncodePeers(peers)}
}
