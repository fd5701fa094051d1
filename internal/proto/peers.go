package proto

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

var (
	// ErrMalformedEndpoint reports an "address:port" string that cannot be split
	// or whose port is not a uint16.
	ErrMalformedEndpoint = errors.New("malformed endpoint")
	// ErrMalformedPeerList reports a peer-list entry that is not "a|b".
	ErrMalformedPeerList = errors.New("malformed peer list")
)

const (
	recordSep    = ","
	candidateSep = "|"
)

// PeerRecord is the server's view of one registered peer. Remote is the
// endpoint observed on the control connection, Local is what the peer reported.
type PeerRecord struct {
	LocalAddress  string `json:"local_address"`
	LocalPort     uint16 `json:"local_port"`
	RemoteAddress string `json:"remote_address"`
	RemotePort    uint16 `json:"remote_port"`
}

// Key is the connection table key of the record's control connection.
func (p PeerRecord) Key() string { return FormatEndpoint(p.RemoteAddress, p.RemotePort) }

// Public is the server-observed endpoint in wire form.
func (p PeerRecord) Public() string { return FormatEndpoint(p.RemoteAddress, p.RemotePort) }

// Private is the self-reported endpoint in wire form.
func (p PeerRecord) Private() string { return FormatEndpoint(p.LocalAddress, p.LocalPort) }

// Candidates are the two endpoints a client races for one peer.
type Candidates struct {
	Public  string
	Private string
}

// FormatEndpoint renders host and port the way the wire carries them:
// "host:port" with IPv6 literals left unbracketed.
func FormatEndpoint(host string, port uint16) string {
	return host + ":" + strconv.FormatUint(uint64(port), 10)
}

// EncodePeers renders records as "remote:port|local:port" joined by ",".
// No records encode to the empty string.
func EncodePeers(peers []PeerRecord) string {
	keys := make([]string, 0, len(peers))
	for _, p := range peers {
		keys = append(keys, p.Public()+candidateSep+p.Private())
	}
	return strings.Join(keys, recordSep)
}

// DecodeRegistration splits a registration payload on its last colon so
// unbracketed IPv6 literals survive. The port must parse as a uint16.
func DecodeRegistration(text string) (address, port string, err error) {
	host, p, err := SplitEndpoint(text)
	if err != nil {
		return "", "", err
	}
	return host, strconv.FormatUint(uint64(p), 10), nil
}

// SplitEndpoint is DecodeRegistration with the port already parsed.
func SplitEndpoint(text string) (string, uint16, error) {
	text = strings.TrimSpace(text)
	i := strings.LastIndex(text, ":")
	if i < 0 {
		return "", 0, fmt.Errorf("proto: endpoint %q: no port separator: %w", text, ErrMalformedEndpoint)
	}
	host, portText := text[:i], text[i+1:]
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		host = host[1 : len(host)-1]
	}
	if host == "" {
		return "", 0, fmt.Errorf("proto: endpoint %q: empty address: %w", text, ErrMalformedEndpoint)
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("proto: endpoint %q: port: %w", text, ErrMalformedEndpoint)
	}
	return host, uint16(port), nil
}

// DecodePeerMessage parses a peer-list payload into candidate pairs, in order.
func DecodePeerMessage(text string) ([]Candidates, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("proto: peer list: empty: %w", ErrMalformedPeerList)
	}
	entries := strings.Split(text, recordSep)
	out := make([]Candidates, 0, len(entries))
	for _, entry := range entries {
		parts := strings.Split(entry, candidateSep)
		if len(parts) != 2 {
			return nil, fmt.Errorf("proto: peer list entry %q: want 2 endpoints, got %d: %w", entry, len(parts), ErrMalformedPeerList)
		}
		for _, ep := range parts {
			if _, _, err := SplitEndpoint(ep); err != nil {
				return nil, fmt.Errorf("proto: peer list entry %q: %w: %w", entry, ErrMalformedPeerList, err)
			}
		}
		out = append(out, Candidates{Public: parts[0], Private: parts[1]})
	}
	return out, nil
}

// DialAddress converts a wire endpoint to an address accepted by net.Dial.
func DialAddress(endpoint string) (string, error) {
	host, port, err := SplitEndpoint(endpoint)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.FormatUint(uint64(port), 10)), nil
}
