package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRegistration(t *testing.T) {
	tests := []struct {
		in       string
		wantAddr string
		wantPort string
	}{
		{"192.168.1.5:4000", "192.168.1.5", "4000"},
		{"::1:4000", "::1", "4000"},
		{"fe80::1:2:3:65535", "fe80::1:2:3", "65535"},
		{"[::1]:4000", "::1", "4000"},
		{"10.0.0.5:5001\n", "10.0.0.5", "5001"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			addr, port, err := DecodeRegistration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantAddr, addr)
			assert.Equal(t, tt.wantPort, port)
		})
	}
}

func TestDecodeRegistration_Malformed(t *testing.T) {
	for _, in := range []string{"", "localhost", "10.0.0.1:", "10.0.0.1:70000", "10.0.0.1:abc", ":4000"} {
		t.Run(in, func(t *testing.T) {
			_, _, err := DecodeRegistration(in)
			assert.ErrorIs(t, err, ErrMalformedEndpoint)
		})
	}
}

func TestEncodePeers(t *testing.T) {
	assert.Equal(t, "", EncodePeers(nil))

	got := EncodePeers([]PeerRecord{
		{LocalAddress: "10.0.0.9", LocalPort: 5002, RemoteAddress: "203.0.113.7", RemotePort: 40001},
		{LocalAddress: "::1", LocalPort: 5003, RemoteAddress: "::1", RemotePort: 40002},
	})
	assert.Equal(t, "203.0.113.7:40001|10.0.0.9:5002,::1:40002|::1:5003", got)
}

func TestDecodePeerMessage_RoundTrip(t *testing.T) {
	records := []PeerRecord{
		{LocalAddress: "10.0.0.5", LocalPort: 5001, RemoteAddress: "198.51.100.2", RemotePort: 61000},
		{LocalAddress: "fd00::5", LocalPort: 5002, RemoteAddress: "2001:db8::7", RemotePort: 61001},
	}
	cands, err := DecodePeerMessage(EncodePeers(records))
	require.NoError(t, err)
	require.Len(t, cands, len(records))

	for i, c := range cands {
		pubHost, pubPort, err := SplitEndpoint(c.Public)
		require.NoError(t, err)
		privHost, privPort, err := SplitEndpoint(c.Private)
		require.NoError(t, err)
		assert.Equal(t, records[i], PeerRecord{
			LocalAddress:  privHost,
			LocalPort:     privPort,
			RemoteAddress: pubHost,
			RemotePort:    pubPort,
		})
	}
}

func TestDecodePeerMessage_Malformed(t *testing.T) {
	for _, in := range []string{
		"",
		"1.2.3.4:5",
		"1.2.3.4:5|6.7.8.9:10|11.12.13.14:15",
		"1.2.3.4:5|6.7.8.9:10,junk",
		"1.2.3.4:5|nope",
	} {
		t.Run(in, func(t *testing.T) {
			_, err := DecodePeerMessage(in)
			assert.ErrorIs(t, err, ErrMalformedPeerList)
		})
	}
}

func TestDialAddress(t *testing.T) {
	got, err := DialAddress("::1:4000")
	require.NoError(t, err)
	assert.Equal(t, "[::1]:4000", got)

	got, err = DialAddress("127.0.0.1:3000")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:3000", got)
}

func TestPeerRecordKey(t *testing.T) {
	p := PeerRecord{RemoteAddress: "::1", RemotePort: 51000}
	assert.Equal(t, "::1:51000", p.Key())
}
