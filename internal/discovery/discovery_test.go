package discovery

import (
	"net"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestRelayFor(t *testing.T) {
	entry := zeroconf.NewServiceEntry("journalsync-desk", Service, Domain)
	entry.Port = 1234
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.Text = []string{txtVersion, "prefix=/relay/ws/"}

	relay, ok := relayFor(entry)
	assert.True(t, ok)
	assert.Equal(t, Relay{Instance: "journalsync-desk", Endpoint: "ws://192.168.1.20:1234/relay/ws"}, relay)
}

func TestRelayFor_FallsBackToHostName(t *testing.T) {
	entry := zeroconf.NewServiceEntry("journalsync-laptop", Service, Domain)
	entry.Port = 4000
	entry.HostName = "laptop.local."

	relay, ok := relayFor(entry)
	assert.True(t, ok)
	assert.Equal(t, "ws://laptop.local:4000/sync/ws", relay.Endpoint)

	entry.HostName = ""
	_, ok = relayFor(entry)
	assert.False(t, ok)
}

func TestRelayFor_IPv6(t *testing.T) {
	entry := zeroconf.NewServiceEntry("journalsync-v6", Service, Domain)
	entry.Port = 1234
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	relay, ok := relayFor(entry)
	assert.True(t, ok)
	assert.Equal(t, "ws://[fe80::1]:1234/sync/ws", relay.Endpoint)
}
