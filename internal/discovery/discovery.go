// Package discovery announces relays on the local network over mDNS and finds them.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/grandcat/zeroconf"

	"collabtext/journalsync/internal/logging"
)

const (
	Service = "_journalsync._tcp"
	Domain  = "local."

	txtPrefix  = "prefix="
	txtVersion = "v=1"
)

// Relay is a discovered room server.
type Relay struct {
	Instance string
	Endpoint string
}

// Announcement is a registered service. Shutdown withdraws it.
type Announcement struct {
	server *zeroconf.Server
}

func (a *Announcement) Shutdown() {
	a.server.Shutdown()
}

// Announce registers this host's relay on port with its WebSocket prefix.
func Announce(port int, wsPrefix string, logger *log.Logger) (*Announcement, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "relay"
	}
	instance := fmt.Sprintf("journalsync-%s", host)
	server, err := zeroconf.Register(instance, Service, Domain, port, []string{txtVersion, txtPrefix + wsPrefix}, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	logging.OrNop(logger).Info("mdns service registered", "instance", instance, "port", port)
	return &Announcement{server: server}, nil
}

// Browse collects relays answering within timeout, sorted by instance name.
func Browse(ctx context.Context, timeout time.Duration) ([]Relay, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan []Relay)
	go func() {
		seen := make(map[string]Relay)
	collect:
		for {
			select {
			case entry, ok := <-entries:
				if !ok {
					break collect
				}
				if relay, ok := relayFor(entry); ok {
					seen[relay.Instance] = relay
				}
			case <-ctx.Done():
				break collect
			}
		}
		out := make([]Relay, 0, len(seen))
		for _, r := range seen {
			out = append(out, r)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
		done <- out
	}()

	if err := resolver.Browse(ctx, Service, Domain, entries); err != nil {
		cancel()
		<-done
		return nil, fmt.Errorf("browse mdns: %w", err)
	}
	<-ctx.Done()
	return <-done, nil
}

// relayFor builds the WebSocket endpoint advertised by entry.
func relayFor(entry *zeroconf.ServiceEntry) (Relay, bool) {
	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return Relay{}, false
	}
	prefix := "/sync/ws"
	for _, txt := range entry.Text {
		if p, ok := strings.CutPrefix(txt, txtPrefix); ok && p != "" {
			prefix = "/" + strings.Trim(p, "/")
		}
	}
	return Relay{
		Instance: entry.Instance,
		Endpoint: "ws://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)) + prefix,
	}, true
}
