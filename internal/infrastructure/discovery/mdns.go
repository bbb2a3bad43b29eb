// Package discovery advertises session anchors on the local network and
// finds them over mDNS.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"beamdrop/internal/core/domain"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	DefaultService       = "_beamdrop._tcp"
	DefaultDomain        = "local."
	DefaultBrowseTimeout = 3 * time.Second
	Version              = 1

	txtHostID  = "host_id"
	txtLocator = "locator"
	txtKind    = "kind"
	txtVersion = "version"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

type Config struct {
	Service       string
	Domain        string
	BrowseTimeout time.Duration

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.BrowseTimeout <= 0 {
		out.BrowseTimeout = DefaultBrowseTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Anchor is a session anchor found on the local network.
type Anchor struct {
	HostID      domain.PeerID
	Locator     string
	DisplayName string
	DeviceKind  domain.DeviceKind
	Addresses   []string
}

// Advertiser publishes this anchor's locator.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers identity under the service name. port is informational;
// joiners connect through the signaling broker, not to it.
func Advertise(config Config, identity domain.SessionIdentity, displayName string, kind domain.DeviceKind, port int, logger *zap.SugaredLogger) (*Advertiser, error) {
	cfg := config.withDefaults()
	if identity.Role != domain.RoleAnchor {
		return nil, errors.New("only a session anchor is advertised")
	}
	if strings.TrimSpace(displayName) == "" {
		return nil, errors.New("display name is required")
	}
	if port <= 0 {
		return nil, errors.New("port must be > 0")
	}

	txt := []string{
		txtHostID + "=" + string(identity.LocalID),
		txtLocator + "=" + identity.ShareLocator,
		txtKind + "=" + string(kind),
		txtVersion + "=" + strconv.Itoa(Version),
	}
	server, err := cfg.registerFn(displayName, cfg.Service, cfg.Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}

	logger.Infow("advertising session on local network", "service", cfg.Service, "host_id", identity.LocalID)
	return &Advertiser{server: server}, nil
}

func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Browse collects anchors for the configured timeout. Entries advertising
// self are ignored. Results are sorted by display name.
func Browse(ctx context.Context, config Config, self domain.PeerID) ([]Anchor, error) {
	cfg := config.withDefaults()
	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, fmt.Errorf("create mDNS resolver: %w", err)
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.BrowseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	if err := browse(ctx, cfg.Service, cfg.Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mDNS: %w", err)
	}

	seen := make(map[domain.PeerID]Anchor)
	for {
		select {
		case <-ctx.Done():
			return sortedAnchors(seen), nil
		case entry, ok := <-entries:
			if !ok {
				return sortedAnchors(seen), nil
			}
			anchor, ok := parseEntry(entry)
			if !ok || anchor.HostID == self {
				continue
			}
			seen[anchor.HostID] = anchor
		}
	}
}

func parseEntry(entry *zeroconf.ServiceEntry) (Anchor, bool) {
	if entry == nil {
		return Anchor{}, false
	}
	fields := make(map[string]string, len(entry.Text))
	for _, kv := range entry.Text {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			fields[k] = v
		}
	}
	if v, err := strconv.Atoi(fields[txtVersion]); err != nil || v != Version {
		return Anchor{}, false
	}
	if fields[txtHostID] == "" || fields[txtLocator] == "" {
		return Anchor{}, false
	}

	anchor := Anchor{
		HostID:      domain.PeerID(fields[txtHostID]),
		Locator:     fields[txtLocator],
		DisplayName: entry.Instance,
		DeviceKind:  domain.DeviceKind(fields[txtKind]),
	}
	for _, ip := range entry.AddrIPv4 {
		anchor.Addresses = append(anchor.Addresses, ip.String())
	}
	for _, ip := range entry.AddrIPv6 {
		anchor.Addresses = append(anchor.Addresses, ip.String())
	}
	return anchor, true
}

func sortedAnchors(seen map[domain.PeerID]Anchor) []Anchor {
	out := make([]Anchor, 0, len(seen))
	for _, a := range seen {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].HostID < out[j].HostID
	})
	return out
}
