package apikey

import (
	"net"
	"net/netip"
	"strings"
)

// ForwardedPolicy decides which X-Forwarded-For hops to believe.
// The zero value ignores the header.
type ForwardedPolicy struct {
	Trust bool
	// Proxies are the trusted proxy ranges. Empty means the direct peer is
	// the only proxy, so only the right-most entry is believed.
	Proxies []netip.Prefix
}

// ClientAddr picks the requester address from RemoteAddr and an X-Forwarded-For
// chain. The chain is walked from the right, skipping trusted proxies; entries
// left of the first untrusted hop are client-written and never read.
// Returns the zero Addr when nothing parses.
func (fp ForwardedPolicy) ClientAddr(remoteAddr, forwardedFor string) netip.Addr {
	peer := hostAddr(remoteAddr)
	if !fp.Trust || forwardedFor == "" || !peer.IsValid() {
		return peer
	}
	if len(fp.Proxies) > 0 && !inPrefixes(fp.Proxies, peer) {
		// Peer is not one of our proxies: it wrote the header itself
		return peer
	}

	hops := strings.Split(forwardedFor, ",")
	client := peer
	for i := len(hops) - 1; i >= 0; i-- {
		a, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			// A proxy never writes garbage; stop at the last hop we can vouch for
			return client
		}
		client = a.Unmap()
		if len(fp.Proxies) == 0 || !inPrefixes(fp.Proxies, client) {
			return client
		}
	}
	return client
}

// ParseProxies parses CIDRs or bare addresses into prefixes.
func ParseProxies(list []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, s := range list {
		if strings.TrimSpace(s) == "" {
			continue
		}
		p, err := parsePrefix(s)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func hostAddr(remoteAddr string) netip.Addr {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	a, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}
	}
	return a.Unmap()
}

func inPrefixes(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, p := range prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ipAllowed reports whether addr falls inside any of the CIDRs.
// An empty list allows everything. Unparseable entries never match.
func ipAllowed(allowed []string, addr netip.Addr) bool {
	if len(allowed) == 0 {
		return true
	}
	if !addr.IsValid() {
		return false
	}
	for _, s := range allowed {
		p, err := parsePrefix(s)
		if err != nil {
			continue
		}
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
