package auth

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPKeyFunc returns the connection's remote address without the port.
// Request headers are ignored; see ClientIPResolver for proxied setups.
func ClientIPKeyFunc(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// ClientIPResolver identifies the client behind a chain of trusted reverse
// proxies. X-Forwarded-For is only read when the connection itself comes
// from a trusted proxy, so a direct caller cannot pose as another address.
type ClientIPResolver struct {
	trusted []netip.Prefix
}

// NewClientIPResolver parses trusted proxy addresses or CIDR ranges. With no
// entries the resolver behaves like ClientIPKeyFunc.
func NewClientIPResolver(trustedProxies []string) (*ClientIPResolver, error) {
	c := &ClientIPResolver{}
	for _, p := range trustedProxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Contains(p, "/") {
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", p, err)
			}
			c.trusted = append(c.trusted, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(p)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", p, err)
		}
		addr = addr.Unmap()
		c.trusted = append(c.trusted, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return c, nil
}

func (c *ClientIPResolver) isTrusted(s string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range c.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP returns the address of the client that sent r. Forwarded entries
// are walked from the nearest hop outwards and the first untrusted one wins.
func (c *ClientIPResolver) ClientIP(r *http.Request) string {
	remote := ClientIPKeyFunc(r)
	if c == nil || len(c.trusted) == 0 || !c.isTrusted(remote) {
		return remote
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hops = append(hops, h)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !c.isTrusted(hops[i]) {
			if _, err := netip.ParseAddr(hops[i]); err != nil {
				return remote
			}
			return hops[i]
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}
	return remote
}
