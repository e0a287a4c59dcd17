package node

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// ContactPoint describes how to reach a node over one transport.
//
// Canonical form: transport://host:port[/path]
//
//	tcp://127.0.0.1:7001
//	grpc://10.0.0.5:7002
//	etcd://127.0.0.1:2379/node-a   (path = queue name)
//	loopback://node-a:1
type ContactPoint struct {
	Transport string
	Host      string
	Port      int
	Path      string
}

// ParseContactPoint parses the canonical string form.
func ParseContactPoint(s string) (ContactPoint, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return ContactPoint{}, fmt.Errorf("invalid contact point %q: %w", s, err)
	}
	if u.Scheme == "" {
		return ContactPoint{}, fmt.Errorf("invalid contact point %q: missing transport", s)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return ContactPoint{}, fmt.Errorf("invalid contact point %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return ContactPoint{}, fmt.Errorf("invalid contact point %q: bad port %q", s, portStr)
	}
	return ContactPoint{
		Transport: u.Scheme,
		Host:      host,
		Port:      port,
		Path:      strings.Trim(u.Path, "/"),
	}, nil
}

// MustParseContactPoint is ParseContactPoint for literals; it panics on error.
func MustParseContactPoint(s string) ContactPoint {
	cp, err := ParseContactPoint(s)
	if err != nil {
		panic(err)
	}
	return cp
}

// Addr returns host:port.
func (cp ContactPoint) Addr() string {
	return net.JoinHostPort(cp.Host, strconv.Itoa(cp.Port))
}

func (cp ContactPoint) String() string {
	s := cp.Transport + "://" + cp.Addr()
	if cp.Path != "" {
		s += "/" + cp.Path
	}
	return s
}

// ContactPointStrings formats a list of contact points.
func ContactPointStrings(cps []ContactPoint) []string {
	out := make([]string, len(cps))
	for i, cp := range cps {
		out[i] = cp.String()
	}
	return out
}
