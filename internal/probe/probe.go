// Package probe inspects the deployment target's network stack before
// anything is installed. Route presence alone does not prove working
// egress on virtualized NAT hosts, so confirmed reachability is checked
// per family with bounded commands.
package probe

import (
	"context"
	"strings"

	"github.com/alfaoz/groundcontrol/internal/host"
)

// Family is an IP address family preference.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
)

// Profile is the immutable result of one probe run.
type Profile struct {
	IPv4Route  bool
	IPv6Route  bool
	IPv4Egress bool
	IPv6Egress bool
	Warnings   []string
}

// Preferred picks the family the deployment should favor: IPv6 only
// when it is the sole confirmed egress path, IPv4 otherwise.
func (p Profile) Preferred() Family {
	if p.IPv6Egress && !p.IPv4Egress {
		return FamilyIPv6
	}
	return FamilyIPv4
}

// EgressFamilies lists families with confirmed egress, preferred first.
func (p Profile) EgressFamilies() []Family {
	var fams []Family
	if p.Preferred() == FamilyIPv6 {
		if p.IPv6Egress {
			fams = append(fams, FamilyIPv6)
		}
		if p.IPv4Egress {
			fams = append(fams, FamilyIPv4)
		}
		return fams
	}
	if p.IPv4Egress {
		fams = append(fams, FamilyIPv4)
	}
	if p.IPv6Egress {
		fams = append(fams, FamilyIPv6)
	}
	return fams
}

// Well-known anycast addresses for reachability pings.
const (
	v4PingTarget = "1.1.1.1"
	v6PingTarget = "2001:4860:4860::8888"
)

// Probe never fails: a host with no routes at all is a valid, reportable
// state and the deployment still proceeds for local-only verification.
func Probe(ctx context.Context, r host.Runner) Profile {
	p := Profile{}

	p.IPv4Route = hasDefaultRoute(ctx, r, "-4")
	p.IPv6Route = hasDefaultRoute(ctx, r, "-6")

	if p.IPv4Route {
		p.IPv4Egress = confirmEgress(ctx, r, "-4", v4PingTarget)
		if !p.IPv4Egress {
			p.Warnings = append(p.Warnings, "IPv4 default route present but egress unconfirmed")
		}
	}
	if p.IPv6Route {
		p.IPv6Egress = confirmEgress(ctx, r, "-6", v6PingTarget)
		if !p.IPv6Egress {
			p.Warnings = append(p.Warnings, "IPv6 default route present but egress unconfirmed")
		}
	}

	if !p.IPv4Egress && !p.IPv6Egress {
		p.Warnings = append(p.Warnings, "no confirmed egress on either family; functional probes are expected to fail")
	}
	return p
}

func hasDefaultRoute(ctx context.Context, r host.Runner, flag string) bool {
	out, err := r.Run(ctx, "ip "+flag+" route show default")
	return err == nil && strings.TrimSpace(out) != ""
}

// confirmEgress is two-tier: an ICMP echo with a 2s budget, then a
// single HTTPS probe over the same family. One probe alone is subject
// to transient failure; ICMP alone is often filtered.
func confirmEgress(ctx context.Context, r host.Runner, flag, pingTarget string) bool {
	if _, err := r.Run(ctx, "ping "+flag+" -c1 -W2 "+pingTarget); err == nil {
		return true
	}
	_, err := r.Run(ctx, "curl "+flag+" -fsS -m4 -o /dev/null https://www.gstatic.com/generate_204")
	return err == nil
}
