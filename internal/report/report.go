// Package report assembles the operator-facing outcome of a deployment:
// public addresses per family, connection strings, and accumulated
// warnings.
package report

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/alfaoz/groundcontrol/internal/host"
	"github.com/alfaoz/groundcontrol/internal/launch"
	"github.com/alfaoz/groundcontrol/internal/probe"
)

// Endpoint is one printable connection target.
type Endpoint struct {
	Scheme string // socks5 or http
	Host   string
	Port   int
	User   string
	Pass   string
	Family probe.Family
}

// String renders scheme://[user:pass@]host:port with bracket notation
// for literal IPv6 hosts.
func (e Endpoint) String() string {
	hostPart := e.Host
	if ip := net.ParseIP(e.Host); ip != nil && ip.To4() == nil {
		hostPart = "[" + e.Host + "]"
	}
	cred := ""
	if e.User != "" {
		cred = e.User + ":" + e.Pass + "@"
	}
	return fmt.Sprintf("%s://%s%s:%d", e.Scheme, cred, hostPart, e.Port)
}

// Report is the final result handed to the operator.
type Report struct {
	Target    string
	Action    string
	Mode      launch.Mode
	Version   string
	Endpoints []Endpoint
	Warnings  []string
}

// Lines renders the report for plain-print output.
func (r Report) Lines() []string {
	lines := []string{
		fmt.Sprintf("action: %s on %s", r.Action, r.Target),
	}
	if r.Version != "" {
		lines = append(lines, fmt.Sprintf("gost version: %s (supervision: %s)", r.Version, r.Mode))
	}
	for _, e := range r.Endpoints {
		lines = append(lines, fmt.Sprintf("%-6s %s", string(e.Family)+":", e.String()))
	}
	for _, w := range r.Warnings {
		lines = append(lines, "warning: "+w)
	}
	return lines
}

// addressCommands is the per-family lookup chain: two public echo
// services, then the interface address as a last resort (IPv4 only;
// link-local v6 noise is worse than nothing).
func addressCommands(family probe.Family) []string {
	flag := "-4"
	if family == probe.FamilyIPv6 {
		flag = "-6"
	}
	cmds := []string{
		"curl " + flag + " -fsS -m5 https://api64.ipify.org",
		"curl " + flag + " -fsS -m5 https://ifconfig.me",
	}
	if family == probe.FamilyIPv4 {
		cmds = append(cmds, "hostname -I 2>/dev/null | awk '{print $1}'")
	}
	return cmds
}

// PublicAddress resolves the target's public address for one family.
func PublicAddress(ctx context.Context, r host.Runner, family probe.Family) (string, bool) {
	for _, cmd := range addressCommands(family) {
		out, err := r.Run(ctx, cmd)
		if err != nil {
			continue
		}
		addr := strings.TrimSpace(out)
		ip := net.ParseIP(addr)
		if ip == nil {
			continue
		}
		isV4 := ip.To4() != nil
		if (family == probe.FamilyIPv4) != isV4 {
			continue
		}
		return addr, true
	}
	return "", false
}

// Input carries everything the reporter needs from earlier stages.
type Input struct {
	Action       string
	Profile      probe.Profile
	Instance     launch.Instance
	Version      string
	SocksPort    int
	HTTPPort     int
	User         string
	Pass         string
	FallbackHost string // station host used when discovery fails
	Warnings     []string
}

// Build discovers one public address per detected family and produces
// the endpoint list: one socks5 string per family, plus http strings
// when an HTTP listener was configured.
func Build(ctx context.Context, r host.Runner, in Input) Report {
	rep := Report{
		Target:   r.Describe(),
		Action:   in.Action,
		Mode:     in.Instance.Mode,
		Version:  in.Version,
		Warnings: append([]string(nil), in.Warnings...),
	}

	families := []probe.Family{}
	if in.Profile.IPv4Route {
		families = append(families, probe.FamilyIPv4)
	}
	if in.Profile.IPv6Route {
		families = append(families, probe.FamilyIPv6)
	}

	addrs := map[probe.Family]string{}
	for _, fam := range families {
		if addr, ok := PublicAddress(ctx, r, fam); ok {
			addrs[fam] = addr
			continue
		}
		rep.Warnings = append(rep.Warnings, fmt.Sprintf("could not determine public %s address", fam))
	}
	if len(addrs) == 0 && strings.TrimSpace(in.FallbackHost) != "" {
		fam := probe.FamilyIPv4
		if ip := net.ParseIP(in.FallbackHost); ip != nil && ip.To4() == nil {
			fam = probe.FamilyIPv6
		}
		addrs[fam] = in.FallbackHost
	}

	for _, fam := range []probe.Family{probe.FamilyIPv4, probe.FamilyIPv6} {
		addr, ok := addrs[fam]
		if !ok {
			continue
		}
		rep.Endpoints = append(rep.Endpoints, Endpoint{
			Scheme: "socks5", Host: addr, Port: in.SocksPort,
			User: in.User, Pass: in.Pass, Family: fam,
		})
		if in.HTTPPort > 0 {
			rep.Endpoints = append(rep.Endpoints, Endpoint{
				Scheme: "http", Host: addr, Port: in.HTTPPort,
				User: in.User, Pass: in.Pass, Family: fam,
			})
		}
	}
	return rep
}
