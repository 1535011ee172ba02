package proxyconf

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/alfaoz/groundcontrol/internal/probe"
)

func dualStackProfile() probe.Profile {
	return probe.Profile{IPv4Route: true, IPv6Route: true, IPv4Egress: true, IPv6Egress: true}
}

func TestRenderRejectsOutOfRangePorts(t *testing.T) {
	for _, port := range []int{-1, 0, 65536, 100000} {
		_, err := Render(Params{SocksPort: port, Machine: MachineVPS, Policy: Open{}})
		if err == nil {
			t.Fatalf("expected rejection for port %d", port)
		}
	}
}

func TestRenderDerivedPortOverflow(t *testing.T) {
	_, err := Render(Params{SocksPort: 65535, Machine: MachineNAT, Policy: Open{}})
	if err == nil {
		t.Fatal("expected derived-port overflow error")
	}
	if !strings.Contains(err.Error(), "65536") {
		t.Fatalf("error should name the overflowed value: %v", err)
	}
}

func TestRenderNATDerivesHTTPListener(t *testing.T) {
	r, err := Render(Params{Name: "pad", SocksPort: 8080, Machine: MachineNAT, Profile: dualStackProfile(), Policy: Open{}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if r.HTTPPort != 8081 {
		t.Fatalf("expected derived http port 8081, got %d", r.HTTPPort)
	}
	if len(r.File.Services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(r.File.Services))
	}
	if r.File.Services[0].Handler.Type != "socks5" || r.File.Services[0].Addr != ":8080" {
		t.Fatalf("unexpected socks service: %+v", r.File.Services[0])
	}
	if r.File.Services[1].Handler.Type != "http" || r.File.Services[1].Addr != ":8081" {
		t.Fatalf("unexpected http service: %+v", r.File.Services[1])
	}
	ports := r.ListenPorts()
	if len(ports) != 2 || ports[0] != 8080 || ports[1] != 8081 {
		t.Fatalf("unexpected listen ports: %v", ports)
	}
}

func TestRenderVPSSocksOnlyByDefault(t *testing.T) {
	r, err := Render(Params{SocksPort: 1080, Machine: MachineVPS, Profile: dualStackProfile(), Policy: Open{}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if r.HTTPPort != 0 || len(r.File.Services) != 1 {
		t.Fatalf("expected socks-only config, got %+v", r.File.Services)
	}
}

func TestRenderNATHTTPListenerDisabled(t *testing.T) {
	r, err := Render(Params{SocksPort: 1080, HTTPPort: -1, Machine: MachineNAT, Profile: dualStackProfile(), Policy: Open{}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if r.HTTPPort != 0 || len(r.File.Services) != 1 {
		t.Fatalf("expected socks-only config, got %+v", r.File.Services)
	}
}

func TestRenderRejectsOverlappingListeners(t *testing.T) {
	_, err := Render(Params{SocksPort: 9000, HTTPPort: 9000, Machine: MachineVPS, Policy: Open{}})
	if err == nil {
		t.Fatal("expected overlap rejection")
	}
}

func TestRenderCredentialedGeneratesAuth(t *testing.T) {
	r, err := Render(Params{SocksPort: 1080, Machine: MachineVPS, Profile: dualStackProfile(), Policy: Credentialed{}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if r.User == "" || r.Pass == "" {
		t.Fatal("expected generated credentials")
	}
	if len(r.File.Authers) != 1 || r.File.Authers[0].Auths[0].Username != r.User {
		t.Fatalf("auther does not carry the generated user: %+v", r.File.Authers)
	}
	if r.File.Services[0].Handler.Auther == "" {
		t.Fatal("service does not reference the auther")
	}
}

func TestRenderWhitelistNormalizesBareIPs(t *testing.T) {
	r, err := Render(Params{
		SocksPort: 1080,
		Machine:   MachineVPS,
		Profile:   dualStackProfile(),
		Policy: Whitelisted{
			Rules:             []string{"198.51.100.7", "2001:db8::5", "10.0.0.0/8"},
			Origin:            "198.51.100.7",
			AutoIncludeOrigin: true,
		},
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(r.File.Admissions) != 1 {
		t.Fatal("expected one admission")
	}
	got := r.File.Admissions[0].Matchers
	want := []string{"198.51.100.7/32", "2001:db8::5/128", "10.0.0.0/8"}
	if len(got) != len(want) {
		t.Fatalf("matchers = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("matcher[%d] = %q want %q", i, got[i], want[i])
		}
	}
	if !r.File.Admissions[0].Whitelist {
		t.Fatal("admission must be whitelist mode")
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("origin already covered; no warning expected: %v", r.Warnings)
	}
}

func TestRenderWhitelistSelfLockoutGuard(t *testing.T) {
	base := Whitelisted{
		Rules:  []string{"203.0.113.0/24"},
		Origin: "198.51.100.7",
	}

	// default: neither auto-include nor confirmed is an error
	_, err := Render(Params{SocksPort: 1080, Machine: MachineVPS, Policy: base})
	if !errors.Is(err, ErrSelfLockout) {
		t.Fatalf("expected ErrSelfLockout, got %v", err)
	}

	// auto-include adds the origin and warns
	auto := base
	auto.AutoIncludeOrigin = true
	r, err := Render(Params{SocksPort: 1080, Machine: MachineVPS, Policy: auto})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	matchers := r.File.Admissions[0].Matchers
	if matchers[len(matchers)-1] != "198.51.100.7/32" {
		t.Fatalf("origin not appended: %v", matchers)
	}
	if len(r.Warnings) == 0 {
		t.Fatal("expected auto-include warning")
	}

	// explicit confirmation proceeds without the origin
	confirmed := base
	confirmed.OriginConfirmed = true
	r, err = Render(Params{SocksPort: 1080, Machine: MachineVPS, Policy: confirmed})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if len(r.File.Admissions[0].Matchers) != 1 {
		t.Fatalf("confirmed override must not mutate rules: %v", r.File.Admissions[0].Matchers)
	}
}

func TestRenderWhitelistEmptyRulesRejected(t *testing.T) {
	_, err := Render(Params{SocksPort: 1080, Machine: MachineVPS, Policy: Whitelisted{Origin: "198.51.100.7"}})
	if err == nil {
		t.Fatal("empty whitelist must be rejected, not rendered as deny-all")
	}
}

func TestRenderResolverFollowsPreferredFamily(t *testing.T) {
	v6only := probe.Profile{IPv6Route: true, IPv6Egress: true}
	r, err := Render(Params{SocksPort: 1080, Machine: MachineVPS, Profile: v6only, Policy: Open{}})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	ns := r.File.Resolvers[0].Nameservers
	if ns[0].Addr != "2606:4700:4700::1111" || ns[0].Prefer != "ipv6" {
		t.Fatalf("expected v6 nameserver first with ipv6 preference, got %+v", ns[0])
	}
}

func TestRenderDeterministic(t *testing.T) {
	p := Params{
		Name:      "pad",
		SocksPort: 8080,
		Machine:   MachineNAT,
		Profile:   dualStackProfile(),
		Policy: Whitelisted{
			Rules:             []string{"203.0.113.0/24"},
			Origin:            "203.0.113.9",
			AutoIncludeOrigin: true,
		},
	}
	a, err := Render(p)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	b, err := Render(p)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !bytes.Equal(a.YAML, b.YAML) {
		t.Fatal("identical params must render byte-identical YAML")
	}
}
