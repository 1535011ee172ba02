// Package proxyconf turns validated deployment parameters into the
// declarative gost configuration document. Rendering is pure: every
// validation failure happens before any byte reaches the host.
package proxyconf

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"

	"github.com/alfaoz/groundcontrol/internal/probe"
	"gopkg.in/yaml.v3"
)

// Machine selects the deployment variant.
type Machine string

const (
	// MachineNAT targets NAT-constrained hosts: dual-stack bind and a
	// derived HTTP listener next to the SOCKS5 one.
	MachineNAT Machine = "nat"
	// MachineVPS targets plain VPS hosts: SOCKS5 only unless an HTTP
	// port is requested explicitly.
	MachineVPS Machine = "vps"
)

// Policy is the access policy variant.
type Policy interface{ policyTag() }

// Open allows all sources with no authentication.
type Open struct{}

// Credentialed requires username/password authentication.
type Credentialed struct {
	User string
	Pass string
}

// Whitelisted restricts inbound sources to an allow list, deny-all
// otherwise. Origin is the management-session source address; a
// non-empty whitelist that omits it is a self-lockout hazard.
type Whitelisted struct {
	Rules             []string
	Origin            string
	AutoIncludeOrigin bool
	OriginConfirmed   bool
}

func (Open) policyTag()         {}
func (Credentialed) policyTag() {}
func (Whitelisted) policyTag()  {}

// ErrSelfLockout is returned when a whitelist omits the management
// origin and neither auto-inclusion nor explicit confirmation applies.
var ErrSelfLockout = errors.New("whitelist omits the management origin address")

// Params is the validated input set for one rendering.
type Params struct {
	Name      string
	SocksPort int
	HTTPPort  int // 0 = variant default (NAT derives SocksPort+1), negative = no HTTP listener
	Machine   Machine
	Profile   probe.Profile
	Policy    Policy
}

// Rendered is the deterministic output of Render.
type Rendered struct {
	File      File
	YAML      []byte
	SocksPort int
	HTTPPort  int // 0 when no HTTP listener is configured
	User      string
	Pass      string
	Warnings  []string
}

// ListenPorts lists every configured listener port.
func (r Rendered) ListenPorts() []int {
	ports := []int{r.SocksPort}
	if r.HTTPPort > 0 {
		ports = append(ports, r.HTTPPort)
	}
	return ports
}

// File mirrors the gost configuration document shape.
type File struct {
	Services   []Service   `yaml:"services"`
	Authers    []Auther    `yaml:"authers,omitempty"`
	Admissions []Admission `yaml:"admissions,omitempty"`
	Resolvers  []Resolver  `yaml:"resolvers,omitempty"`
}

type Service struct {
	Name      string   `yaml:"name"`
	Addr      string   `yaml:"addr"`
	Handler   Handler  `yaml:"handler"`
	Listener  Listener `yaml:"listener"`
	Admission string   `yaml:"admission,omitempty"`
	Resolver  string   `yaml:"resolver,omitempty"`
}

type Handler struct {
	Type   string `yaml:"type"`
	Auther string `yaml:"auther,omitempty"`
}

type Listener struct {
	Type string `yaml:"type"`
}

type Auther struct {
	Name  string `yaml:"name"`
	Auths []Auth `yaml:"auths"`
}

type Auth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Admission with Whitelist=true allows exactly the matcher set and
// denies everything else; order inside Matchers is preserved.
type Admission struct {
	Name      string   `yaml:"name"`
	Whitelist bool     `yaml:"whitelist"`
	Matchers  []string `yaml:"matchers"`
}

type Resolver struct {
	Name        string       `yaml:"name"`
	Nameservers []Nameserver `yaml:"nameservers"`
}

type Nameserver struct {
	Addr   string `yaml:"addr"`
	Prefer string `yaml:"prefer,omitempty"`
}

// Render validates params and produces the configuration document.
func Render(p Params) (Rendered, error) {
	out := Rendered{}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = "groundcontrol"
	}
	if err := validatePort(p.SocksPort); err != nil {
		return out, fmt.Errorf("socks port: %w", err)
	}
	out.SocksPort = p.SocksPort

	httpPort, err := resolveHTTPPort(p)
	if err != nil {
		return out, err
	}
	out.HTTPPort = httpPort

	if httpPort == p.SocksPort && httpPort != 0 {
		return out, fmt.Errorf("listeners overlap: port %d requested for both socks5 and http", httpPort)
	}

	auther, user, pass, err := buildAuther(name, p.Policy)
	if err != nil {
		return out, err
	}
	out.User, out.Pass = user, pass

	admission, warns, err := buildAdmission(name, p.Policy)
	if err != nil {
		return out, err
	}
	out.Warnings = append(out.Warnings, warns...)

	resolver := buildResolver(name, p.Profile)

	f := File{}
	addService := func(svcName string, port int, handlerType string) {
		svc := Service{
			Name:     svcName,
			Addr:     fmt.Sprintf(":%d", port),
			Handler:  Handler{Type: handlerType},
			Listener: Listener{Type: "tcp"},
			Resolver: resolver.Name,
		}
		if auther != nil {
			svc.Handler.Auther = auther.Name
		}
		if admission != nil {
			svc.Admission = admission.Name
		}
		f.Services = append(f.Services, svc)
	}

	addService(name+"-socks5", p.SocksPort, "socks5")
	if httpPort > 0 {
		addService(name+"-http", httpPort, "http")
	}
	if auther != nil {
		f.Authers = []Auther{*auther}
	}
	if admission != nil {
		f.Admissions = []Admission{*admission}
	}
	f.Resolvers = []Resolver{resolver}

	doc, err := yaml.Marshal(f)
	if err != nil {
		return out, fmt.Errorf("marshal config: %w", err)
	}
	out.File = f
	out.YAML = doc
	return out, nil
}

func validatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%d outside valid range 1-65535", port)
	}
	return nil
}

// resolveHTTPPort applies the variant policy: NAT machines derive a
// secondary HTTP listener at primary+1 unless one was given; a derived
// value past 65535 is a configuration error, never a wraparound.
func resolveHTTPPort(p Params) (int, error) {
	if p.HTTPPort > 0 {
		if err := validatePort(p.HTTPPort); err != nil {
			return 0, fmt.Errorf("http port: %w", err)
		}
		return p.HTTPPort, nil
	}
	if p.HTTPPort < 0 {
		return 0, nil
	}
	if p.Machine != MachineNAT {
		return 0, nil
	}
	derived := p.SocksPort + 1
	if derived > 65535 {
		return 0, fmt.Errorf("derived http port %d exceeds 65535; choose a lower socks port", derived)
	}
	return derived, nil
}

func buildAuther(name string, pol Policy) (*Auther, string, string, error) {
	cred, ok := pol.(Credentialed)
	if !ok {
		return nil, "", "", nil
	}
	user := strings.TrimSpace(cred.User)
	pass := cred.Pass
	var err error
	if user == "" {
		if user, err = secret("abcdefghijklmnopqrstuvwxyz0123456789", 5); err != nil {
			return nil, "", "", err
		}
		user = "gc" + user
	}
	if pass == "" {
		if pass, err = secret("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789", 20); err != nil {
			return nil, "", "", err
		}
	}
	return &Auther{
		Name:  name + "-auth",
		Auths: []Auth{{Username: user, Password: pass}},
	}, user, pass, nil
}

func buildAdmission(name string, pol Policy) (*Admission, []string, error) {
	wl, ok := pol.(Whitelisted)
	if !ok {
		return nil, nil, nil
	}
	if len(wl.Rules) == 0 {
		return nil, nil, errors.New("whitelist mode with no rules would deny all traffic; add rules or use open mode")
	}

	matchers := make([]string, 0, len(wl.Rules)+1)
	seen := map[string]bool{}
	for _, raw := range wl.Rules {
		cidr, err := normalizeRule(raw)
		if err != nil {
			return nil, nil, err
		}
		if !seen[cidr] {
			seen[cidr] = true
			matchers = append(matchers, cidr)
		}
	}

	var warns []string
	origin := strings.TrimSpace(wl.Origin)
	if origin != "" {
		originCIDR, err := normalizeRule(origin)
		if err != nil {
			return nil, nil, fmt.Errorf("management origin: %w", err)
		}
		if !containsAddress(matchers, originCIDR) {
			switch {
			case wl.AutoIncludeOrigin:
				matchers = append(matchers, originCIDR)
				warns = append(warns, fmt.Sprintf("whitelist did not cover management origin %s; added automatically", origin))
			case wl.OriginConfirmed:
				warns = append(warns, fmt.Sprintf("whitelist excludes management origin %s (explicitly confirmed)", origin))
			default:
				return nil, nil, fmt.Errorf("%w (%s): confirm explicitly or enable auto-inclusion", ErrSelfLockout, origin)
			}
		}
	}

	return &Admission{
		Name:      name + "-acl",
		Whitelist: true,
		Matchers:  matchers,
	}, warns, nil
}

// normalizeRule accepts a CIDR or a bare IP; bare IPs become host
// routes (/32 or /128).
func normalizeRule(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("empty whitelist rule")
	}
	if _, ipnet, err := net.ParseCIDR(raw); err == nil {
		return ipnet.String(), nil
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return "", fmt.Errorf("invalid whitelist rule %q: not an IP or CIDR", raw)
	}
	if v4 := ip.To4(); v4 != nil {
		return v4.String() + "/32", nil
	}
	return ip.String() + "/128", nil
}

// containsAddress reports whether any matcher covers the single-host
// CIDR for the origin address.
func containsAddress(matchers []string, originCIDR string) bool {
	originIP, _, err := net.ParseCIDR(originCIDR)
	if err != nil {
		return false
	}
	for _, m := range matchers {
		_, ipnet, err := net.ParseCIDR(m)
		if err != nil {
			continue
		}
		if ipnet.Contains(originIP) {
			return true
		}
	}
	return false
}

// buildResolver orders nameservers by the profile's preferred family so
// gost resolves upstream hosts over the path that actually works.
func buildResolver(name string, profile probe.Profile) Resolver {
	prefer := string(profile.Preferred())
	v4 := []Nameserver{
		{Addr: "1.1.1.1", Prefer: prefer},
		{Addr: "8.8.8.8", Prefer: prefer},
	}
	v6 := []Nameserver{
		{Addr: "2606:4700:4700::1111", Prefer: prefer},
		{Addr: "2001:4860:4860::8888", Prefer: prefer},
	}
	var ns []Nameserver
	if profile.Preferred() == probe.FamilyIPv6 {
		ns = append(v6, v4...)
	} else {
		ns = append(v4, v6...)
	}
	return Resolver{Name: name + "-resolver", Nameservers: ns}
}

// GenerateCredentials returns a fresh user/pass pair for credentialed
// deployments and rotation.
func GenerateCredentials() (string, string, error) {
	u, err := secret("abcdefghijklmnopqrstuvwxyz0123456789", 5)
	if err != nil {
		return "", "", err
	}
	p, err := secret("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789", 20)
	if err != nil {
		return "", "", err
	}
	return "gc" + u, p, nil
}

func secret(charset string, n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(charset)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = charset[idx.Int64()]
	}
	return string(b), nil
}
