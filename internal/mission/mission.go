// Package mission drives one deployment run end to end:
// probe -> dependencies -> artifact -> teardown -> config -> launch ->
// verify -> report. Runs are strictly sequential and always start from
// a clean slate; there is no partial-state resumption.
package mission

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/alfaoz/groundcontrol/internal/artifact"
	"github.com/alfaoz/groundcontrol/internal/deps"
	"github.com/alfaoz/groundcontrol/internal/host"
	"github.com/alfaoz/groundcontrol/internal/launch"
	"github.com/alfaoz/groundcontrol/internal/probe"
	"github.com/alfaoz/groundcontrol/internal/proxyconf"
	"github.com/alfaoz/groundcontrol/internal/report"
	"github.com/alfaoz/groundcontrol/internal/stations"
	"github.com/alfaoz/groundcontrol/internal/verify"
	"gopkg.in/yaml.v3"
)

// Input is one run's parameter set.
type Input struct {
	Station  stations.Station
	Password string // SSH password for remote stations

	// Origin is the management-session source address for the
	// whitelist self-lockout guard. Empty means detect from the
	// session environment where possible.
	Origin          string
	OriginConfirmed bool // operator explicitly accepted lockout risk

	// RotateCredentials forces fresh credentials in credentialed mode
	// instead of carrying over the ones already deployed.
	RotateCredentials bool

	PreflightOnly bool
}

// Service wires the pipeline components. The function fields exist so
// tests can substitute any stage.
type Service struct {
	Logf func(format string, args ...any)

	connectFn    func(st stations.Station, password string) (host.Runner, func(), error)
	probeFn      func(ctx context.Context, r host.Runner) probe.Profile
	ensureFn     func(ctx context.Context, r host.Runner) (deps.Status, error)
	fetchFn      func(ctx context.Context, r host.Runner, pinned string) (artifact.Result, error)
	deployFn     func(ctx context.Context, r host.Runner, cfg []byte, bin string) (launch.Instance, error)
	cleanFn      func(ctx context.Context, r host.Runner, bin string) error
	listenFn     func(ctx context.Context, r host.Runner, ports []int) (verify.Result, error)
	functionalFn func(ctx context.Context, res *verify.Result, fams []probe.Family, proxyURL string) error
}

func NewService(logf func(string, ...any)) *Service {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	s := &Service{Logf: logf}
	s.connectFn = defaultConnect
	s.probeFn = probe.Probe
	s.ensureFn = func(ctx context.Context, r host.Runner) (deps.Status, error) {
		return deps.Ensure(ctx, r, deps.Defaults())
	}
	s.fetchFn = func(ctx context.Context, r host.Runner, pinned string) (artifact.Result, error) {
		f := artifact.NewFetcher(pinned)
		f.Logf = logf
		return f.Fetch(ctx, r)
	}
	sup := launch.NewSupervisor(logf)
	s.deployFn = sup.Deploy
	s.cleanFn = sup.Clean
	ver := verify.NewVerifier(logf)
	s.listenFn = ver.WaitListening
	s.functionalFn = ver.Functional
	return s
}

func defaultConnect(st stations.Station, password string) (host.Runner, func(), error) {
	if st.Local() {
		return host.NewLocal(), func() {}, nil
	}
	r, err := host.ConnectSSH(host.Target{
		Host:     st.Host,
		Port:     st.SSHPort,
		User:     st.SSHUser,
		Password: password,
	})
	if err != nil {
		return nil, nil, err
	}
	return r, func() { r.Close() }, nil
}

// Deploy runs the full pipeline and returns the operator report.
func (s *Service) Deploy(ctx context.Context, in Input) (report.Report, error) {
	st := in.Station
	r, done, err := s.connectFn(st, in.Password)
	if err != nil {
		return report.Report{}, fmt.Errorf("connect to target: %w", err)
	}
	defer done()

	s.Logf("probing network stack on %s", r.Describe())
	profile := s.probeFn(ctx, r)
	warnings := append([]string(nil), profile.Warnings...)

	rendered, err := s.render(ctx, r, st, profile, in)
	if err != nil {
		return report.Report{}, err
	}
	warnings = append(warnings, rendered.Warnings...)

	if in.PreflightOnly {
		return report.Report{
			Target:   r.Describe(),
			Action:   "preflight",
			Warnings: warnings,
		}, nil
	}

	s.Logf("resolving OS dependencies")
	depStatus, err := s.ensureFn(ctx, r)
	if err != nil {
		return report.Report{}, err
	}
	warnings = append(warnings, depStatus.Warnings...)

	s.Logf("fetching gost artifact")
	art, err := s.fetchFn(ctx, r, st.PinVersion)
	if err != nil {
		return report.Report{}, err
	}
	warnings = append(warnings, art.Warnings...)

	s.Logf("deploying service (gost %s, %s)", art.Version, art.Arch)
	inst, err := s.deployFn(ctx, r, rendered.YAML, art.Path)
	if err != nil {
		return report.Report{}, err
	}

	s.Logf("waiting for listeners %v", rendered.ListenPorts())
	vres, err := s.listenFn(ctx, r, rendered.ListenPorts())
	if err != nil {
		return report.Report{}, fmt.Errorf("deployment not listening: %w", err)
	}

	if err := s.functionalFn(ctx, &vres, profile.EgressFamilies(), s.probeProxyURL(st, rendered)); err != nil {
		return report.Report{}, err
	}
	warnings = append(warnings, vres.Warnings...)

	rep := report.Build(ctx, r, report.Input{
		Action:       "deploy",
		Profile:      profile,
		Instance:     inst,
		Version:      art.Version,
		SocksPort:    rendered.SocksPort,
		HTTPPort:     rendered.HTTPPort,
		User:         rendered.User,
		Pass:         rendered.Pass,
		FallbackHost: st.Host,
		Warnings:     warnings,
	})
	return rep, nil
}

// Destroy tears down any deployed instance and reports what happened.
func (s *Service) Destroy(ctx context.Context, in Input) (report.Report, error) {
	r, done, err := s.connectFn(in.Station, in.Password)
	if err != nil {
		return report.Report{}, fmt.Errorf("connect to target: %w", err)
	}
	defer done()

	if err := s.cleanFn(ctx, r, artifact.InstallPath); err != nil {
		return report.Report{}, err
	}
	return report.Report{Target: r.Describe(), Action: "destroy"}, nil
}

// Inventory is the observed state of a target.
type Inventory struct {
	ConfigPresent bool
	UnitPresent   bool
	Active        bool
	Ports         []int
}

// Status inspects a target without mutating it.
func (s *Service) Status(ctx context.Context, in Input) (Inventory, error) {
	r, done, err := s.connectFn(in.Station, in.Password)
	if err != nil {
		return Inventory{}, fmt.Errorf("connect to target: %w", err)
	}
	defer done()

	inv := Inventory{}
	if raw, err := r.ReadFile(launch.ConfigPath); err == nil {
		inv.ConfigPresent = true
		var f proxyconf.File
		if yaml.Unmarshal(raw, &f) == nil {
			for _, svc := range f.Services {
				var port int
				if _, err := fmt.Sscanf(svc.Addr[strings.LastIndexByte(svc.Addr, ':')+1:], "%d", &port); err == nil && port > 0 {
					inv.Ports = append(inv.Ports, port)
				}
			}
		}
	}
	if _, err := r.ReadFile(launch.UnitPath); err == nil {
		inv.UnitPresent = true
	}
	if _, err := r.Run(ctx, "systemctl is-active --quiet "+launch.UnitName); err == nil {
		inv.Active = true
	} else if _, err := r.Run(ctx, "pgrep -f '"+artifact.InstallPath+" -C "+launch.ConfigPath+"'"); err == nil {
		inv.Active = true
	}
	return inv, nil
}

// render resolves the access policy and produces the validated config.
// All configuration errors surface here, before any host mutation.
func (s *Service) render(ctx context.Context, r host.Runner, st stations.Station, profile probe.Profile, in Input) (proxyconf.Rendered, error) {
	var policy proxyconf.Policy
	switch strings.ToLower(strings.TrimSpace(st.AuthMode)) {
	case "", "open":
		policy = proxyconf.Open{}
	case "credentialed":
		cred := proxyconf.Credentialed{}
		if !in.RotateCredentials {
			if user, pass, ok := existingCredentials(r); ok {
				cred = proxyconf.Credentialed{User: user, Pass: pass}
			}
		}
		policy = cred
	case "whitelist":
		origin := strings.TrimSpace(in.Origin)
		if origin == "" {
			origin = s.detectOrigin(ctx, r)
		}
		policy = proxyconf.Whitelisted{
			Rules:             st.Whitelist,
			Origin:            origin,
			AutoIncludeOrigin: !in.OriginConfirmed,
			OriginConfirmed:   in.OriginConfirmed,
		}
	default:
		return proxyconf.Rendered{}, fmt.Errorf("invalid auth mode %q (use open, credentialed, or whitelist)", st.AuthMode)
	}

	machine := proxyconf.Machine(strings.ToLower(strings.TrimSpace(st.Machine)))
	if machine != proxyconf.MachineNAT && machine != proxyconf.MachineVPS {
		return proxyconf.Rendered{}, fmt.Errorf("invalid machine type %q (use nat or vps)", st.Machine)
	}

	return proxyconf.Render(proxyconf.Params{
		Name:      "groundcontrol",
		SocksPort: st.SocksPort,
		HTTPPort:  st.HTTPPort,
		Machine:   machine,
		Profile:   profile,
		Policy:    policy,
	})
}

// existingCredentials recovers the user/pass pair from a config already
// deployed on the target so repeat deploys keep working connection
// strings stable.
func existingCredentials(r host.Runner) (string, string, bool) {
	raw, err := r.ReadFile(launch.ConfigPath)
	if err != nil {
		return "", "", false
	}
	var f proxyconf.File
	if yaml.Unmarshal(raw, &f) != nil {
		return "", "", false
	}
	if len(f.Authers) == 0 || len(f.Authers[0].Auths) == 0 {
		return "", "", false
	}
	auth := f.Authers[0].Auths[0]
	if auth.Username == "" || auth.Password == "" {
		return "", "", false
	}
	return auth.Username, auth.Password, true
}

// detectOrigin asks the target session where the operator is coming
// from. Over SSH the session environment carries the client address;
// locally there may be no meaningful origin at all.
func (s *Service) detectOrigin(ctx context.Context, r host.Runner) string {
	out, err := r.Run(ctx, `printf '%s' "${SSH_CLIENT%% *}"`)
	if err != nil {
		return ""
	}
	addr := strings.TrimSpace(out)
	if net.ParseIP(addr) == nil {
		return ""
	}
	return addr
}

// probeProxyURL is where the verifier dials the fresh proxy: the
// station host for remote targets, loopback for local ones.
func (s *Service) probeProxyURL(st stations.Station, rendered proxyconf.Rendered) string {
	h := st.Host
	if st.Local() {
		h = "127.0.0.1"
	}
	addr := net.JoinHostPort(h, fmt.Sprintf("%d", rendered.SocksPort))
	if rendered.User != "" {
		return fmt.Sprintf("socks5://%s:%s@%s", rendered.User, rendered.Pass, addr)
	}
	return "socks5://" + addr
}
