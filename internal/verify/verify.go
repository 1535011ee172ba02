// Package verify confirms a deployed proxy is actually usable: first
// that every configured port is bound on the target, then that a real
// round trip through the proxy works per egress family.
package verify

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/alfaoz/groundcontrol/internal/host"
	"github.com/alfaoz/groundcontrol/internal/probe"
	"github.com/alfaoz/groundcontrol/internal/retry"
	xproxy "golang.org/x/net/proxy"
)

// Result is what one verification run observed.
type Result struct {
	Listening       bool
	ElapsedAttempts int
	ProbeOK         map[probe.Family]bool
	Warnings        []string
}

// FunctionalOK reports whether at least one family completed an
// end-to-end round trip.
func (r Result) FunctionalOK() bool {
	for _, ok := range r.ProbeOK {
		if ok {
			return true
		}
	}
	return false
}

// Verifier polls the target's socket table and then dials through the
// proxy from the orchestrator side.
type Verifier struct {
	PollInterval time.Duration
	PollAttempts int
	ProbeTimeout time.Duration
	// ProbeURLs are family-specific endpoints: the family a probe
	// exercises is selected by the destination, since the upstream
	// connection is made by the proxy, not by this process.
	ProbeURLs map[probe.Family]string
	Logf      func(format string, args ...any)

	// dialProbe is a seam for tests.
	dialProbe func(ctx context.Context, family probe.Family, proxyURL string) error
}

func NewVerifier(logf func(string, ...any)) *Verifier {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	v := &Verifier{
		PollInterval: 500 * time.Millisecond,
		PollAttempts: 8,
		ProbeTimeout: 6 * time.Second,
		ProbeURLs: map[probe.Family]string{
			probe.FamilyIPv4: "http://ipv4.icanhazip.com",
			probe.FamilyIPv6: "http://ipv6.icanhazip.com",
		},
		Logf: logf,
	}
	v.dialProbe = v.roundTrip
	return v
}

// WaitListening polls until every port appears in the target's socket
// table. The budget is PollAttempts*PollInterval; never listening
// within it is a deployment failure, not a degraded state.
func (v *Verifier) WaitListening(ctx context.Context, r host.Runner, ports []int) (Result, error) {
	res := Result{ProbeOK: map[probe.Family]bool{}}

	listCmd := "ss -ltn"
	if !host.LookPath(ctx, r, "ss") {
		if !host.LookPath(ctx, r, "netstat") {
			// the optional socket-table tool never made it onto the
			// target; letting the poll run would fail every attempt and
			// report a healthy service as dead
			res.Warnings = append(res.Warnings, "neither ss nor netstat available; skipping the listening check")
			v.Logf("listening check skipped: no socket table tool on %s", r.Describe())
			return res, nil
		}
		listCmd = "netstat -ltn"
	}

	poll, err := retry.Poll(ctx, v.PollInterval, v.PollAttempts, func() (bool, error) {
		out, err := r.Run(ctx, listCmd)
		if err != nil {
			return false, nil
		}
		for _, port := range ports {
			if !socketTableHasPort(out, port) {
				return false, nil
			}
		}
		return true, nil
	})
	res.ElapsedAttempts = poll.Attempts
	if err != nil {
		return res, err
	}
	if !poll.OK {
		return res, fmt.Errorf("ports %v not listening after %d attempts", ports, poll.Attempts)
	}
	res.Listening = true
	return res, nil
}

// socketTableHasPort matches the local-address column of ss/netstat
// output in an address-family-agnostic way (0.0.0.0:p, [::]:p, *:p).
func socketTableHasPort(out string, port int) bool {
	pattern := regexp.MustCompile(fmt.Sprintf(`[:.\]]%d(\s|$)`, port))
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		for _, f := range fields {
			if pattern.MatchString(f) {
				return true
			}
		}
	}
	return false
}

// Functional dials through the deployed proxy once per egress family.
// A family that fails becomes a warning; only all families failing is
// fatal, since a proxy reachable on one family is still a valid, if
// degraded, deployment.
func (v *Verifier) Functional(ctx context.Context, res *Result, families []probe.Family, proxyURL string) error {
	if len(families) == 0 {
		res.Warnings = append(res.Warnings, "no egress family confirmed; skipping functional probes")
		return nil
	}
	for _, fam := range families {
		err := v.dialProbe(ctx, fam, proxyURL)
		res.ProbeOK[fam] = err == nil
		if err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("functional probe failed over %s: %v", fam, err))
			v.Logf("functional probe (%s): %v", fam, err)
		}
	}
	if !res.FunctionalOK() {
		return fmt.Errorf("functional probe failed on every egress family")
	}
	return nil
}

// roundTrip fetches the family's probe endpoint through the proxy.
func (v *Verifier) roundTrip(ctx context.Context, family probe.Family, proxyURL string) error {
	probeURL, ok := v.ProbeURLs[family]
	if !ok {
		return fmt.Errorf("no probe endpoint for family %s", family)
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("proxy url: %w", err)
	}

	var transport *http.Transport
	switch u.Scheme {
	case "socks5":
		var auth *xproxy.Auth
		if u.User != nil {
			pass, _ := u.User.Password()
			auth = &xproxy.Auth{User: u.User.Username(), Password: pass}
		}
		socksDialer, err := xproxy.SOCKS5("tcp", u.Host, auth, &net.Dialer{Timeout: v.ProbeTimeout})
		if err != nil {
			return err
		}
		transport = &http.Transport{
			DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
				if cd, ok := socksDialer.(xproxy.ContextDialer); ok {
					return cd.DialContext(ctx, "tcp", addr)
				}
				return socksDialer.Dial("tcp", addr)
			},
		}
	case "http":
		transport = &http.Transport{Proxy: http.ProxyURL(u)}
	default:
		return fmt.Errorf("unsupported probe scheme %q", u.Scheme)
	}

	client := &http.Client{Transport: transport, Timeout: v.ProbeTimeout}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("probe status %s", resp.Status)
	}
	return nil
}
