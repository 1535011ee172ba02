package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/alfaoz/groundcontrol/internal/mission"
	"github.com/alfaoz/groundcontrol/internal/stations"
	"golang.org/x/term"
)

const (
	ExitSuccess = 0
	ExitFailure = 1
	ExitUsage   = 2
)

type Runner struct {
	Store   *stations.Store
	Mission *mission.Service
}

func PrintHelp() {
	fmt.Print(`groundcontrol: deploy SOCKS5/HTTP proxy stations, locally or over SSH.

Usage:
  groundcontrol [options]

Options:
  --host <ip-or-hostname>       Target host; omit to deploy on this machine
  --station <name>              Use saved station profile from ~/.groundcontrol/stations
  --list-stations               List saved station profiles and exit
  --save-station <name>         Save resolved settings as a station profile
  --ssh-port <port>             SSH port (default: 22)
  --ssh-user <username>         SSH user (default: root)
  --ssh-password <password>     SSH password
  --machine <nat|vps>           Machine role; nat adds an HTTP listener
  --auth <open|credentialed|whitelist>
  --whitelist <ip[,ip...]>      Allowed source IPs/CIDRs for whitelist auth
  --whitelist-confirm           Accept a whitelist that excludes your own origin
  --rotate-credentials          Generate fresh credentials on a credentialed redeploy
  --origin <ip>                 Management origin IP (default: detected from session)
  --port <port>                 SOCKS5 listen port (default: 1080)
  --http-port <port>            HTTP listen port (default: socks+1 on nat, -1 disables)
  --pin-version <x.y.z>         Pin the gost release to deploy
  --action <deploy|destroy|status>
  --preflight-only              Validate configuration only, change nothing
  --version                     Print groundcontrol version and exit
  --yes                         Skip confirmation prompts
  -h, --help                    Show this help

Environment:
  GROUNDCONTROL_STATIONS_DIR    Override station profile directory
`)
}

func RequiresNonInteractive(opts Options, isTTY bool) bool {
	if !isTTY {
		return true
	}
	return opts.Host != "" || opts.StationName != "" || opts.Action != "" || opts.PreflightOnly ||
		opts.Machine != "" || opts.AuthMode != "" || len(opts.Whitelist) > 0 ||
		opts.SocksPort > 0 || opts.HTTPPort > 0 || opts.SaveStation != "" || opts.Yes
}

func (r *Runner) Run(ctx context.Context, opts Options) (int, error) {
	if opts.ListStations {
		return r.listStations()
	}

	action, ok := NormalizeAction(strings.ToLower(strings.TrimSpace(opts.Action)))
	if !ok {
		return ExitUsage, errors.New("invalid --action. use deploy, destroy, or status")
	}
	if _, ok := NormalizeMachine(strings.ToLower(strings.TrimSpace(opts.Machine))); !ok {
		return ExitUsage, errors.New("invalid --machine. use nat or vps")
	}
	if _, ok := NormalizeAuth(strings.ToLower(strings.TrimSpace(opts.AuthMode))); !ok {
		return ExitUsage, errors.New("invalid --auth. use open, credentialed, or whitelist")
	}
	if opts.PreflightOnly && action != "" && action != "deploy" {
		return ExitUsage, errors.New("use either --preflight-only or --action, not both")
	}

	st, err := r.resolveStation(opts)
	if err != nil {
		return ExitUsage, err
	}

	if opts.SaveStation != "" {
		st.Name = opts.SaveStation
		saved, err := r.Store.Save(st)
		if err != nil {
			return ExitFailure, err
		}
		st = saved
		fmt.Printf("[groundcontrol] saved station %q\n", st.Name)
	}

	password := opts.SSHPassword
	if !st.Local() {
		password, err = ensurePassword(password, st)
		if err != nil {
			return ExitUsage, err
		}
	}

	if action == "" {
		action = "deploy"
	}

	in := mission.Input{
		Station:           st,
		Password:          password,
		Origin:            opts.Origin,
		OriginConfirmed:   opts.OriginConfirmed,
		RotateCredentials: opts.Rotate,
		PreflightOnly:     opts.PreflightOnly,
	}

	switch action {
	case "status":
		inv, err := r.Mission.Status(ctx, in)
		if err != nil {
			return ExitFailure, err
		}
		printInventory(st, inv)
		return ExitSuccess, nil
	case "destroy":
		if !opts.Yes {
			target := st.Host
			if st.Local() {
				target = "this machine"
			}
			if !confirm("Destroy proxy deployment on "+target+"?", false) {
				return ExitFailure, errors.New("cancelled")
			}
			fmt.Print("Type DESTROY to confirm: ")
			if strings.TrimSpace(readLine()) != "DESTROY" {
				return ExitFailure, errors.New("cancelled")
			}
		}
		rep, err := r.Mission.Destroy(ctx, in)
		if err != nil {
			return ExitFailure, err
		}
		printReportLines(rep.Lines())
		return ExitSuccess, nil
	default:
		rep, err := r.Mission.Deploy(ctx, in)
		if err != nil {
			return ExitFailure, err
		}
		printReportLines(rep.Lines())
		if opts.PreflightOnly {
			fmt.Println("\nPreflight passed. No changes were made.")
			return ExitSuccess, nil
		}
		for _, e := range rep.Endpoints {
			if e.Scheme == "socks5" {
				fmt.Printf("\nQuick test:\n  curl -x '%s' https://api64.ipify.org\n", e.String())
				break
			}
		}
		return ExitSuccess, nil
	}
}

// resolveStation merges the optional saved profile with flag overrides
// and applies defaults. Flags always win.
func (r *Runner) resolveStation(opts Options) (stations.Station, error) {
	var st stations.Station
	if opts.StationName != "" {
		loaded, err := r.Store.Load(opts.StationName)
		if err != nil {
			return stations.Station{}, err
		}
		st = loaded
	}

	if opts.Host != "" {
		st.Host = strings.TrimSpace(opts.Host)
	}
	if opts.SSHPort > 0 {
		st.SSHPort = opts.SSHPort
	}
	if opts.SSHUser != "" {
		st.SSHUser = opts.SSHUser
	}
	if opts.Machine != "" {
		st.Machine, _ = NormalizeMachine(strings.ToLower(strings.TrimSpace(opts.Machine)))
	}
	if opts.AuthMode != "" {
		st.AuthMode, _ = NormalizeAuth(strings.ToLower(strings.TrimSpace(opts.AuthMode)))
	}
	if len(opts.Whitelist) > 0 {
		st.Whitelist = opts.Whitelist
	}
	if opts.SocksPort > 0 {
		st.SocksPort = opts.SocksPort
	}
	// negative disables the HTTP listener, so only 0 means "not set"
	if opts.HTTPPort != 0 {
		st.HTTPPort = opts.HTTPPort
	}
	if opts.PinVersion != "" {
		st.PinVersion = strings.TrimSpace(opts.PinVersion)
	}

	if st.SSHPort == 0 {
		st.SSHPort = 22
	}
	if st.SSHUser == "" {
		st.SSHUser = "root"
	}
	if st.Machine == "" {
		st.Machine = "vps"
	}
	if st.AuthMode == "" {
		st.AuthMode = "open"
	}
	if st.SocksPort == 0 {
		st.SocksPort = 1080
	}
	if st.AuthMode == "whitelist" && len(st.Whitelist) == 0 {
		return stations.Station{}, errors.New("whitelist auth requires --whitelist")
	}
	return st, nil
}

func ensurePassword(password string, st stations.Station) (string, error) {
	if strings.TrimSpace(password) != "" {
		return password, nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errors.New("ssh password is required")
	}
	fmt.Printf("SSH password for %s@%s: ", st.SSHUser, st.Host)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	if strings.TrimSpace(string(b)) == "" {
		return "", errors.New("ssh password is required")
	}
	return string(b), nil
}

func (r *Runner) listStations() (int, error) {
	names, err := r.Store.List()
	if err != nil {
		return ExitFailure, err
	}
	if len(names) == 0 {
		fmt.Printf("No stations saved yet in %s\n", r.Store.Dir)
		return ExitSuccess, nil
	}
	fmt.Printf("Saved stations (%s):\n", r.Store.Dir)
	for _, name := range names {
		fmt.Printf("  - %s\n", name)
	}
	return ExitSuccess, nil
}

func printInventory(st stations.Station, inv mission.Inventory) {
	target := st.Host
	if st.Local() {
		target = "local machine"
	}
	fmt.Printf("\n[groundcontrol] status of %s:\n", target)
	state := "not deployed"
	switch {
	case inv.Active:
		state = "active"
	case inv.ConfigPresent || inv.UnitPresent:
		state = "deployed, not running"
	}
	fmt.Printf("  State:  %s\n", state)
	fmt.Printf("  Config: %s\n", presence(inv.ConfigPresent))
	fmt.Printf("  Unit:   %s\n", presence(inv.UnitPresent))
	if len(inv.Ports) > 0 {
		fmt.Printf("  Ports:  %v\n", inv.Ports)
	}
}

func printReportLines(lines []string) {
	fmt.Println()
	for _, line := range lines {
		fmt.Println(line)
	}
}

func presence(ok bool) string {
	if ok {
		return "present"
	}
	return "absent"
}

func confirm(prompt string, defYes bool) bool {
	reader := bufio.NewReader(os.Stdin)
	if defYes {
		fmt.Printf("%s [Y/n]: ", prompt)
	} else {
		fmt.Printf("%s [y/N]: ", prompt)
	}
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(strings.ToLower(line))
	if line == "" {
		return defYes
	}
	return line == "y" || line == "yes"
}

func readLine() string {
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(line)
}
