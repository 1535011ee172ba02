package cli

import (
	"fmt"

	"github.com/spf13/pflag"
)

type Options struct {
	Host            string
	StationName     string
	ListStations    bool
	SaveStation     string
	SSHPort         int
	SSHUser         string
	SSHPassword     string
	Machine         string
	AuthMode        string
	Whitelist       []string
	SocksPort       int
	HTTPPort        int
	PinVersion      string
	Origin          string
	Action          string
	PreflightOnly   bool
	OriginConfirmed bool
	Rotate          bool
	VersionOnly     bool
	Yes             bool
	Help            bool
	RawArgs         []string
}

func DefaultOptions() Options {
	return Options{
		SSHPort: 22,
		SSHUser: "root",
	}
}

func Parse(args []string) (Options, error) {
	opts := DefaultOptions()
	fs := pflag.NewFlagSet("groundcontrol", pflag.ContinueOnError)
	fs.SetInterspersed(false)

	fs.StringVar(&opts.Host, "host", opts.Host, "Target host or IP (omit to deploy locally)")
	fs.StringVar(&opts.StationName, "station", opts.StationName, "Use saved station profile")
	fs.BoolVar(&opts.ListStations, "list-stations", false, "List saved stations")
	fs.StringVar(&opts.SaveStation, "save-station", "", "Save resolved settings under this station name")
	fs.IntVar(&opts.SSHPort, "ssh-port", opts.SSHPort, "SSH port")
	fs.StringVar(&opts.SSHUser, "ssh-user", opts.SSHUser, "SSH user")
	fs.StringVar(&opts.SSHPassword, "ssh-password", "", "SSH password")
	fs.StringVar(&opts.Machine, "machine", "", "nat or vps")
	fs.StringVar(&opts.AuthMode, "auth", "", "open, credentialed, or whitelist")
	fs.StringSliceVar(&opts.Whitelist, "whitelist", nil, "Allowed source IPs/CIDRs (whitelist auth)")
	fs.IntVar(&opts.SocksPort, "port", 0, "SOCKS5 listen port")
	fs.IntVar(&opts.HTTPPort, "http-port", 0, "HTTP listen port (-1 to disable)")
	fs.StringVar(&opts.PinVersion, "pin-version", "", "Pin a gost release version")
	fs.StringVar(&opts.Origin, "origin", "", "Management origin IP for whitelist checks")
	fs.StringVar(&opts.Action, "action", "", "deploy|destroy|status")
	fs.BoolVar(&opts.PreflightOnly, "preflight-only", false, "Validate only, change nothing")
	fs.BoolVar(&opts.OriginConfirmed, "whitelist-confirm", false, "Accept a whitelist that excludes your origin")
	fs.BoolVar(&opts.Rotate, "rotate-credentials", false, "Generate fresh credentials instead of keeping deployed ones")
	fs.BoolVar(&opts.VersionOnly, "version", false, "Print version")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmations")
	fs.BoolVarP(&opts.Help, "help", "h", false, "Show help")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	opts.RawArgs = fs.Args()
	if len(opts.RawArgs) > 0 {
		return opts, fmt.Errorf("unknown arguments: %v", opts.RawArgs)
	}

	return opts, nil
}

func NormalizeAction(v string) (string, bool) {
	switch v {
	case "", "deploy", "destroy", "status", "install", "uninstall", "show":
		if v == "install" {
			return "deploy", true
		}
		if v == "uninstall" {
			return "destroy", true
		}
		if v == "show" {
			return "status", true
		}
		return v, true
	default:
		return "", false
	}
}

func NormalizeMachine(v string) (string, bool) {
	switch v {
	case "", "nat", "vps":
		return v, true
	default:
		return "", false
	}
}

func NormalizeAuth(v string) (string, bool) {
	switch v {
	case "", "open", "credentialed", "whitelist", "creds":
		if v == "creds" {
			return "credentialed", true
		}
		return v, true
	default:
		return "", false
	}
}
