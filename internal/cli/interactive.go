package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/alfaoz/groundcontrol/internal/mission"
	"github.com/alfaoz/groundcontrol/internal/session"
	"github.com/alfaoz/groundcontrol/internal/stations"
	"github.com/charmbracelet/huh"
)

var errUserCancelled = errors.New("user cancelled")

// Flow is the interactive front end shown on a bare TTY invocation.
type Flow struct {
	Store   *stations.Store
	Mission *mission.Service
	Secrets *session.PasswordCache
}

func NewFlow(store *stations.Store, svc *mission.Service, sec *session.PasswordCache) *Flow {
	return &Flow{Store: store, Mission: svc, Secrets: sec}
}

func (f *Flow) Run(ctx context.Context) error {
	for {
		choice := ""
		err := huh.NewSelect[string]().
			Title("groundcontrol").
			Options(
				huh.NewOption("Deploy", "deploy"),
				huh.NewOption("Status", "status"),
				huh.NewOption("Destroy", "destroy"),
				huh.NewOption("Edit Stations", "stations"),
				huh.NewOption("Exit", "exit"),
			).
			Value(&choice).Run()
		if err != nil {
			if isUserCancelled(err) {
				return nil
			}
			return err
		}

		switch choice {
		case "exit":
			return nil
		case "stations":
			err = f.editStations()
		default:
			err = f.runAction(ctx, choice)
		}
		if err != nil {
			if errors.Is(err, errUserCancelled) {
				continue
			}
			fmt.Printf("\n[groundcontrol] ERROR: %v\n\n", err)
		}
	}
}

func (f *Flow) runAction(ctx context.Context, action string) error {
	st, err := f.pickStation()
	if err != nil {
		return err
	}

	in := mission.Input{Station: st}
	if !st.Local() {
		pwd, err := f.passwordForStation(st)
		if err != nil {
			return err
		}
		in.Password = pwd
	}

	switch action {
	case "status":
		inv, err := f.Mission.Status(ctx, in)
		if err != nil {
			return err
		}
		printInventory(st, inv)
		return nil
	case "destroy":
		confirmText := ""
		if err := huh.NewInput().Title("Type DESTROY to confirm").Value(&confirmText).Run(); err != nil {
			if isUserCancelled(err) {
				return errUserCancelled
			}
			return err
		}
		if strings.TrimSpace(confirmText) != "DESTROY" {
			return errUserCancelled
		}
		rep, err := f.Mission.Destroy(ctx, in)
		if err != nil {
			return err
		}
		printReportLines(rep.Lines())
		return nil
	default:
		rep, err := f.Mission.Deploy(ctx, in)
		if err != nil {
			return err
		}
		printReportLines(rep.Lines())
		return nil
	}
}

// pickStation offers saved stations, the local machine, and creating a
// new station.
func (f *Flow) pickStation() (stations.Station, error) {
	names, err := f.Store.List()
	if err != nil {
		return stations.Station{}, err
	}
	options := make([]huh.Option[string], 0, len(names)+2)
	options = append(options, huh.NewOption("This machine", "\x00local"))
	for _, n := range names {
		options = append(options, huh.NewOption(n, n))
	}
	options = append(options, huh.NewOption("New station...", "\x00new"))

	val := ""
	if err := huh.NewSelect[string]().Title("Target").Options(options...).Value(&val).Run(); err != nil {
		if isUserCancelled(err) {
			return stations.Station{}, errUserCancelled
		}
		return stations.Station{}, err
	}
	switch val {
	case "\x00local":
		return stations.Station{Name: "local", Machine: "vps", AuthMode: "open", SocksPort: 1080, SSHPort: 22, SSHUser: "root"}, nil
	case "\x00new":
		return f.stationForm(stations.Station{})
	default:
		return f.Store.Load(val)
	}
}

func (f *Flow) editStations() error {
	names, err := f.Store.List()
	if err != nil {
		return err
	}
	options := make([]huh.Option[string], 0, len(names)+2)
	for _, n := range names {
		options = append(options, huh.NewOption(n, n))
	}
	options = append(options, huh.NewOption("New station...", "\x00new"), huh.NewOption("Back", ""))

	val := ""
	if err := huh.NewSelect[string]().Title("Stations").Options(options...).Value(&val).Run(); err != nil {
		if isUserCancelled(err) {
			return errUserCancelled
		}
		return err
	}
	switch val {
	case "":
		return nil
	case "\x00new":
		_, err := f.stationForm(stations.Station{})
		return err
	}

	action := ""
	if err := huh.NewSelect[string]().
		Title(val).
		Options(
			huh.NewOption("Edit", "edit"),
			huh.NewOption("Forget Session Password", "forget"),
			huh.NewOption("Delete", "delete"),
			huh.NewOption("Back", ""),
		).
		Value(&action).Run(); err != nil {
		if isUserCancelled(err) {
			return errUserCancelled
		}
		return err
	}
	switch action {
	case "edit":
		st, err := f.Store.Load(val)
		if err != nil {
			return err
		}
		_, err = f.stationForm(st)
		return err
	case "forget":
		f.Secrets.Forget(val)
		return nil
	case "delete":
		return f.Store.Delete(val)
	}
	return nil
}

// stationEdits is the form's string-typed view of a station. Seeding it
// from the existing station means an untouched form round-trips every
// field.
type stationEdits struct {
	name       string
	host       string
	sshPort    string
	sshUser    string
	machine    string
	auth       string
	socksPort  string
	httpPort   string
	whitelist  string
	pinVersion string
}

func editsFromStation(st stations.Station) stationEdits {
	httpPort := ""
	if st.HTTPPort != 0 {
		httpPort = strconv.Itoa(st.HTTPPort)
	}
	return stationEdits{
		name:       st.Name,
		host:       st.Host,
		sshPort:    strconv.Itoa(nonZero(st.SSHPort, 22)),
		sshUser:    orDefault(st.SSHUser, "root"),
		machine:    orDefault(st.Machine, "vps"),
		auth:       orDefault(st.AuthMode, "open"),
		socksPort:  strconv.Itoa(nonZero(st.SocksPort, 1080)),
		httpPort:   httpPort,
		whitelist:  strings.Join(st.Whitelist, ","),
		pinVersion: st.PinVersion,
	}
}

// applyStationEdits validates the form values and produces the station
// to persist.
func applyStationEdits(e stationEdits) (stations.Station, error) {
	name := stations.SanitizeName(e.name)
	if name == "" {
		return stations.Station{}, fmt.Errorf("station name is required")
	}
	sshPort, err := strconv.Atoi(strings.TrimSpace(e.sshPort))
	if err != nil || sshPort <= 0 {
		return stations.Station{}, fmt.Errorf("invalid ssh port")
	}
	socks, err := strconv.Atoi(strings.TrimSpace(e.socksPort))
	if err != nil || socks <= 0 {
		return stations.Station{}, fmt.Errorf("invalid socks port")
	}
	httpPort := 0
	if v := strings.TrimSpace(e.httpPort); v != "" {
		if httpPort, err = strconv.Atoi(v); err != nil {
			return stations.Station{}, fmt.Errorf("invalid http port")
		}
	}
	var rules []string
	for _, r := range strings.Split(e.whitelist, ",") {
		if r = strings.TrimSpace(r); r != "" {
			rules = append(rules, r)
		}
	}
	if e.auth == "whitelist" && len(rules) == 0 {
		return stations.Station{}, fmt.Errorf("whitelist policy requires at least one rule")
	}

	return stations.Station{
		Name:       name,
		Host:       strings.TrimSpace(e.host),
		SSHPort:    sshPort,
		SSHUser:    strings.TrimSpace(e.sshUser),
		Machine:    e.machine,
		AuthMode:   e.auth,
		SocksPort:  socks,
		HTTPPort:   httpPort,
		Whitelist:  rules,
		PinVersion: strings.TrimSpace(e.pinVersion),
	}, nil
}

func (f *Flow) stationForm(existing stations.Station) (stations.Station, error) {
	e := editsFromStation(existing)

	group := huh.NewGroup(
		huh.NewInput().Title("Station name").Value(&e.name),
		huh.NewInput().Title("Target host/IP (empty for this machine)").Value(&e.host),
		huh.NewInput().Title("SSH port").Value(&e.sshPort),
		huh.NewInput().Title("SSH user").Value(&e.sshUser),
		huh.NewSelect[string]().
			Title("Machine role").
			Options(huh.NewOption("VPS", "vps"), huh.NewOption("NAT gateway", "nat")).
			Value(&e.machine),
		huh.NewSelect[string]().
			Title("Access policy").
			Options(
				huh.NewOption("Open", "open"),
				huh.NewOption("Username/password", "credentialed"),
				huh.NewOption("IP whitelist", "whitelist"),
			).
			Value(&e.auth),
		huh.NewInput().Title("SOCKS5 port").Value(&e.socksPort),
		huh.NewInput().Title("HTTP port (empty = auto, -1 = off)").Value(&e.httpPort),
		huh.NewInput().Title("Whitelist IPs/CIDRs (comma separated)").Value(&e.whitelist),
		huh.NewInput().Title("Pinned gost version (empty = latest)").Value(&e.pinVersion),
	)
	if err := huh.NewForm(group).Run(); err != nil {
		if isUserCancelled(err) {
			return stations.Station{}, errUserCancelled
		}
		return stations.Station{}, err
	}

	st, err := applyStationEdits(e)
	if err != nil {
		return stations.Station{}, err
	}
	return f.Store.Save(st)
}

func (f *Flow) passwordForStation(st stations.Station) (string, error) {
	if p, ok := f.Secrets.Get(st.Name); ok && strings.TrimSpace(p) != "" {
		return p, nil
	}
	pwd := ""
	if err := huh.NewInput().
		EchoMode(huh.EchoModePassword).
		Title(fmt.Sprintf("SSH password for %s@%s", st.SSHUser, st.Host)).
		Value(&pwd).Run(); err != nil {
		if isUserCancelled(err) {
			return "", errUserCancelled
		}
		return "", err
	}
	if strings.TrimSpace(pwd) == "" {
		return "", fmt.Errorf("password required")
	}
	f.Secrets.Set(st.Name, pwd)
	return pwd, nil
}

func isUserCancelled(err error) bool {
	if err == nil {
		return false
	}
	v := strings.ToLower(err.Error())
	return strings.Contains(v, "interrupt") || strings.Contains(v, "cancel") || strings.Contains(v, "abort")
}

func orDefault(v, d string) string {
	if strings.TrimSpace(v) == "" {
		return d
	}
	return v
}

func nonZero(v, d int) int {
	if v > 0 {
		return v
	}
	return d
}
