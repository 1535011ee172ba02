// Package launch owns the service lifecycle on the target: clean-slate
// teardown of any prior instance, configuration and unit placement, and
// startup through systemd or, where systemd is unusable, a detached
// process with a boot-time relaunch entry.
package launch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alfaoz/groundcontrol/internal/host"
	"github.com/alfaoz/groundcontrol/internal/retry"
)

const (
	UnitName    = "groundcontrol-gost.service"
	UnitPath    = "/etc/systemd/system/" + UnitName
	ConfigPath  = "/etc/groundcontrol/gost.yaml"
	FallbackLog = "/var/log/groundcontrol-gost.log"
)

// Mode says which supervision mechanism ended up running the service.
type Mode string

const (
	ModePrimary  Mode = "systemd"
	ModeFallback Mode = "nohup+cron"
)

// Instance is the running deployment produced by Deploy. Instances are
// replaced wholesale on every run; there is no in-place update path.
type Instance struct {
	BinaryPath string
	ConfigPath string
	Mode       Mode
	UnitName   string
}

type Supervisor struct {
	Logf func(format string, args ...any)
}

func NewSupervisor(logf func(string, ...any)) *Supervisor {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Supervisor{Logf: logf}
}

func startCommand(binaryPath string) string {
	return binaryPath + " -C " + ConfigPath
}

func cronLine(binaryPath string) string {
	return "@reboot " + startCommand(binaryPath) + " >> " + FallbackLog + " 2>&1"
}

// Clean tears down any prior instance regardless of its state: unit
// stopped and removed, fallback process killed, relaunch entry dropped,
// stale files deleted. "Not found" everywhere counts as success.
func (s *Supervisor) Clean(ctx context.Context, r host.Runner, binaryPath string) error {
	if host.LookPath(ctx, r, "systemctl") {
		r.Run(ctx, "systemctl disable --now "+UnitName+" 2>/dev/null")
	}
	// the fallback instance, if any, runs outside systemd
	r.Run(ctx, "pkill -f '"+startCommand(binaryPath)+"' 2>/dev/null")

	if err := r.Remove(UnitPath); err != nil {
		return fmt.Errorf("remove unit: %w", err)
	}
	if err := r.Remove(ConfigPath); err != nil {
		return fmt.Errorf("remove config: %w", err)
	}
	removeCronEntry(ctx, r, binaryPath)

	if host.LookPath(ctx, r, "systemctl") {
		r.Run(ctx, "systemctl daemon-reload")
	}
	return nil
}

// Deploy runs the supervisor state machine:
// Absent -> Cleaning -> Configured -> Starting -> Running | Failed.
func (s *Supervisor) Deploy(ctx context.Context, r host.Runner, configYAML []byte, binaryPath string) (Instance, error) {
	inst := Instance{BinaryPath: binaryPath, ConfigPath: ConfigPath, UnitName: UnitName}

	if err := s.Clean(ctx, r, binaryPath); err != nil {
		return inst, err
	}

	// config may carry credentials
	if err := r.WriteFile(ConfigPath, configYAML, 0o600); err != nil {
		return inst, fmt.Errorf("write config: %w", err)
	}
	if err := r.WriteFile(UnitPath, []byte(unitFile(binaryPath)), 0o644); err != nil {
		return inst, fmt.Errorf("write unit: %w", err)
	}

	if host.LookPath(ctx, r, "systemctl") {
		err := s.startPrimary(ctx, r)
		if err == nil {
			inst.Mode = ModePrimary
			return inst, nil
		}
		s.Logf("systemd start failed, falling back to detached process: %v", err)
	} else {
		s.Logf("systemctl unavailable on %s, using fallback persistence", r.Describe())
	}

	if err := s.startFallback(ctx, r, binaryPath); err != nil {
		return inst, fmt.Errorf("service failed under both supervision mechanisms: %w", err)
	}
	inst.Mode = ModeFallback
	return inst, nil
}

func (s *Supervisor) startPrimary(ctx context.Context, r host.Runner) error {
	if out, err := r.Run(ctx, "systemctl daemon-reload"); err != nil {
		return fmt.Errorf("daemon-reload: %w\n%s", err, strings.TrimSpace(out))
	}
	if out, err := r.Run(ctx, "systemctl enable --now "+UnitName); err != nil {
		return fmt.Errorf("enable --now: %w\n%s%s", err, strings.TrimSpace(out), s.diagnostics(ctx, r))
	}

	// enable --now returning 0 does not guarantee the process survived
	// its first moments; confirm active state within a short window
	res, err := retry.Poll(ctx, 500*time.Millisecond, 4, func() (bool, error) {
		_, err := r.Run(ctx, "systemctl is-active --quiet "+UnitName)
		return err == nil, nil
	})
	if err != nil {
		return err
	}
	if !res.OK {
		return fmt.Errorf("unit never reported active%s", s.diagnostics(ctx, r))
	}
	return nil
}

// startFallback launches the binary detached and registers a boot-time
// relaunch crontab entry, deduplicated on the exact command line.
func (s *Supervisor) startFallback(ctx context.Context, r host.Runner, binaryPath string) error {
	if out, err := r.Run(ctx, "nohup "+startCommand(binaryPath)+" >> "+FallbackLog+" 2>&1 &"); err != nil {
		return fmt.Errorf("detached start: %w\n%s", err, strings.TrimSpace(out))
	}

	res, err := retry.Poll(ctx, 500*time.Millisecond, 4, func() (bool, error) {
		_, err := r.Run(ctx, "pgrep -f '"+startCommand(binaryPath)+"'")
		return err == nil, nil
	})
	if err != nil {
		return err
	}
	if !res.OK {
		tail, _ := r.Run(ctx, "tail -n 20 "+FallbackLog)
		return fmt.Errorf("fallback process not running\n%s", strings.TrimSpace(tail))
	}

	if host.LookPath(ctx, r, "crontab") {
		ensureCronEntry(ctx, r, binaryPath)
	} else {
		s.Logf("crontab unavailable; fallback instance will not survive reboot")
	}
	return nil
}

func ensureCronEntry(ctx context.Context, r host.Runner, binaryPath string) {
	line := cronLine(binaryPath)
	existing, _ := r.Run(ctx, "crontab -l 2>/dev/null")
	for _, l := range strings.Split(existing, "\n") {
		if strings.TrimSpace(l) == line {
			return
		}
	}
	r.Run(ctx, fmt.Sprintf("(crontab -l 2>/dev/null; echo %q) | crontab -", line))
}

func removeCronEntry(ctx context.Context, r host.Runner, binaryPath string) {
	if !host.LookPath(ctx, r, "crontab") {
		return
	}
	line := cronLine(binaryPath)
	existing, err := r.Run(ctx, "crontab -l 2>/dev/null")
	if err != nil || !strings.Contains(existing, line) {
		return
	}
	r.Run(ctx, fmt.Sprintf("crontab -l 2>/dev/null | grep -vF %q | crontab -", line))
}

// diagnostics captures supervisor status and recent journal output for
// fatal errors.
func (s *Supervisor) diagnostics(ctx context.Context, r host.Runner) string {
	status, _ := r.Run(ctx, "systemctl status "+UnitName+" --no-pager 2>&1 | head -n 20")
	journal, _ := r.Run(ctx, "journalctl -u "+UnitName+" -n 20 --no-pager 2>&1")
	out := strings.TrimSpace(status + "\n" + journal)
	if out == "" {
		return ""
	}
	return "\n" + out
}

func unitFile(binaryPath string) string {
	return `[Unit]
Description=groundcontrol gost proxy
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=` + startCommand(binaryPath) + `
Restart=on-failure
RestartSec=2
NoNewPrivileges=true
PrivateTmp=true
ProtectHome=true
LimitNOFILE=65536

[Install]
WantedBy=multi-user.target
`
}
