package launch

import (
	"context"
	"strings"
	"testing"

	"github.com/alfaoz/groundcontrol/internal/host/hosttest"
)

const testBinary = "/usr/local/bin/gost"

func TestDeployPrimaryPath(t *testing.T) {
	fake := hosttest.NewFake()
	// unscripted systemctl commands succeed: systemd host

	inst, err := NewSupervisor(nil).Deploy(context.Background(), fake, []byte("services: []\n"), testBinary)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if inst.Mode != ModePrimary {
		t.Fatalf("expected primary mode, got %s", inst.Mode)
	}

	cfg, ok := fake.Files[ConfigPath]
	if !ok || string(cfg) != "services: []\n" {
		t.Fatalf("config not written: %q", cfg)
	}
	if fake.Modes[ConfigPath] != 0o600 {
		t.Fatalf("config mode = %o, want 0600", fake.Modes[ConfigPath])
	}

	unit, ok := fake.Files[UnitPath]
	if !ok {
		t.Fatal("unit not written")
	}
	for _, want := range []string{
		"ExecStart=" + testBinary + " -C " + ConfigPath,
		"Restart=on-failure",
		"RestartSec=2",
		"LimitNOFILE=65536",
		"After=network-online.target",
	} {
		if !strings.Contains(string(unit), want) {
			t.Fatalf("unit missing %q:\n%s", want, unit)
		}
	}

	if !fake.RanMatching("systemctl enable --now " + UnitName) {
		t.Fatal("service was not enabled")
	}
	if !fake.RanMatching("systemctl is-active") {
		t.Fatal("active state was not confirmed")
	}
	if fake.RanMatching("nohup") {
		t.Fatal("fallback must not run when systemd works")
	}
}

func TestDeployCleansBeforeConfiguring(t *testing.T) {
	fake := hosttest.NewFake()
	fake.Files[UnitPath] = []byte("old unit")
	fake.Files[ConfigPath] = []byte("old config")

	_, err := NewSupervisor(nil).Deploy(context.Background(), fake, []byte("new\n"), testBinary)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}

	// teardown completeness: prior process killed, stale files removed
	// before the new ones were placed
	if !fake.RanMatching("systemctl disable --now " + UnitName) {
		t.Fatal("prior unit was not disabled")
	}
	if !fake.RanMatching("pkill -f") {
		t.Fatal("prior fallback process was not killed")
	}
	removedUnit, removedCfg := false, false
	for _, p := range fake.Removed {
		if p == UnitPath {
			removedUnit = true
		}
		if p == ConfigPath {
			removedCfg = true
		}
	}
	if !removedUnit || !removedCfg {
		t.Fatalf("stale files not removed: %v", fake.Removed)
	}
	if string(fake.Files[ConfigPath]) != "new\n" {
		t.Fatal("new config not in place")
	}
}

func TestDeployFallsBackWhenSystemdAbsent(t *testing.T) {
	fake := hosttest.NewFake()
	fake.Script("command -v systemctl", hosttest.FailWith(""))

	inst, err := NewSupervisor(nil).Deploy(context.Background(), fake, []byte("cfg\n"), testBinary)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if inst.Mode != ModeFallback {
		t.Fatalf("expected fallback mode, got %s", inst.Mode)
	}
	if !fake.RanMatching("nohup " + testBinary + " -C " + ConfigPath) {
		t.Fatal("detached start was not attempted")
	}
	if !fake.RanMatching("crontab -") {
		t.Fatal("boot-time relaunch entry was not installed")
	}
}

func TestDeployFallsBackWhenUnitNeverActive(t *testing.T) {
	fake := hosttest.NewFake()
	fake.Script("systemctl is-active", hosttest.FailWith("inactive"))

	inst, err := NewSupervisor(nil).Deploy(context.Background(), fake, []byte("cfg\n"), testBinary)
	if err != nil {
		t.Fatalf("Deploy: %v", err)
	}
	if inst.Mode != ModeFallback {
		t.Fatalf("expected fallback after inactive unit, got %s", inst.Mode)
	}
}

func TestDeployFatalWhenBothMechanismsFail(t *testing.T) {
	fake := hosttest.NewFake()
	fake.Script("command -v systemctl", hosttest.FailWith(""))
	fake.Script("pgrep -f", hosttest.FailWith(""))
	fake.Script("tail -n 20", hosttest.Response{Out: "bind: address already in use"})

	_, err := NewSupervisor(nil).Deploy(context.Background(), fake, []byte("cfg\n"), testBinary)
	if err == nil {
		t.Fatal("expected fatal error")
	}
	if !strings.Contains(err.Error(), "address already in use") {
		t.Fatalf("diagnostics missing from error: %v", err)
	}
}

func TestCronEntryDeduplicated(t *testing.T) {
	fake := hosttest.NewFake()
	fake.Script("crontab -l", hosttest.Response{Out: cronLine(testBinary) + "\n"})

	ensureCronEntry(context.Background(), fake, testBinary)
	if fake.RanMatching("| crontab -") {
		t.Fatal("existing entry must not be appended again")
	}

	empty := hosttest.NewFake()
	ensureCronEntry(context.Background(), empty, testBinary)
	if !empty.RanMatching("| crontab -") {
		t.Fatal("missing entry must be appended")
	}
}

func TestCleanIgnoresAbsentService(t *testing.T) {
	fake := hosttest.NewFake()
	fake.Script("systemctl disable", hosttest.FailWith("Unit not loaded."))
	fake.Script("pkill", hosttest.FailWith(""))

	if err := NewSupervisor(nil).Clean(context.Background(), fake, testBinary); err != nil {
		t.Fatalf("Clean must treat not-found as success: %v", err)
	}
}
