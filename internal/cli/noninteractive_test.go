package cli

import (
	"testing"

	"github.com/alfaoz/groundcontrol/internal/stations"
)

func TestResolveStationDefaults(t *testing.T) {
	r := &Runner{}
	st, err := r.resolveStation(Options{Host: "198.51.100.4"})
	if err != nil {
		t.Fatalf("resolveStation: %v", err)
	}
	if st.SSHPort != 22 || st.SSHUser != "root" || st.Machine != "vps" || st.AuthMode != "open" || st.SocksPort != 1080 {
		t.Fatalf("station = %+v", st)
	}
}

func TestResolveStationFlagsOverrideProfile(t *testing.T) {
	dir := t.TempDir()
	store, err := stations.NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.Save(stations.Station{
		Name: "berlin", Host: "198.51.100.4", SocksPort: 2080, Machine: "nat", AuthMode: "credentialed",
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	r := &Runner{Store: store}
	st, err := r.resolveStation(Options{StationName: "berlin", SocksPort: 3080, AuthMode: "open"})
	if err != nil {
		t.Fatalf("resolveStation: %v", err)
	}
	if st.Host != "198.51.100.4" || st.SocksPort != 3080 || st.AuthMode != "open" || st.Machine != "nat" {
		t.Fatalf("station = %+v", st)
	}
}

func TestResolveStationNegativeHTTPPortKept(t *testing.T) {
	r := &Runner{}
	st, err := r.resolveStation(Options{Host: "198.51.100.4", Machine: "nat", HTTPPort: -1})
	if err != nil {
		t.Fatalf("resolveStation: %v", err)
	}
	if st.HTTPPort != -1 {
		t.Fatalf("http port = %d, want -1 (listener disabled)", st.HTTPPort)
	}
}

func TestResolveStationWhitelistRequiresRules(t *testing.T) {
	r := &Runner{}
	if _, err := r.resolveStation(Options{Host: "198.51.100.4", AuthMode: "whitelist"}); err == nil {
		t.Fatal("expected whitelist without rules to be rejected")
	}
}

func TestRequiresNonInteractive(t *testing.T) {
	if !RequiresNonInteractive(Options{}, false) {
		t.Fatal("non-tty must force non-interactive mode")
	}
	if RequiresNonInteractive(Options{}, true) {
		t.Fatal("bare tty invocation should go interactive")
	}
	if !RequiresNonInteractive(Options{Host: "198.51.100.4"}, true) {
		t.Fatal("--host should force non-interactive mode")
	}
	if !RequiresNonInteractive(Options{PreflightOnly: true}, true) {
		t.Fatal("--preflight-only should force non-interactive mode")
	}
}
