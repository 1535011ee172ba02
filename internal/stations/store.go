package stations

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const DefaultDirSuffix = ".groundcontrol/stations"

// Station is a saved deployment target profile.
type Station struct {
	Name       string
	Host       string // empty means deploy on the local machine
	SSHPort    int
	SSHUser    string
	Machine    string // nat|vps
	AuthMode   string // open|credentialed|whitelist
	SocksPort  int
	HTTPPort   int
	Whitelist  []string
	PinVersion string
}

// Local reports whether the station targets the machine groundcontrol
// runs on.
func (s Station) Local() bool { return strings.TrimSpace(s.Host) == "" }

type Store struct {
	Dir string
}

func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		dir = filepath.Join(home, DefaultDirSuffix)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("ensure stations dir: %w", err)
	}
	return &Store{Dir: dir}, nil
}

func SanitizeName(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	raw = strings.ReplaceAll(raw, " ", "-")
	b := strings.Builder{}
	lastDash := false
	for _, r := range raw {
		ok := (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-'
		if ok {
			if r == '-' {
				if lastDash {
					continue
				}
				lastDash = true
			} else {
				lastDash = false
			}
			b.WriteRune(r)
			continue
		}
		if !lastDash {
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read stations dir: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".station") {
			names = append(names, strings.TrimSuffix(name, ".station"))
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.Dir, name+".station")
}

func (s *Store) Load(name string) (Station, error) {
	name = SanitizeName(name)
	if name == "" {
		return Station{}, errors.New("invalid station name")
	}
	f, err := os.Open(s.path(name))
	if err != nil {
		return Station{}, fmt.Errorf("open station file: %w", err)
	}
	defer f.Close()

	vals := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		vals[parts[0]] = parts[1]
	}
	if err := scanner.Err(); err != nil {
		return Station{}, fmt.Errorf("scan station file: %w", err)
	}

	st := Station{
		Name:       name,
		Host:       vals["HOST"],
		SSHPort:    parseIntDefault(vals["SSH_PORT"], 22),
		SSHUser:    defaultIfEmpty(vals["SSH_USER"], "root"),
		Machine:    defaultIfEmpty(vals["MACHINE"], "vps"),
		AuthMode:   defaultIfEmpty(vals["AUTH_MODE"], "open"),
		SocksPort:  parseIntDefault(vals["SOCKS_PORT"], 1080),
		HTTPPort:   parseIntDefault(vals["HTTP_PORT"], 0),
		PinVersion: vals["PIN_VERSION"],
	}
	if wl := strings.TrimSpace(vals["WHITELIST"]); wl != "" {
		for _, rule := range strings.Split(wl, ",") {
			if rule = strings.TrimSpace(rule); rule != "" {
				st.Whitelist = append(st.Whitelist, rule)
			}
		}
	}
	return st, nil
}

func (s *Store) Save(st Station) (Station, error) {
	st.Name = SanitizeName(st.Name)
	if st.Name == "" {
		return Station{}, errors.New("station name is required")
	}
	if st.SSHPort == 0 {
		st.SSHPort = 22
	}
	if strings.TrimSpace(st.SSHUser) == "" {
		st.SSHUser = "root"
	}
	if strings.TrimSpace(st.Machine) == "" {
		st.Machine = "vps"
	}
	if strings.TrimSpace(st.AuthMode) == "" {
		st.AuthMode = "open"
	}
	if st.SocksPort == 0 {
		st.SocksPort = 1080
	}

	lines := []string{
		"HOST=" + st.Host,
		"SSH_PORT=" + strconv.Itoa(st.SSHPort),
		"SSH_USER=" + st.SSHUser,
		"MACHINE=" + st.Machine,
		"AUTH_MODE=" + st.AuthMode,
		"SOCKS_PORT=" + strconv.Itoa(st.SocksPort),
		"HTTP_PORT=" + strconv.Itoa(st.HTTPPort),
		"WHITELIST=" + strings.Join(st.Whitelist, ","),
		"PIN_VERSION=" + st.PinVersion,
		"",
	}
	if err := os.WriteFile(s.path(st.Name), []byte(strings.Join(lines, "\n")), 0o600); err != nil {
		return Station{}, fmt.Errorf("write station file: %w", err)
	}
	return st, nil
}

func (s *Store) Delete(name string) error {
	name = SanitizeName(name)
	if name == "" {
		return errors.New("invalid station name")
	}
	if err := os.Remove(s.path(name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("delete station: %w", err)
	}
	return nil
}

func defaultIfEmpty(v, d string) string {
	if strings.TrimSpace(v) == "" {
		return d
	}
	return v
}

// parseIntDefault substitutes def only when the value is absent or
// unparseable. Negative values are meaningful (a saved HTTP_PORT=-1
// keeps the HTTP listener disabled) and pass through untouched.
func parseIntDefault(raw string, def int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
