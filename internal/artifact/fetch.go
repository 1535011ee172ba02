// Package artifact resolves, downloads, validates, and installs the
// gost binary that provides the proxy data plane. Nothing here is
// proxy-specific beyond names and paths; the data plane itself is an
// external dependency.
package artifact

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/alfaoz/groundcontrol/internal/host"
	"github.com/alfaoz/groundcontrol/internal/retry"
	"github.com/alfaoz/groundcontrol/internal/version"
)

const (
	// InstallPath is the fixed, well-known location of the proxy binary.
	InstallPath = "/usr/local/bin/gost"

	stagePath = "/tmp/groundcontrol-gost-stage"

	maxArchiveBytes = int64(200 << 20)
	maxBinaryBytes  = int64(120 << 20)

	downloadAttempts = 3
	downloadBackoff  = 2 * time.Second
)

// ErrNotFound means the release exists but carries no asset for this
// version+arch. Retrying or mirroring cannot fix that.
var ErrNotFound = errors.New("artifact not found for this version and architecture")

// Fetcher downloads gost release archives. The zero value is not
// usable; call NewFetcher.
type Fetcher struct {
	ReleaseBase  string // e.g. https://github.com/go-gost/gost
	MirrorBase   string // URL prefix applied to the primary URL
	Pinned       string // fallback version when latest-lookup fails
	Client       *http.Client
	MirrorClient *http.Client // looser timeout for the last-resort path
	Logf         func(format string, args ...any)
}

func NewFetcher(pinned string) *Fetcher {
	if strings.TrimSpace(pinned) == "" {
		pinned = version.DefaultPinnedGost
	}
	return &Fetcher{
		ReleaseBase:  "https://github.com/" + version.GostRepo,
		MirrorBase:   version.DefaultMirrorBase,
		Pinned:       pinned,
		Client:       &http.Client{Timeout: 60 * time.Second},
		MirrorClient: &http.Client{Timeout: 180 * time.Second},
		Logf:         func(string, ...any) {},
	}
}

// Result describes an installed artifact.
type Result struct {
	Version       string
	VersionSource string // "latest" or "pinned"
	Arch          string
	Path          string
	Warnings      []string
}

var tagPattern = regexp.MustCompile(`/tag/v?([0-9]+\.[0-9]+\.[0-9]+[0-9A-Za-z.\-]*)$`)

// ResolveVersion follows the releases/latest redirect and parses the
// version token out of the Location target. The authoritative lookup is
// occasionally unreachable from constrained networks, so any failure
// substitutes the pinned fallback instead of propagating.
func (f *Fetcher) ResolveVersion(ctx context.Context) (ver, source string) {
	client := &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ReleaseBase+"/releases/latest", nil)
	if err != nil {
		return f.Pinned, "pinned"
	}
	resp, err := client.Do(req)
	if err != nil {
		f.Logf("latest-release lookup failed, using pinned %s: %v", f.Pinned, err)
		return f.Pinned, "pinned"
	}
	defer resp.Body.Close()

	loc := resp.Header.Get("Location")
	m := tagPattern.FindStringSubmatch(loc)
	if m == nil {
		f.Logf("latest-release redirect unparseable (%q), using pinned %s", loc, f.Pinned)
		return f.Pinned, "pinned"
	}
	return m[1], "latest"
}

// DetectArch maps the target's machine hardware name onto a release
// architecture.
func DetectArch(ctx context.Context, r host.Runner) (string, error) {
	out, err := r.Run(ctx, "uname -m")
	if err != nil {
		return "", fmt.Errorf("detect architecture: %w", err)
	}
	switch strings.TrimSpace(out) {
	case "x86_64", "amd64":
		return "amd64", nil
	case "aarch64", "arm64":
		return "arm64", nil
	default:
		return "", fmt.Errorf("unsupported architecture %q", strings.TrimSpace(out))
	}
}

// Fetch runs the full pipeline: resolve version, download (primary with
// bounded retries, then mirror), extract, validate by execution on the
// target, and atomically install at InstallPath.
func (f *Fetcher) Fetch(ctx context.Context, r host.Runner) (Result, error) {
	res := Result{Path: InstallPath}

	arch, err := DetectArch(ctx, r)
	if err != nil {
		return res, err
	}
	res.Arch = arch

	res.Version, res.VersionSource = f.ResolveVersion(ctx)
	if res.VersionSource == "pinned" {
		res.Warnings = append(res.Warnings, fmt.Sprintf("latest-version lookup unavailable; deployed pinned gost %s", res.Version))
	}

	asset := fmt.Sprintf("gost_%s_linux_%s.tar.gz", res.Version, arch)
	primaryURL := fmt.Sprintf("%s/releases/download/v%s/%s", f.ReleaseBase, res.Version, asset)

	archive, err := f.download(ctx, primaryURL)
	if err != nil {
		return res, err
	}

	binary, err := extractGost(archive)
	if err != nil {
		return res, fmt.Errorf("unpack %s: %w", asset, err)
	}

	if err := installValidated(ctx, r, binary); err != nil {
		return res, err
	}
	return res, nil
}

// download tries the primary URL with bounded retries and fixed
// backoff, then the mirror once. A 404 is terminal either way.
func (f *Fetcher) download(ctx context.Context, primaryURL string) ([]byte, error) {
	var body []byte
	var lastErr error

	_, err := retry.Poll(ctx, downloadBackoff, downloadAttempts, func() (bool, error) {
		b, err := fetchBody(ctx, f.Client, primaryURL, maxArchiveBytes)
		if err == nil {
			body = b
			return true, nil
		}
		if errors.Is(err, ErrNotFound) {
			return false, err
		}
		lastErr = err
		f.Logf("download attempt failed: %v", err)
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if body != nil {
		return body, nil
	}

	if strings.TrimSpace(f.MirrorBase) != "" {
		f.Logf("primary download exhausted, trying mirror")
		b, err := fetchBody(ctx, f.MirrorClient, f.MirrorBase+primaryURL, maxArchiveBytes)
		if err == nil {
			return b, nil
		}
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("download unreachable after %d attempts and mirror fallback: %w", downloadAttempts, lastErr)
}

func fetchBody(ctx context.Context, client *http.Client, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", url, ErrNotFound)
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("download failed: %s %s", resp.Status, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("download exceeded max size (%d bytes)", maxBytes)
	}
	return body, nil
}

// extractGost locates the gost executable inside the archive. Release
// archives keep the binary at the top level or one directory down;
// anything deeper is treated as not found.
func extractGost(archive []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		return nil, err
	}
	defer gr.Close()
	tr := tar.NewReader(gr)

	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}
		name := strings.TrimPrefix(h.Name, "./")
		if depth := strings.Count(name, "/"); depth > 1 {
			continue
		}
		base := name
		if i := strings.LastIndexByte(name, '/'); i >= 0 {
			base = name[i+1:]
		}
		if base != "gost" {
			continue
		}
		if h.Mode&0o100 == 0 {
			continue
		}
		if h.Size <= 0 || h.Size > maxBinaryBytes {
			return nil, fmt.Errorf("implausible binary size %d in archive", h.Size)
		}
		binary := make([]byte, h.Size)
		if _, err := io.ReadFull(tr, binary); err != nil {
			return nil, err
		}
		return binary, nil
	}
	return nil, errors.New("gost executable not found in archive")
}

// installValidated stages the binary on the target, requires it to
// report a version string, then promotes it to InstallPath. No silent
// partial installs: every failure here is terminal.
func installValidated(ctx context.Context, r host.Runner, binary []byte) error {
	if err := r.WriteFile(stagePath, binary, 0o755); err != nil {
		return fmt.Errorf("stage binary: %w", err)
	}
	defer r.Run(ctx, "rm -f "+stagePath)

	out, err := r.Run(ctx, stagePath+" -V")
	if err != nil {
		return fmt.Errorf("staged binary failed to run: %w\n%s", err, strings.TrimSpace(out))
	}
	if strings.TrimSpace(out) == "" {
		return errors.New("staged binary reported no version string")
	}

	if out, err := r.Run(ctx, fmt.Sprintf("install -m 0755 %s %s", stagePath, InstallPath)); err != nil {
		return fmt.Errorf("install %s: %w\n%s", InstallPath, err, strings.TrimSpace(out))
	}
	return nil
}
