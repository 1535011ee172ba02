package artifact

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alfaoz/groundcontrol/internal/host/hosttest"
)

func testFetcher() *Fetcher {
	f := NewFetcher("2.9.9")
	f.Client = &http.Client{Timeout: 5 * time.Second}
	f.MirrorClient = f.Client
	return f
}

func gostArchive(t *testing.T, entryName string, mode int64) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	content := []byte("#!/bin/sh\necho gost 3.1.0\n")
	if err := tw.WriteHeader(&tar.Header{
		Name:     entryName,
		Mode:     mode,
		Size:     int64(len(content)),
		Typeflag: tar.TypeReg,
	}); err != nil {
		t.Fatalf("tar header: %v", err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatalf("tar write: %v", err)
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestResolveVersionFromRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/releases/latest" {
			w.Header().Set("Location", "/go-gost/gost/releases/tag/v3.1.0")
			w.WriteHeader(http.StatusFound)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := testFetcher()
	f.ReleaseBase = srv.URL

	ver, source := f.ResolveVersion(context.Background())
	if ver != "3.1.0" || source != "latest" {
		t.Fatalf("got %q/%q", ver, source)
	}
}

func TestResolveVersionFallsBackToPinned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := testFetcher()
	f.ReleaseBase = srv.URL

	ver, source := f.ResolveVersion(context.Background())
	if ver != "2.9.9" || source != "pinned" {
		t.Fatalf("expected pinned fallback, got %q/%q", ver, source)
	}
}

func TestDetectArch(t *testing.T) {
	cases := map[string]string{
		"x86_64\n":  "amd64",
		"aarch64\n": "arm64",
	}
	for raw, want := range cases {
		fake := hosttest.NewFake()
		fake.Script("uname -m", hosttest.Response{Out: raw})
		got, err := DetectArch(context.Background(), fake)
		if err != nil {
			t.Fatalf("DetectArch(%q): %v", raw, err)
		}
		if got != want {
			t.Fatalf("DetectArch(%q)=%q want %q", raw, got, want)
		}
	}

	fake := hosttest.NewFake()
	fake.Script("uname -m", hosttest.Response{Out: "mips\n"})
	if _, err := DetectArch(context.Background(), fake); err == nil {
		t.Fatal("expected unsupported-arch error")
	}
}

func TestFetchDownloadsValidatesAndInstalls(t *testing.T) {
	archive := gostArchive(t, "gost", 0o755)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/releases/latest":
			w.Header().Set("Location", "/releases/tag/v3.1.0")
			w.WriteHeader(http.StatusFound)
		case strings.HasPrefix(r.URL.Path, "/releases/download/v3.1.0/gost_3.1.0_linux_amd64.tar.gz"):
			w.Write(archive)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := testFetcher()
	f.ReleaseBase = srv.URL
	f.MirrorBase = ""

	fake := hosttest.NewFake()
	fake.Script("uname -m", hosttest.Response{Out: "x86_64\n"})
	fake.Script("-V", hosttest.Response{Out: "gost 3.1.0\n"})

	res, err := f.Fetch(context.Background(), fake)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if res.Version != "3.1.0" || res.VersionSource != "latest" || res.Arch != "amd64" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, ok := fake.Files[stagePath]; !ok {
		t.Fatal("binary was not staged on the target")
	}
	if fake.Modes[stagePath] != 0o755 {
		t.Fatalf("staged mode = %o", fake.Modes[stagePath])
	}
	if !fake.RanMatching("install -m 0755 " + stagePath + " " + InstallPath) {
		t.Fatal("binary was not promoted to the install path")
	}
}

func TestFetchUsesMirrorWhenPrimaryUnreachable(t *testing.T) {
	archive := gostArchive(t, "gost_3.1.0_linux_amd64/gost", 0o755)

	var mirrorHits int
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mirrorHits++
		w.Write(archive)
	}))
	defer mirror.Close()

	f := testFetcher()
	// closed port: every primary attempt fails fast with a network error
	f.ReleaseBase = "http://127.0.0.1:1"
	f.MirrorBase = mirror.URL + "/?u="
	f.Pinned = "3.1.0"

	fake := hosttest.NewFake()
	fake.Script("uname -m", hosttest.Response{Out: "x86_64\n"})
	fake.Script("-V", hosttest.Response{Out: "gost 3.1.0\n"})

	res, err := f.Fetch(context.Background(), fake)
	if err != nil {
		t.Fatalf("Fetch via mirror: %v", err)
	}
	if mirrorHits != 1 {
		t.Fatalf("expected exactly one mirror hit, got %d", mirrorHits)
	}
	if res.VersionSource != "pinned" {
		t.Fatalf("expected pinned version source, got %q", res.VersionSource)
	}
	if len(res.Warnings) == 0 {
		t.Fatal("expected a pinned-version warning")
	}
}

func TestFetchNotFoundIsTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/releases/latest" {
			w.Header().Set("Location", "/releases/tag/v3.1.0")
			w.WriteHeader(http.StatusFound)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	f := testFetcher()
	f.ReleaseBase = srv.URL
	f.MirrorBase = ""

	fake := hosttest.NewFake()
	fake.Script("uname -m", hosttest.Response{Out: "x86_64\n"})

	_, err := f.Fetch(context.Background(), fake)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	// one request only: 404 must not burn the retry budget
	if fake.RanMatching("install -m") {
		t.Fatal("nothing should be installed on not-found")
	}
}

func TestExtractGostRejectsDeepAndNonExecutableEntries(t *testing.T) {
	deep := gostArchive(t, "a/b/c/gost", 0o755)
	if _, err := extractGost(deep); err == nil {
		t.Fatal("expected deep entry to be skipped and extraction to fail")
	}

	noExec := gostArchive(t, "gost", 0o644)
	if _, err := extractGost(noExec); err == nil {
		t.Fatal("expected non-executable entry to be rejected")
	}
}

func TestFetchFatalWhenBinaryFailsToRun(t *testing.T) {
	archive := gostArchive(t, "gost", 0o755)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/releases/latest" {
			w.Header().Set("Location", "/releases/tag/v3.1.0")
			w.WriteHeader(http.StatusFound)
			return
		}
		w.Write(archive)
	}))
	defer srv.Close()

	f := testFetcher()
	f.ReleaseBase = srv.URL
	f.MirrorBase = ""

	fake := hosttest.NewFake()
	fake.Script("uname -m", hosttest.Response{Out: "x86_64\n"})
	fake.Script("-V", hosttest.FailWith("cannot execute binary file"))

	_, err := f.Fetch(context.Background(), fake)
	if err == nil {
		t.Fatal("expected fatal error when staged binary fails to run")
	}
	if fake.RanMatching("install -m 0755") {
		t.Fatal("failed validation must not install anything")
	}
}
