package cli

import "testing"

func TestNormalizeAction(t *testing.T) {
	cases := map[string]string{
		"deploy":    "deploy",
		"destroy":   "destroy",
		"status":    "status",
		"install":   "deploy",
		"uninstall": "destroy",
		"show":      "status",
		"":          "",
	}
	for in, want := range cases {
		got, ok := NormalizeAction(in)
		if !ok {
			t.Fatalf("expected action %q to be valid", in)
		}
		if got != want {
			t.Fatalf("NormalizeAction(%q)=%q want %q", in, got, want)
		}
	}
	if _, ok := NormalizeAction("oops"); ok {
		t.Fatal("expected invalid action")
	}
}

func TestNormalizeMachine(t *testing.T) {
	for _, in := range []string{"", "nat", "vps"} {
		if _, ok := NormalizeMachine(in); !ok {
			t.Fatalf("expected machine %q to be valid", in)
		}
	}
	if _, ok := NormalizeMachine("mainframe"); ok {
		t.Fatal("expected invalid machine")
	}
}

func TestNormalizeAuth(t *testing.T) {
	cases := map[string]string{
		"":             "",
		"open":         "open",
		"credentialed": "credentialed",
		"creds":        "credentialed",
		"whitelist":    "whitelist",
	}
	for in, want := range cases {
		got, ok := NormalizeAuth(in)
		if !ok {
			t.Fatalf("expected auth %q to be valid", in)
		}
		if got != want {
			t.Fatalf("NormalizeAuth(%q)=%q want %q", in, got, want)
		}
	}
	if _, ok := NormalizeAuth("kerberos"); ok {
		t.Fatal("expected invalid auth")
	}
}

func TestParseWhitelistFlag(t *testing.T) {
	opts, err := Parse([]string{"--auth", "whitelist", "--whitelist", "203.0.113.9,10.0.0.0/8"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(opts.Whitelist) != 2 || opts.Whitelist[0] != "203.0.113.9" || opts.Whitelist[1] != "10.0.0.0/8" {
		t.Fatalf("whitelist = %v", opts.Whitelist)
	}
}

func TestParseRejectsPositionalArgs(t *testing.T) {
	if _, err := Parse([]string{"deploy", "--host", "198.51.100.4"}); err == nil {
		t.Fatal("expected positional arguments to be rejected")
	}
}

func TestParseDefaults(t *testing.T) {
	opts, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if opts.SSHPort != 22 || opts.SSHUser != "root" {
		t.Fatalf("defaults = %+v", opts)
	}
}
