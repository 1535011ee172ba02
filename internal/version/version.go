package version

// AppVersion is stamped at release time via -ldflags.
var AppVersion = "0.3.0"

const (
	// GostRepo is the upstream release source for the proxy binary.
	GostRepo = "go-gost/gost"

	// DefaultPinnedGost is the last-known-good gost version used when
	// the latest-release lookup is unreachable. Override with
	// --pin-version; refresh this constant on every groundcontrol
	// release.
	DefaultPinnedGost = "3.0.0"

	// DefaultMirrorBase prefixes GitHub download URLs when the direct
	// path is unreachable from constrained networks.
	DefaultMirrorBase = "https://ghproxy.net/"
)
