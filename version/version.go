package version

// Build information (injected via ldflags - must NOT have default values)
var (
	Version   string
	GitSHA    string
	BuildDate string
)

// Hardcoded build marker - change this to verify correct firmware is flashed
const BuildMarker = "dimmer-003"

// Firmware returns the firmware version, or "dev" for builds without ldflags.
func Firmware() string {
	if Version == "" {
		return "dev"
	}
	return Version
}

// Date returns the build timestamp, or "unknown" when not injected.
func Date() string {
	if BuildDate == "" {
		return "unknown"
	}
	return BuildDate
}

// SHA returns the short git SHA, or "unknown" when not injected.
func SHA() string {
	if GitSHA == "" {
		return "unknown"
	}
	return GitSHA
}
