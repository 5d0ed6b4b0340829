// Package config loads the MSB_* process environment into a validated
// Config, following the teacher's godotenv + getEnv defaulting pattern.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/kernel-hypeman-labs/msbhost/internal/errs"
)

// Flavor is one of the closed {small, medium, large} presets.
type Flavor string

const (
	FlavorSmall  Flavor = "small"
	FlavorMedium Flavor = "medium"
	FlavorLarge  Flavor = "large"
)

// ParseFlavor parses a case-insensitive flavor string.
func ParseFlavor(s string) (Flavor, error) {
	switch strings.ToLower(s) {
	case string(FlavorSmall):
		return FlavorSmall, nil
	case string(FlavorMedium):
		return FlavorMedium, nil
	case string(FlavorLarge):
		return FlavorLarge, nil
	default:
		return "", fmt.Errorf("%w: %q", errs.ErrInvalidFlavor, s)
	}
}

// FlavorSpec is the fixed memory/vCPU preset for a Flavor.
type FlavorSpec struct {
	MemoryMiB int
	VCPUs     int
}

// FlavorSpecs is the closed enum of spec.md §3's flavor table.
var FlavorSpecs = map[Flavor]FlavorSpec{
	FlavorSmall:  {MemoryMiB: 1024, VCPUs: 1},
	FlavorMedium: {MemoryMiB: 2048, VCPUs: 2},
	FlavorLarge:  {MemoryMiB: 4096, VCPUs: 4},
}

// Template is a supported in-guest runtime, part of the closed C6 mapping.
type Template string

const (
	TemplatePython Template = "python"
	TemplateNode   Template = "node"
)

// SupportedTemplates is the closed enumeration from spec.md §4.6.
var SupportedTemplates = map[Template]bool{
	TemplatePython: true,
	TemplateNode:   true,
}

// Config holds the process-wide configuration surface of spec.md §6.
type Config struct {
	DataDir               string
	RegistryDomain        string
	SharedVolumeHostPath  string
	SharedVolumeGuestPath string
	DefaultFlavor         Flavor
	DefaultTemplate       Template
	SessionTimeoutSeconds int
	MaxSessions           int
	PortRangeLo           int
	PortRangeHi           int
	TotalMemoryMiB        int
	TotalVCPUs            int
	ListenAddr            string
}

// Load reads MSB_* environment variables (after optionally loading a .env
// file), validates ranges, and fails fast on invalid configuration rather
// than silently substituting a default outside the valid range.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:               getEnv("MSB_DATA_DIR", "/var/lib/msbhost"),
		RegistryDomain:        getEnv("MSB_REGISTRY_DOMAIN", "docker.io"),
		SharedVolumeHostPath:  os.Getenv("MSB_SHARED_VOLUME_PATH"),
		SharedVolumeGuestPath: getEnv("MSB_SHARED_VOLUME_GUEST_PATH", "/shared"),
	}

	defaultFlavor, err := ParseFlavor(getEnv("MSB_DEFAULT_FLAVOR", string(FlavorSmall)))
	if err != nil {
		return nil, fmt.Errorf("MSB_DEFAULT_FLAVOR: %w", err)
	}
	cfg.DefaultFlavor = defaultFlavor

	defaultTemplate := Template(strings.ToLower(getEnv("MSB_DEFAULT_TEMPLATE", string(TemplatePython))))
	if !SupportedTemplates[defaultTemplate] {
		// spec.md §9 Open Question 1: fail loudly at startup rather than
		// silently substituting a fallback template at request time.
		return nil, fmt.Errorf("MSB_DEFAULT_TEMPLATE %q is not a supported template", defaultTemplate)
	}
	cfg.DefaultTemplate = defaultTemplate

	timeout, err := parseIntInRange("MSB_SESSION_TIMEOUT_SECONDS", "1800", 60, 86400)
	if err != nil {
		return nil, err
	}
	cfg.SessionTimeoutSeconds = timeout

	maxSessions, err := parseIntInRange("MSB_MAX_SESSIONS", "10", 1, 100)
	if err != nil {
		return nil, err
	}
	cfg.MaxSessions = maxSessions

	if cfg.SharedVolumeGuestPath != "" && !strings.HasPrefix(cfg.SharedVolumeGuestPath, "/") {
		return nil, fmt.Errorf("MSB_SHARED_VOLUME_GUEST_PATH must be absolute, got %q", cfg.SharedVolumeGuestPath)
	}

	cfg.PortRangeLo = parseIntDefault("MSB_PORT_RANGE_LO", 30000)
	cfg.PortRangeHi = parseIntDefault("MSB_PORT_RANGE_HI", 40000)
	if cfg.PortRangeHi <= cfg.PortRangeLo {
		return nil, fmt.Errorf("MSB_PORT_RANGE_HI (%d) must be greater than MSB_PORT_RANGE_LO (%d)", cfg.PortRangeHi, cfg.PortRangeLo)
	}

	totalMemoryMiB, err := parseMemoryMiB("MSB_TOTAL_MEMORY_MIB", 16384)
	if err != nil {
		return nil, err
	}
	cfg.TotalMemoryMiB = totalMemoryMiB
	cfg.TotalVCPUs = parseIntDefault("MSB_TOTAL_VCPUS", 8)
	cfg.ListenAddr = getEnv("MSB_LISTEN_ADDR", ":8080")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseIntInRange parses an env var as an int, falling back to defaultValue
// on unparseable input (spec.md §6: "unparseable values fall back to the
// default"), but returns a configuration error when the value parses but
// falls outside [lo, hi] (spec.md §6: "out-of-range values cause a
// configuration error at startup").
func parseIntInRange(key, defaultValue string, lo, hi int) (int, error) {
	raw := getEnv(key, defaultValue)
	n, err := strconv.Atoi(raw)
	if err != nil {
		// Unparseable: fall back to the default, which is always in-range.
		n, _ = strconv.Atoi(defaultValue)
		return n, nil
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%s=%d out of range [%d, %d]", key, n, lo, hi)
	}
	return n, nil
}

// parseMemoryMiB accepts either a bare integer (interpreted as MiB, for
// back-compatibility with a plain MSB_TOTAL_MEMORY_MIB=16384) or a
// human-readable size string such as "16GB", converted down to MiB.
func parseMemoryMiB(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n, nil
	}
	var sz datasize.ByteSize
	if err := sz.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("%s: invalid size %q: %w", key, raw, err)
	}
	return int(sz / datasize.MB), nil
}

func parseIntDefault(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
