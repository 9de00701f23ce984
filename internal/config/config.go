// Package config parses the daemon's key=value settings file and
// applies environment overrides. The teacher itself never reaches for
// a config library — its settings live in SQLite and CLI flags — so
// this hand-rolled parser follows that precedent rather than adding an
// ecosystem dependency the rest of the codebase never otherwise needs.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every recognized key from the settings file, plus the
// environment overrides layered on top per spec.md §6.
type Config struct {
	Port             int
	ScanThreads      int
	SliderAlpha      float64
	MaxTolerance     float64
	MinFreeHeadroom  int64
	ExcludedDisks    []string
	WarnParityCheck  bool

	DBPath    string
	ConfigPath string
	MountBase string
}

// Default returns the daemon's built-in defaults before any file or
// environment override is applied.
func Default() Config {
	return Config{
		Port:            34256,
		ScanThreads:     2,
		SliderAlpha:     0.5,
		MaxTolerance:    0.1,
		MinFreeHeadroom: 1 << 30, // 1 GiB
		WarnParityCheck: true,
		DBPath:          "/var/lib/pbalanced/catalog.db",
		ConfigPath:      "/etc/pbalanced.conf",
	}
}

// Load reads the settings file at path (if it exists — a missing file
// is not an error, since Default() already supplies every value) then
// applies PB_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		cfg.ConfigPath = path
	}

	if err := cfg.applyFile(cfg.ConfigPath); err != nil {
		return Config{}, err
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("config %s:%d: malformed line %q (want KEY=VALUE)", path, lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		if err := c.applyKey(key, value); err != nil {
			return fmt.Errorf("config %s:%d: %w", path, lineNo, err)
		}
	}
	return scanner.Err()
}

func (c *Config) applyKey(key, value string) error {
	switch key {
	case "PORT":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("PORT must be an integer: %w", err)
		}
		c.Port = n
	case "SCAN_THREADS":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("SCAN_THREADS must be an integer: %w", err)
		}
		c.ScanThreads = n
	case "SLIDER_ALPHA":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 || f > 1 {
			return fmt.Errorf("SLIDER_ALPHA must be a number in [0,1]")
		}
		c.SliderAlpha = f
	case "MAX_TOLERANCE":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f <= 0 || f >= 1 {
			return fmt.Errorf("MAX_TOLERANCE must be a number in (0,1)")
		}
		c.MaxTolerance = f
	case "MIN_FREE_HEADROOM":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("MIN_FREE_HEADROOM must be a non-negative integer")
		}
		c.MinFreeHeadroom = n
	case "EXCLUDED_DISKS":
		c.ExcludedDisks = splitCommaList(value)
	case "WARN_PARITY_CHECK":
		b, err := parseYesNo(value)
		if err != nil {
			return err
		}
		c.WarnParityCheck = b
	default:
		return fmt.Errorf("unrecognized configuration key %q", key)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PB_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("PB_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("PB_CONFIG_PATH"); v != "" {
		c.ConfigPath = v
	}
	if v := os.Getenv("PB_MNT_BASE"); v != "" {
		c.MountBase = v
	}
}

func splitCommaList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseYesNo(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "yes", "true", "1":
		return true, nil
	case "no", "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("expected yes/no, got %q", value)
	}
}
