package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pbalanced.conf")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := Default()
	want.ConfigPath = cfg.ConfigPath
	if cfg.Port != want.Port || cfg.ScanThreads != want.ScanThreads ||
		cfg.SliderAlpha != want.SliderAlpha || cfg.MaxTolerance != want.MaxTolerance ||
		cfg.MinFreeHeadroom != want.MinFreeHeadroom || cfg.WarnParityCheck != want.WarnParityCheck ||
		cfg.DBPath != want.DBPath || len(cfg.ExcludedDisks) != 0 {
		t.Fatalf("Load() = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadParsesRecognizedKeys(t *testing.T) {
	path := writeConfig(t, `
# comment line
PORT=9090
SCAN_THREADS=4
SLIDER_ALPHA=0.25
MAX_TOLERANCE=0.2
MIN_FREE_HEADROOM=2147483648
EXCLUDED_DISKS=disk3, disk7
WARN_PARITY_CHECK=no
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.ScanThreads != 4 {
		t.Errorf("ScanThreads = %d, want 4", cfg.ScanThreads)
	}
	if cfg.SliderAlpha != 0.25 {
		t.Errorf("SliderAlpha = %v, want 0.25", cfg.SliderAlpha)
	}
	if cfg.MaxTolerance != 0.2 {
		t.Errorf("MaxTolerance = %v, want 0.2", cfg.MaxTolerance)
	}
	if cfg.MinFreeHeadroom != 2147483648 {
		t.Errorf("MinFreeHeadroom = %d, want 2147483648", cfg.MinFreeHeadroom)
	}
	if len(cfg.ExcludedDisks) != 2 || cfg.ExcludedDisks[0] != "disk3" || cfg.ExcludedDisks[1] != "disk7" {
		t.Errorf("ExcludedDisks = %v, want [disk3 disk7]", cfg.ExcludedDisks)
	}
	if cfg.WarnParityCheck {
		t.Errorf("WarnParityCheck = true, want false")
	}
}

func TestLoadRejectsUnrecognizedKey(t *testing.T) {
	path := writeConfig(t, "NOT_A_REAL_KEY=1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() error = nil, want error for unrecognized key")
	}
}

func TestLoadRejectsMalformedLine(t *testing.T) {
	path := writeConfig(t, "THIS_HAS_NO_EQUALS_SIGN\n")
	if _, err := Load(path); err == nil {
		t.Fatal("Load() error = nil, want error for malformed line")
	}
}

func TestEnvOverridesFileAndDefaults(t *testing.T) {
	path := writeConfig(t, "PORT=9090\n")

	t.Setenv("PB_PORT", "7000")
	t.Setenv("PB_DB_PATH", "/tmp/custom/catalog.db")
	t.Setenv("PB_CONFIG_PATH", "/tmp/custom/pbalanced.conf")
	t.Setenv("PB_MNT_BASE", "/mnt/array")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != 7000 {
		t.Errorf("Port = %d, want 7000 (env override)", cfg.Port)
	}
	if cfg.DBPath != "/tmp/custom/catalog.db" {
		t.Errorf("DBPath = %q, want env override", cfg.DBPath)
	}
	if cfg.MountBase != "/mnt/array" {
		t.Errorf("MountBase = %q, want env override", cfg.MountBase)
	}
}

func TestSplitCommaListTrimsAndDropsEmpties(t *testing.T) {
	got := splitCommaList(" disk1 ,, disk2 ")
	if len(got) != 2 || got[0] != "disk1" || got[1] != "disk2" {
		t.Fatalf("splitCommaList() = %v, want [disk1 disk2]", got)
	}
}
