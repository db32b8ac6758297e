package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "no-such.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.SilenceThresholdDb != -40 {
		t.Errorf("SilenceThresholdDb = %v; want -40", cfg.SilenceThresholdDb)
	}
	if cfg.MinSilenceMs != 2000 {
		t.Errorf("MinSilenceMs = %d; want 2000", cfg.MinSilenceMs)
	}
	if cfg.MinVoiceRatio != 0.05 {
		t.Errorf("MinVoiceRatio = %v; want 0.05", cfg.MinVoiceRatio)
	}
	if cfg.ParallelUploads != 5 {
		t.Errorf("ParallelUploads = %d; want 5", cfg.ParallelUploads)
	}
	if cfg.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d; want 3", cfg.RetryAttempts)
	}
	if cfg.TargetBitrate != "64k" {
		t.Errorf("TargetBitrate = %q; want 64k", cfg.TargetBitrate)
	}
	if !*cfg.PreserveFolderStructure {
		t.Error("PreserveFolderStructure should default to true")
	}
	if !*cfg.UseLedger {
		t.Error("UseLedger should default to true")
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	content := `{
		"silence_threshold_db": -35,
		"min_silence_ms": 1500,
		"parallel_uploads": 2,
		"target_sample_rate": 22050,
		"preserve_folder_structure": false,
		"base_dir": "/data/audio"
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.SilenceThresholdDb != -35 {
		t.Errorf("SilenceThresholdDb = %v; want -35", cfg.SilenceThresholdDb)
	}
	if cfg.MinSilenceMs != 1500 {
		t.Errorf("MinSilenceMs = %d; want 1500", cfg.MinSilenceMs)
	}
	if cfg.ParallelUploads != 2 {
		t.Errorf("ParallelUploads = %d; want 2", cfg.ParallelUploads)
	}
	if cfg.TargetSampleRate != 22050 {
		t.Errorf("TargetSampleRate = %d; want 22050", cfg.TargetSampleRate)
	}
	if *cfg.PreserveFolderStructure {
		t.Error("PreserveFolderStructure should be false when set in file")
	}
	// Unset keys keep defaults.
	if cfg.RetryAttempts != 3 {
		t.Errorf("RetryAttempts = %d; want default 3", cfg.RetryAttempts)
	}
	// Dependent paths follow the overridden base dir.
	if cfg.LedgerPath != filepath.Join("/data/audio", "sync_history.db") {
		t.Errorf("LedgerPath = %q; want it under base_dir", cfg.LedgerPath)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for malformed config")
	}
}
