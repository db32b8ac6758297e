package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Config is the flat settings structure read once at startup. Missing keys
// fall back to the documented defaults.
type Config struct {
	// Source discovery
	SourceIdentifier string   `json:"source_identifier"`
	MountRoot        string   `json:"mount_root"`
	AudioExtensions  []string `json:"audio_extensions"`
	ExcludeFolders   []string `json:"exclude_folders"`

	// Local staging
	BaseDir       string `json:"base_dir"`
	RetentionDays int    `json:"retention_days"`
	VerifyCopy    *bool  `json:"verify_copy"`

	// Audio processing
	SilenceThresholdDb float64 `json:"silence_threshold_db"`
	MinSilenceMs       int     `json:"min_silence_ms"`
	MarginMs           int     `json:"margin_ms"`
	MinVoiceRatio      float64 `json:"min_voice_ratio"` // 0 disables the gate
	TargetSampleRate   int     `json:"target_sample_rate"`
	TargetBitrate      string  `json:"target_bitrate"`
	TargetLoudnessDb   float64 `json:"target_loudness_db"`
	ProcessWorkers     int     `json:"process_workers"`

	// Remote store
	Endpoint       string `json:"endpoint"`
	Bucket         string `json:"bucket"`
	Folder         string `json:"folder"`
	AccessKey      string `json:"access_key"`
	SecretKey      string `json:"secret_key"`
	UseTLS         *bool  `json:"use_tls"`

	// Upload scheduling
	ParallelUploads         int   `json:"parallel_uploads"`
	RetryAttempts           int   `json:"retry_attempts"`
	MaxFileSizeMb           int64 `json:"max_file_size_mb"`
	PreserveFolderStructure *bool `json:"preserve_folder_structure"`

	// Ledger
	UseLedger           *bool  `json:"use_ledger"`
	LedgerPath          string `json:"ledger_path"`
	LedgerRetentionDays int    `json:"ledger_retention_days"`

	// Logging
	LogFile  string `json:"log_file"`
	LogLevel string `json:"log_level"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	trueVal := true
	return &Config{
		SourceIdentifier: "AUDIO_USB",
		MountRoot:        defaultMountRoot(),
		AudioExtensions:  []string{".mp3", ".wav", ".m4a", ".aac", ".flac", ".ogg"},
		ExcludeFolders: []string{
			".Spotlight-V100", ".Trashes", "System Volume Information", "$RECYCLE.BIN",
		},

		BaseDir:       filepath.Join(home, "AudioBackup"),
		RetentionDays: 30,
		VerifyCopy:    &trueVal,

		SilenceThresholdDb: -40,
		MinSilenceMs:       2000,
		MarginMs:           100,
		MinVoiceRatio:      0.05,
		TargetSampleRate:   16000,
		TargetBitrate:      "64k",
		TargetLoudnessDb:   -20,
		ProcessWorkers:     1,

		ParallelUploads:         5,
		RetryAttempts:           3,
		MaxFileSizeMb:           500,
		PreserveFolderStructure: &trueVal,

		UseLedger:           &trueVal,
		UseTLS:              &trueVal,
		LedgerRetentionDays: 90,

		LogLevel: "info",
	}
}

// Load reads a JSON config file and overlays it on the defaults. A missing
// file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		cfg.normalize()
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.normalize()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

// normalize backfills zero values that JSON overlays may have clobbered with
// explicit empties.
func (c *Config) normalize() {
	d := Default()
	if len(c.AudioExtensions) == 0 {
		c.AudioExtensions = d.AudioExtensions
	}
	if c.ParallelUploads <= 0 {
		c.ParallelUploads = d.ParallelUploads
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.ProcessWorkers <= 0 {
		c.ProcessWorkers = d.ProcessWorkers
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = d.RetentionDays
	}
	if c.LedgerRetentionDays <= 0 {
		c.LedgerRetentionDays = d.LedgerRetentionDays
	}
	if c.MaxFileSizeMb <= 0 {
		c.MaxFileSizeMb = d.MaxFileSizeMb
	}
	if c.TargetSampleRate <= 0 {
		c.TargetSampleRate = d.TargetSampleRate
	}
	if c.MinSilenceMs <= 0 {
		c.MinSilenceMs = d.MinSilenceMs
	}
	if c.TargetBitrate == "" {
		c.TargetBitrate = d.TargetBitrate
	}
	if c.BaseDir == "" {
		c.BaseDir = d.BaseDir
	}
	if c.LedgerPath == "" {
		c.LedgerPath = filepath.Join(c.BaseDir, "sync_history.db")
	}
	if c.LogFile == "" {
		c.LogFile = filepath.Join(c.BaseDir, "logs", "ausync.log")
	}
	if c.VerifyCopy == nil {
		c.VerifyCopy = d.VerifyCopy
	}
	if c.PreserveFolderStructure == nil {
		c.PreserveFolderStructure = d.PreserveFolderStructure
	}
	if c.UseLedger == nil {
		c.UseLedger = d.UseLedger
	}
	if c.UseTLS == nil {
		c.UseTLS = d.UseTLS
	}
}

// MaxFileSizeBytes converts the configured limit to bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return c.MaxFileSizeMb * 1024 * 1024
}

func defaultMountRoot() string {
	candidates := []string{"/media", "/run/media", "/Volumes", "/mnt"}
	for _, dir := range candidates {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
	}
	return "/media"
}
