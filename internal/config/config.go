// Package config loads process configuration and the ingestion Policy
// table from environment variables, an optional YAML file, and built-in
// defaults — grounded on the teacher's getEnv fallback idiom for process
// settings, extended with spf13/viper (per
// celestiaorg-popsigner/control-plane/internal/config/config.go) for the
// larger, structured Policy block from spec §6.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zynqcloud/archivecas/internal/security"
)

// Config holds all runtime configuration for the ingestion service.
type Config struct {
	Port                  string
	WorkspaceDir          string
	ServiceToken          string
	MaxWorkers            int   // TaskCoordinator concurrency (spec §4.8)
	MaxConcurrentSubmits  int   // HTTP-level SubmitLimiter slot count (spec §4.10)
	MinFreeBytes          int64 // readiness probe disk-space floor
	Policy                security.Policy
}

// Load reads process settings from the environment (teacher idiom) and the
// Policy table from viper-managed YAML + env, merged over spec §6 defaults.
func Load() (*Config, error) {
	policy, err := loadPolicy()
	if err != nil {
		return nil, err
	}

	return &Config{
		Port:                 getEnv("ARCHIVECAS_PORT", "8080"),
		WorkspaceDir:         getEnv("ARCHIVECAS_WORKSPACE_DIR", "/data/workspaces"),
		ServiceToken:         getEnv("ARCHIVECAS_SERVICE_TOKEN", ""),
		MaxWorkers:           getEnvInt("ARCHIVECAS_MAX_WORKERS", 4),
		MaxConcurrentSubmits: getEnvInt("ARCHIVECAS_MAX_CONCURRENT_SUBMITS", 256),
		MinFreeBytes:         int64(getEnvInt("ARCHIVECAS_MIN_FREE_MB", 512)) << 20,
		Policy:               policy,
	}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return fallback
	}
	return n
}

// loadPolicy reads policy.yaml (optional) plus ARCHIVECAS_POLICY_*
// environment overrides into a security.Policy, starting from spec §6's
// defaults.
func loadPolicy() (security.Policy, error) {
	v := viper.New()
	v.SetConfigName("policy")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/archivecas")

	v.SetEnvPrefix("ARCHIVECAS_POLICY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := security.DefaultPolicy()
	v.SetDefault("max_depth", defaults.MaxDepth)
	v.SetDefault("max_file_size", defaults.MaxFileSize)
	v.SetDefault("max_total_size", defaults.MaxTotalSize)
	v.SetDefault("max_file_count", defaults.MaxFileCount)
	v.SetDefault("ratio_limit", defaults.RatioLimit)
	v.SetDefault("archive_ratio_limit", defaults.ArchiveRatioLimit)
	v.SetDefault("risk_limit", defaults.RiskLimit)
	v.SetDefault("entry_limit", defaults.EntryLimit)
	v.SetDefault("reject_symlinks", defaults.RejectSymlinks)
	v.SetDefault("reject_encrypted", defaults.RejectEncrypted)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return security.Policy{}, fmt.Errorf("config: read policy file: %w", err)
		}
	}

	return security.Policy{
		MaxDepth:          v.GetInt("max_depth"),
		MaxFileSize:       v.GetInt64("max_file_size"),
		MaxTotalSize:      v.GetInt64("max_total_size"),
		MaxFileCount:      v.GetInt("max_file_count"),
		RatioLimit:        v.GetFloat64("ratio_limit"),
		ArchiveRatioLimit: v.GetFloat64("archive_ratio_limit"),
		RiskLimit:         v.GetFloat64("risk_limit"),
		EntryLimit:        v.GetInt("entry_limit"),
		RejectSymlinks:    v.GetBool("reject_symlinks"),
		RejectEncrypted:   v.GetBool("reject_encrypted"),
	}, nil
}

// PollCheckpointInterval is how often the server's readiness loop checks
// disk stats; kept as a named constant (not policy-configurable) since it's
// an operational knob, not an ingestion-semantics one.
const PollCheckpointInterval = 30 * time.Second
