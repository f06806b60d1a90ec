// Package config loads abiforge settings from /etc/abiforge.conf, a local
// .env file and ABIFORGE_* environment variables, in increasing precedence.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"

	"abiforge/internal/abi"
	"abiforge/internal/buildcfg"
	"abiforge/internal/cache"
	"abiforge/internal/toolchain"
)

const (
	DefaultPath = "/etc/abiforge.conf"
	EnvPrefix   = "ABIFORGE_"
)

// Cache backends.
const (
	BackendDir    = "dir"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

// Config is the typed view of the flat key=value settings.
type Config struct {
	Index        string `mapstructure:"ABIFORGE_INDEX"`
	CacheBackend string `mapstructure:"ABIFORGE_CACHE_BACKEND"`
	CacheDir     string `mapstructure:"ABIFORGE_CACHE_DIR"`
	WorkDir      string `mapstructure:"ABIFORGE_WORK_DIR"`
	Jobs         int    `mapstructure:"ABIFORGE_JOBS"`
	BuildJobs    int    `mapstructure:"ABIFORGE_BUILD_JOBS"`
	BuildType    string `mapstructure:"ABIFORGE_BUILD_TYPE"`
	Prefix       string `mapstructure:"ABIFORGE_PREFIX"`
	Std          string `mapstructure:"ABIFORGE_STD"`
	Target       string `mapstructure:"ABIFORGE_TARGET"`
	LogLevel     string `mapstructure:"ABIFORGE_LOG_LEVEL"`
	Debug        bool   `mapstructure:"ABIFORGE_DEBUG"`
	IdlePriority bool   `mapstructure:"ABIFORGE_IDLE_PRIORITY"`
	MetricsFile  string `mapstructure:"ABIFORGE_METRICS_FILE"`
	LRUSize      int    `mapstructure:"ABIFORGE_CACHE_LRU_SIZE"`

	S3Bucket          string `mapstructure:"ABIFORGE_S3_BUCKET"`
	S3Prefix          string `mapstructure:"ABIFORGE_S3_PREFIX"`
	S3Endpoint        string `mapstructure:"ABIFORGE_S3_ENDPOINT"`
	S3Region          string `mapstructure:"ABIFORGE_S3_REGION"`
	S3AccessKeyID     string `mapstructure:"ABIFORGE_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `mapstructure:"ABIFORGE_S3_SECRET_ACCESS_KEY"`

	SQLitePath string `mapstructure:"ABIFORGE_SQLITE_PATH"`

	CompilerGCC   string `mapstructure:"ABIFORGE_CC_GCC"`
	CompilerClang string `mapstructure:"ABIFORGE_CC_CLANG"`
	CompilerMSVC  string `mapstructure:"ABIFORGE_CC_MSVC"`

	// Values is the merged flat map the struct was decoded from.
	Values map[string]string `mapstructure:"-"`
}

func defaults() map[string]string {
	return map[string]string{
		"ABIFORGE_CACHE_BACKEND":  BackendDir,
		"ABIFORGE_CACHE_DIR":      "/var/cache/abiforge",
		"ABIFORGE_WORK_DIR":       filepath.Join(os.TempDir(), "abiforge"),
		"ABIFORGE_JOBS":           strconv.Itoa(runtime.NumCPU()),
		"ABIFORGE_BUILD_JOBS":     strconv.Itoa(runtime.NumCPU()),
		"ABIFORGE_STD":            "17",
		"ABIFORGE_CACHE_LRU_SIZE": "256",
	}
}

// Load reads the config file at path and applies overrides. A missing file
// is only an error when required is set (an explicit --config).
func Load(path string, required bool) (*Config, error) {
	values := defaults()

	if err := readFile(path, values); err != nil {
		if !errors.Is(err, fs.ErrNotExist) || required {
			return nil, err
		}
	}

	// .env sits between the config file and the real environment
	if env, err := godotenv.Read(".env"); err == nil {
		for k, v := range env {
			if strings.HasPrefix(k, EnvPrefix) {
				values[k] = v
			}
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	mergeEnvOverrides(values)
	return Decode(values)
}

// readFile parses key=value lines. Blank lines and # comments are skipped;
// surrounding quotes are trimmed.
func readFile(path string, values map[string]string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = strings.Trim(strings.TrimSpace(val), `"'`)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	return nil
}

func mergeEnvOverrides(values map[string]string) {
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, EnvPrefix) {
			continue
		}
		if k, v, ok := strings.Cut(env, "="); ok {
			values[k] = v
		}
	}
}

// Decode converts a flat map into a validated Config.
func Decode(values map[string]string) (*Config, error) {
	cfg := &Config{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           cfg,
	})
	if err != nil {
		return nil, err
	}
	if err := dec.Decode(values); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.Values = values
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that can be wrong without failing to decode.
func (c *Config) Validate() error {
	switch c.CacheBackend {
	case BackendDir, BackendSQLite, BackendS3, BackendMemory:
	default:
		return fmt.Errorf("invalid configuration: unknown cache backend %q", c.CacheBackend)
	}
	if c.CacheBackend == BackendS3 && c.S3Bucket == "" {
		return errors.New("invalid configuration: s3 cache backend requires ABIFORGE_S3_BUCKET")
	}
	if _, err := c.StdLevel(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Target != "" {
		if _, err := toolchain.ParseTarget(c.Target); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
	}
	if c.Jobs < 1 {
		c.Jobs = 1
	}
	return nil
}

// StdLevel parses Std; a bare year such as "20" is accepted.
func (c *Config) StdLevel() (abi.Std, error) {
	s := strings.TrimSpace(c.Std)
	if _, err := strconv.Atoi(s); err == nil {
		s = "c++" + s
	}
	return abi.ParseStd(s)
}

// TargetPlatform is the configured target, or the host.
func (c *Config) TargetPlatform() toolchain.Target {
	if t, err := toolchain.ParseTarget(c.Target); err == nil && c.Target != "" {
		return t
	}
	return toolchain.HostTarget()
}

// CompilerOverrides maps families to explicitly configured compiler paths.
func (c *Config) CompilerOverrides() map[toolchain.Family]string {
	out := make(map[toolchain.Family]string)
	for f, p := range map[toolchain.Family]string{
		toolchain.GCC:   c.CompilerGCC,
		toolchain.Clang: c.CompilerClang,
		toolchain.MSVC:  c.CompilerMSVC,
	} {
		if p != "" {
			out[f] = p
		}
	}
	return out
}

func (c *Config) S3() cache.S3Config {
	return cache.S3Config{
		Bucket:          c.S3Bucket,
		Prefix:          c.S3Prefix,
		Endpoint:        c.S3Endpoint,
		Region:          c.S3Region,
		AccessKeyID:     c.S3AccessKeyID,
		SecretAccessKey: c.S3SecretAccessKey,
	}
}

// Request is the root build configuration requested by the settings. An
// unset build type or prefix leaves each package's own default in effect.
func (c *Config) Request() buildcfg.Request {
	return buildcfg.Request{BuildType: c.BuildType, InstallPrefix: c.Prefix, Verbose: c.Debug}
}
