package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Overrides carries CLI-pinned upload parameters. A zero value means the
// parameter is unpinned and the adaptive strategy may adjust it.
type Overrides struct {
	UploadConcurrency int
	UploadTimeoutSecs int
}

// Config holds runtime configuration.
type Config struct {
	BaseURL      string // remote indexing API base URL
	Token        string
	HTTPAddr     string // management/health listener; empty disables it
	HTTPToken    string // optional token for management endpoints
	DataDir      string // data directory (~/.acetool/data)
	SettingsPath string // settings file (~/.acetool/settings.toml)
	LogLevel     string // debug|info|warn|error

	MaxLinesPerBlob      int
	MaxFileBytes         int // files larger than this are skipped
	MaxBatchBytes        int // byte ceiling for one upload batch
	RetrievalTimeoutSecs int

	NoAdaptive   bool
	DisableWatch bool // skip starting file watchers after sync
	Overrides    Overrides

	TextExtensions  []string
	TextFilenames   []string
	ExcludePatterns []string
}

const (
	defaultMaxLinesPerBlob = 800
	defaultMaxFileBytes    = 500 * 1024
	defaultMaxBatchBytes   = 5 * 1024 * 1024
	defaultRetrievalSecs   = 60
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("HTTP_ADDR", "")
	v.SetDefault("HTTP_TOKEN", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MAX_LINES_PER_BLOB", defaultMaxLinesPerBlob)
	v.SetDefault("MAX_FILE_BYTES", defaultMaxFileBytes)
	v.SetDefault("MAX_BATCH_BYTES", defaultMaxBatchBytes)
	v.SetDefault("RETRIEVAL_TIMEOUT", defaultRetrievalSecs)
	v.SetDefault("BASE_URL", "")
	v.SetDefault("TOKEN", "")
	v.SetDefault("TEXT_EXTENSIONS", defaultTextExtensions)
	v.SetDefault("TEXT_FILENAMES", defaultTextFilenames)
	v.SetDefault("EXCLUDE_PATTERNS", defaultExcludePatterns)
}

// Load reads config from ~/.acetool/settings.toml and applies defaults.
// A missing settings file is not an error.
func Load(dataDirOverride string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("user home: %w", err)
	}

	settingsPath := filepath.Join(home, ".acetool", "settings.toml")
	dataDir := filepath.Join(home, ".acetool", "data")
	if dataDirOverride != "" {
		dataDir = dataDirOverride
	}

	v := viper.New()
	v.SetConfigFile(settingsPath)
	v.SetConfigType("toml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		BaseURL:              v.GetString("BASE_URL"),
		Token:                v.GetString("TOKEN"),
		HTTPAddr:             v.GetString("HTTP_ADDR"),
		HTTPToken:            v.GetString("HTTP_TOKEN"),
		DataDir:              dataDir,
		SettingsPath:         settingsPath,
		LogLevel:             v.GetString("LOG_LEVEL"),
		MaxLinesPerBlob:      v.GetInt("MAX_LINES_PER_BLOB"),
		MaxFileBytes:         v.GetInt("MAX_FILE_BYTES"),
		MaxBatchBytes:        v.GetInt("MAX_BATCH_BYTES"),
		RetrievalTimeoutSecs: v.GetInt("RETRIEVAL_TIMEOUT"),
		TextExtensions:       v.GetStringSlice("TEXT_EXTENSIONS"),
		TextFilenames:        v.GetStringSlice("TEXT_FILENAMES"),
		ExcludePatterns:      v.GetStringSlice("EXCLUDE_PATTERNS"),
	}
	return cfg, nil
}

// Normalize validates required fields and canonicalizes the base URL:
// plain http is rewritten to https, trailing slashes are stripped.
func (c *Config) Normalize() error {
	u := strings.TrimSpace(c.BaseURL)
	if rest, ok := strings.CutPrefix(u, "http://"); ok {
		u = "https://" + rest
	} else if !strings.HasPrefix(u, "https://") && u != "" {
		u = "https://" + u
	}
	u = strings.TrimRight(u, "/")
	if u == "" {
		return fmt.Errorf("base_url cannot be empty")
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("token cannot be empty")
	}
	c.BaseURL = u
	if c.MaxLinesPerBlob <= 0 {
		c.MaxLinesPerBlob = defaultMaxLinesPerBlob
	}
	if c.MaxFileBytes <= 0 {
		c.MaxFileBytes = defaultMaxFileBytes
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = defaultMaxBatchBytes
	}
	if c.RetrievalTimeoutSecs <= 0 {
		c.RetrievalTimeoutSecs = defaultRetrievalSecs
	}
	return nil
}

// RetrievalTimeout returns the search request deadline.
func (c *Config) RetrievalTimeout() time.Duration {
	return time.Duration(c.RetrievalTimeoutSecs) * time.Second
}

// UploadStrategy is the project-scale heuristic: the warmup jump target under
// adaptive mode, or the fixed parameters under --no-adaptive.
type UploadStrategy struct {
	BatchSize   int
	Concurrency int
	Timeout     time.Duration
	ScaleName   string
}

// StrategyForBlobCount keys the heuristic by the number of blobs to upload.
func StrategyForBlobCount(n int) UploadStrategy {
	switch {
	case n < 100:
		return UploadStrategy{BatchSize: 10, Concurrency: 1, Timeout: 30 * time.Second, ScaleName: "small"}
	case n < 500:
		return UploadStrategy{BatchSize: 30, Concurrency: 2, Timeout: 45 * time.Second, ScaleName: "medium"}
	case n < 2000:
		return UploadStrategy{BatchSize: 50, Concurrency: 3, Timeout: 60 * time.Second, ScaleName: "large"}
	default:
		return UploadStrategy{BatchSize: 70, Concurrency: 4, Timeout: 90 * time.Second, ScaleName: "xlarge"}
	}
}

var defaultTextExtensions = []string{
	".py", ".js", ".ts", ".jsx", ".tsx", ".mjs", ".cjs",
	".java", ".go", ".rs", ".cpp", ".c", ".cc", ".h", ".hpp",
	".cs", ".rb", ".php", ".swift", ".kt", ".kts", ".scala",
	".lua", ".dart", ".pl", ".r", ".jl", ".ex", ".exs", ".erl", ".hs", ".zig",
	".md", ".mdx", ".txt", ".json", ".yaml", ".yml", ".toml", ".xml",
	".ini", ".conf", ".cfg", ".properties",
	".html", ".htm", ".css", ".scss", ".sass", ".less", ".vue", ".svelte",
	".sql", ".sh", ".bash", ".zsh", ".fish", ".ps1", ".bat", ".cmd",
	".graphql", ".gql", ".proto",
}

var defaultTextFilenames = []string{
	"Makefile", "Dockerfile", "Rakefile", "Gemfile", "Procfile",
	"CMakeLists.txt", "go.mod", "go.sum", "LICENSE", "README",
}

var defaultExcludePatterns = []string{
	".git", "node_modules", "vendor", ".venv", "venv", "__pycache__",
	"dist", "build", "target", ".idea", ".vscode", ".acetool",
}
