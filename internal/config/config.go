package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Client struct {
		Name string
	}
	Broker struct {
		URL      string
		Password string
		Timeout  time.Duration
	}
	Transfer struct {
		DownloadDir     string
		StagingDir      string
		MaxConcurrent   int
		PollInterval    time.Duration
		ChunkSize       int
		OrphanRetention time.Duration
	}
	Journal struct {
		Path string
	}
	Server struct {
		Addr string
	}
	Log struct {
		Level string
	}
	Mirror struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Brokerd struct {
		Addr            string
		DataDir         string
		JWTSecret       string
		TokenTTLMinutes int
		RegisterSecret  string
		Admins          []string
	}
}

// Load reads configuration from environment variables (prefix GRID) and an
// optional config file in the working directory.
func Load() (Config, error) {
	return load(".")
}

func load(dir string) (Config, error) {
	loadDotEnv(filepath.Join(dir, ".env"))

	v := viper.New()
	v.SetEnvPrefix("GRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("client.name", "")
	v.SetDefault("broker.url", "http://127.0.0.1:9090")
	v.SetDefault("broker.password", "")
	v.SetDefault("broker.timeout", "30s")
	v.SetDefault("transfer.downloaddir", "data/downloads")
	v.SetDefault("transfer.stagingdir", filepath.Join(os.TempDir(), "grid-staging"))
	v.SetDefault("transfer.maxconcurrent", 4)
	v.SetDefault("transfer.pollinterval", "1s")
	v.SetDefault("transfer.chunksize", 8*1024)
	v.SetDefault("transfer.orphanretention", "1h")
	v.SetDefault("journal.path", "data/journal.db")
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("mirror.bucket", "")
	v.SetDefault("mirror.keyprefix", "grid-results")
	v.SetDefault("mirror.region", "us-east-1")
	v.SetDefault("mirror.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("brokerd.addr", "0.0.0.0:9090")
	v.SetDefault("brokerd.datadir", "data/broker")
	v.SetDefault("brokerd.jwtsecret", "")
	v.SetDefault("brokerd.tokenttlminutes", 60)
	v.SetDefault("brokerd.registersecret", "")
	v.SetDefault("brokerd.admins", []string{})

	v.SetConfigName("config")
	v.AddConfigPath(dir)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// env values arrive as one comma separated string
	cfg.Brokerd.Admins = splitList(strings.Join(cfg.Brokerd.Admins, ","))

	return cfg, nil
}

// Validate checks the settings every client command needs.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Client.Name) == "" {
		return errors.New("client.name is required")
	}
	if strings.TrimSpace(c.Broker.URL) == "" {
		return errors.New("broker.url is required")
	}
	if c.Transfer.MaxConcurrent < 0 {
		return fmt.Errorf("transfer.maxconcurrent must not be negative, got %d", c.Transfer.MaxConcurrent)
	}
	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("transfer.chunksize must be positive, got %d", c.Transfer.ChunkSize)
	}
	if c.Transfer.PollInterval <= 0 {
		return fmt.Errorf("transfer.pollinterval must be positive, got %s", c.Transfer.PollInterval)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func loadDotEnv(path string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		partsIndex := strings.Index(line, "=")
		if partsIndex <= 0 {
			continue
		}

		key := strings.TrimSpace(line[:partsIndex])
		value := strings.TrimSpace(line[partsIndex+1:])
		value = strings.Trim(value, `"'`)
		if key == "" {
			continue
		}

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
