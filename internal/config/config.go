package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Log struct {
		Level string
	}
	Database struct {
		Path string
	}
	Download struct {
		Dir            string
		MaxConcurrent  int
		StatusInterval time.Duration
		Aria2Path      string
		MinSplitSize   string
		MaxRetries     int
		RetryBaseDelay time.Duration
		RetryMaxDelay  time.Duration
		// DownloadLimit and UploadLimit are size strings such as "2MiB", empty
		// for unlimited.
		DownloadLimit string
		UploadLimit   string
		DiskMargin    string
		StopGrace     time.Duration
		// StallTimeout abandons an attempt with no byte growth; negative
		// disables it.
		StallTimeout time.Duration
		MaxTries     int
		AutoResume   bool
	}
	Probe struct {
		Timeout time.Duration
	}
	Fetch struct {
		Timeout          time.Duration
		UserAgent        string
		MaxRedirects     int
		OptimisticAccept bool
	}
	Speed struct {
		GraceWindow   time.Duration
		MinResolution time.Duration
		HoldWindow    time.Duration
	}
	Process struct {
		SweepInterval time.Duration
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
		Archive   bool
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		JWTSecret    string
		PasswordHash string
		TokenTTL     time.Duration
	}
}

// Load reads configuration from environment variables and optional config
// files. A non-empty path names the config file explicitly.
func Load(path string) (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("SEGMENTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		_ = v.ReadInConfig() // optional file
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.Download.MaxConcurrent < 1 {
		return Config{}, fmt.Errorf("download.maxconcurrent must be at least 1, got %d", cfg.Download.MaxConcurrent)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "127.0.0.1:8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.path", "data/segmentd.db")

	v.SetDefault("download.dir", "data/downloads")
	v.SetDefault("download.maxconcurrent", 3)
	v.SetDefault("download.statusinterval", time.Second)
	v.SetDefault("download.aria2path", "aria2c")
	v.SetDefault("download.minsplitsize", "1M")
	v.SetDefault("download.maxretries", 3)
	v.SetDefault("download.retrybasedelay", time.Second)
	v.SetDefault("download.retrymaxdelay", 30*time.Second)
	v.SetDefault("download.downloadlimit", "")
	v.SetDefault("download.uploadlimit", "")
	v.SetDefault("download.diskmargin", "100MiB")
	v.SetDefault("download.stopgrace", time.Second)
	v.SetDefault("download.stalltimeout", time.Minute)
	v.SetDefault("download.maxtries", 5)
	v.SetDefault("download.autoresume", true)

	v.SetDefault("probe.timeout", 10*time.Second)

	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.useragent", "segmentd/1.0")
	v.SetDefault("fetch.maxredirects", 10)
	v.SetDefault("fetch.optimisticaccept", true)

	v.SetDefault("speed.gracewindow", 500*time.Millisecond)
	v.SetDefault("speed.minresolution", 100*time.Millisecond)
	v.SetDefault("speed.holdwindow", 5*time.Second)

	v.SetDefault("process.sweepinterval", 30*time.Second)

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "segmentd")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.archive", false)
	v.SetDefault("aws.profile", "")

	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.passwordhash", "")
	v.SetDefault("auth.tokenttl", 24*time.Hour)
}

func loadDotEnv() {
	file, err := os.Open(".env")
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

		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if _, exists := os.LookupEnv(key); !exists {
			_ = os.Setenv(key, value)
		}
	}
}
