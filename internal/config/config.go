package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Engine struct {
		MaxConcurrent        int
		AutoStart            bool
		MultiSourceThreshold int64
		MaxPeers             int
		SnapshotMaxAgeHours  int
		StagingDir           string
	}
	Settlement struct {
		BytesPerCredit int64
	}
	Network struct {
		// Mode selects the transport suite: "sim" or "swarm".
		Mode           string
		DataDir        string
		BytesPerSecond int64
	}
	Store struct {
		// Root of the local content store used for the fast path.
		Root string
	}
	Archive struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		JWTSecret        string
		RegisterPassword string
		TokenTTLMinutes  int
	}
}

// Load reads configuration from environment variables and optional config files.
func Load() (Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetEnvPrefix("PEERFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/peerfetch.db")
	v.SetDefault("engine.maxconcurrent", 3)
	v.SetDefault("engine.autostart", true)
	v.SetDefault("engine.multisourcethreshold", int64(8<<20))
	v.SetDefault("engine.maxpeers", 4)
	v.SetDefault("engine.snapshotmaxagehours", 24)
	v.SetDefault("engine.stagingdir", "data/staging")
	v.SetDefault("settlement.bytespercredit", int64(1<<20))
	v.SetDefault("network.mode", "sim")
	v.SetDefault("network.datadir", "data/swarm")
	v.SetDefault("network.bytespersecond", int64(4<<20))
	v.SetDefault("store.root", "data/store")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.keyprefix", "peerfetch")
	v.SetDefault("archive.region", "us-east-1")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("aws.profile", "")
	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.registerpassword", "")
	v.SetDefault("auth.tokenttlminutes", 720)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	_ = v.ReadInConfig() // optional file

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
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
