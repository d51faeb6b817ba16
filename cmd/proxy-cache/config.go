package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/always-cache/proxy-cache/cache"
	"github.com/always-cache/proxy-cache/pkg/origin"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the structure of the config file.
// Every key can also be set as PROXY_CACHE_<SECTION>_<KEY> in the environment.
type Config struct {
	Listen ListenConfig `mapstructure:"listen" yaml:"listen"`
	Cache  CacheConfig  `mapstructure:"cache" yaml:"cache"`
	Origin OriginConfig `mapstructure:"origin" yaml:"origin"`
	Admin  AdminConfig  `mapstructure:"admin" yaml:"admin"`
	Log    LogConfig    `mapstructure:"log" yaml:"log"`
}

type ListenConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
	// Upper bound of concurrently served connections, unlimited if zero.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections"`
}

type CacheConfig struct {
	// One of file, sqlite, leveldb, memory.
	Provider string `mapstructure:"provider" yaml:"provider"`
	// Root directory of the file provider, database location otherwise.
	Dir               string `mapstructure:"dir" yaml:"dir"`
	UnevaluableAsMiss bool   `mapstructure:"unevaluable_as_miss" yaml:"unevaluable_as_miss"`
}

type OriginConfig struct {
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
	Port       int `mapstructure:"port" yaml:"port"`
}

type AdminConfig struct {
	// Listen address of the admin API, disabled if empty.
	Address string `mapstructure:"address" yaml:"address"`
}

type LogConfig struct {
	File  string `mapstructure:"file" yaml:"file"`
	Trace bool   `mapstructure:"trace" yaml:"trace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen.host", "")
	v.SetDefault("listen.port", 0)
	v.SetDefault("listen.max_connections", 0)
	v.SetDefault("cache.provider", "file")
	v.SetDefault("cache.dir", ".")
	v.SetDefault("cache.unevaluable_as_miss", false)
	v.SetDefault("origin.buffer_size", origin.DefaultBufferSize)
	v.SetDefault("origin.port", origin.DefaultPort)
	v.SetDefault("admin.address", "")
	v.SetDefault("log.file", "")
	v.SetDefault("log.trace", false)
}

func newFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("proxy-cache", pflag.ContinueOnError)
	flagSet.String("config", "", "Path of a YAML config file")
	flagSet.String("provider", "file", "Cache provider: file, sqlite, leveldb or memory")
	flagSet.String("cache-dir", ".", "Cache directory (file and leveldb) or database file (sqlite)")
	flagSet.String("admin", "", "Listen address of the admin API (disabled if empty)")
	flagSet.Int("buffer-size", origin.DefaultBufferSize, "Maximum bytes read from a client or an origin")
	flagSet.Int("origin-port", origin.DefaultPort, "TCP port of origin servers")
	flagSet.Int("max-connections", 0, "Maximum concurrent client connections (0 for unlimited)")
	flagSet.Bool("unevaluable-as-miss", false, "Fetch from origin when a cached response has no usable Date or max-age")
	flagSet.String("log-file", "", "Log file to use (in addition to stdout)")
	flagSet.Bool("vv", false, "Verbosity: trace logging")
	flagSet.Bool("print-config", false, "Print the effective config as YAML and exit")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <bind-host> <bind-port>\n", filepath.Base(os.Args[0]))
		flagSet.PrintDefaults()
	}
	return flagSet
}

var flagKeys = map[string]string{
	"provider":            "cache.provider",
	"cache-dir":           "cache.dir",
	"admin":               "admin.address",
	"buffer-size":         "origin.buffer_size",
	"origin-port":         "origin.port",
	"max-connections":     "listen.max_connections",
	"unevaluable-as-miss": "cache.unevaluable_as_miss",
	"log-file":            "log.file",
	"vv":                  "log.trace",
}

// loadConfig merges defaults, the config file, the environment, flags and
// the positional bind address, in increasing order of precedence.
func loadConfig(args []string) (Config, *pflag.FlagSet, error) {
	var config Config
	flagSet := newFlagSet()
	if err := flagSet.Parse(args); err != nil {
		return config, flagSet, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("proxy_cache")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath, _ := flagSet.GetString("config"); configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return config, flagSet, errors.Wrapf(err, "read config %s", configPath)
		}
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flagSet.Lookup(name)); err != nil {
			return config, flagSet, errors.Wrapf(err, "bind flag %s", name)
		}
	}

	switch positional := flagSet.Args(); len(positional) {
	case 0:
	case 2:
		port, err := strconv.Atoi(positional[1])
		if err != nil {
			return config, flagSet, errors.Wrapf(err, "invalid port %q", positional[1])
		}
		v.Set("listen.host", positional[0])
		v.Set("listen.port", port)
	default:
		return config, flagSet, errors.New("expected <bind-host> <bind-port>")
	}

	if err := v.Unmarshal(&config); err != nil {
		return config, flagSet, errors.Wrap(err, "unmarshal config")
	}
	return config, flagSet, nil
}

func printConfig(w io.Writer, config Config) error {
	encoder := yaml.NewEncoder(w)
	defer encoder.Close()
	return encoder.Encode(config)
}

// openCache creates the configured cache provider.
func openCache(config CacheConfig) (cache.CacheProvider, error) {
	switch config.Provider {
	case "file", "":
		return cache.NewFileCache(config.Dir)
	case "sqlite":
		filename := config.Dir
		if filename == "memory" {
			filename = ""
		} else if info, err := os.Stat(filename); err == nil && info.IsDir() {
			filename = filepath.Join(filename, "cache.db")
		}
		return cache.NewSQLiteCache(filename)
	case "leveldb":
		return cache.NewLevelDBCache(config.Dir)
	case "memory":
		return cache.NewMemCache(), nil
	default:
		return nil, errors.Errorf("unknown cache provider %q", config.Provider)
	}
}
