package cmd

// Lighthouse Root Command - Main Entry Point
//
// Two long-running processes and a handful of operator tools share this
// binary:
//
//   lighthouse scan     - probe random public addresses, publish signed events
//   lighthouse ingest   - verify, dedup, enrich, score and index published events
//   lighthouse serve    - read-only query API over the index
//   lighthouse keygen   - create a scanner signing key
//   lighthouse sign     - sign a payload file
//   lighthouse verify   - check a payload against the key registry
//   lighthouse rules    - validate a CVE rule file
//   lighthouse token    - issue an API bearer token
//
// Configuration comes from flags, LIGHTHOUSE_* environment variables, the
// legacy variable names of the deployment (OPENSEARCH_HOST, GEOIP_DB_PATH,
// ...) and an optional YAML file passed with --config.

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/config"
	"github.com/CodeMonkeyCybersecurity/lighthouse/internal/logger"
)

var (
	cfg     *config.Config
	log     *logger.Logger
	cfgFile string

	// defaults seeds flag defaults. A bound flag that is never set still
	// reaches viper with its default value, so it must match the config
	// default.
	defaults = config.DefaultConfig()
)

var rootCmd = &cobra.Command{
	Use:   "lighthouse",
	Short: "Internet-wide asset discovery and intelligence",
	Long: `Lighthouse - Internet Asset Intelligence

Scans the public IPv4 space, publishes signed observations to an object
store, and runs them through a verify/enrich/score pipeline into a
searchable index.

COMMANDS:
  Pipeline:
    lighthouse scan              - Run the scanner (publish or direct mode)
    lighthouse ingest            - Run the ingestion pipeline
    lighthouse serve             - Start the query API

  Keys and rules:
    lighthouse keygen            - Generate an Ed25519 signing key
    lighthouse sign <file>       - Write <file>.sig for a payload
    lighthouse verify <file>     - Verify a payload against the registry
    lighthouse rules [file]      - Validate a CVE rule file
    lighthouse token <user>      - Issue an API bearer token`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "version" {
			return nil
		}

		if err := initConfig(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		log, err = logger.New(cfg.Logger)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			// Sync on stdout/stderr returns EINVAL on Linux.
			if err := log.Sync(); err != nil && !strings.Contains(err.Error(), "invalid argument") {
				fmt.Fprintf(os.Stderr, "Warning: failed to sync logger: %v\n", err)
			}
		}
	},
}

func Execute() error {
	return rootCmd.Execute()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), logger.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "YAML config file")

	// Logging configuration
	rootCmd.PersistentFlags().String("log-level", defaults.Logger.Level, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", defaults.Logger.Format, "log format (json, console)")
	viper.BindPFlag("logger.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logger.format", rootCmd.PersistentFlags().Lookup("log-format"))

	// Database configuration
	rootCmd.PersistentFlags().String("db-dsn", defaults.Database.DSN, "PostgreSQL connection string (archive and outcome audit)")
	viper.BindPFlag("database.dsn", rootCmd.PersistentFlags().Lookup("db-dsn"))

	// Redis configuration
	rootCmd.PersistentFlags().String("redis-addr", defaults.Redis.Addr, "Redis server address")
	viper.BindPFlag("redis.addr", rootCmd.PersistentFlags().Lookup("redis-addr"))

	bindEnv(viper.GetViper())
}

// bindEnv maps the explicit LIGHTHOUSE_* names and the legacy deployment
// variables onto config keys. Everything else is reachable through
// AutomaticEnv as LIGHTHOUSE_<SECTION>_<KEY>.
func bindEnv(v *viper.Viper) {
	v.BindEnv("database.dsn", "LIGHTHOUSE_DATABASE_DSN", "DATABASE_URL")
	v.BindEnv("redis.addr", "LIGHTHOUSE_REDIS_ADDR", "REDIS_ADDR")
	v.BindEnv("redis.password", "LIGHTHOUSE_REDIS_PASSWORD", "REDIS_PASSWORD")

	// Object store
	v.BindEnv("object_store.endpoint", "LIGHTHOUSE_OBJECT_STORE_ENDPOINT", "OBJECT_STORE_ENDPOINT")
	v.BindEnv("object_store.access_key", "LIGHTHOUSE_OBJECT_STORE_ACCESS_KEY", "OBJECT_STORE_ACCESS_KEY")
	v.BindEnv("object_store.secret_key", "LIGHTHOUSE_OBJECT_STORE_SECRET_KEY", "OBJECT_STORE_SECRET_KEY")
	v.BindEnv("object_store.bucket", "LIGHTHOUSE_OBJECT_STORE_BUCKET", "OBJECT_STORE_BUCKET")
	v.BindEnv("object_store.backend", "LIGHTHOUSE_OBJECT_STORE_BACKEND")
	v.BindEnv("object_store.path", "LIGHTHOUSE_OBJECT_STORE_PATH")

	// Search index. OPENSEARCH_HOST and OPENSEARCH_PORT are folded into
	// index.addresses by loadConfig.
	v.BindEnv("index.host", "OPENSEARCH_HOST")
	v.BindEnv("index.port", "OPENSEARCH_PORT")
	v.BindEnv("index.username", "LIGHTHOUSE_INDEX_USERNAME", "OPENSEARCH_USER")
	v.BindEnv("index.password", "LIGHTHOUSE_INDEX_PASSWORD", "OPENSEARCH_PASSWORD")
	v.BindEnv("index.index_prefix", "LIGHTHOUSE_INDEX_PREFIX", "OPENSEARCH_INDEX_PREFIX")
	v.BindEnv("index.backend", "LIGHTHOUSE_INDEX_BACKEND")

	// Ingest
	v.BindEnv("ingest.public_keys_path", "LIGHTHOUSE_PUBLIC_KEYS_PATH", "PUBLIC_KEYS_PATH")
	v.BindEnv("ingest.geoip_db_path", "LIGHTHOUSE_GEOIP_DB_PATH", "GEOIP_DB_PATH")
	v.BindEnv("ingest.cve_rules_path", "LIGHTHOUSE_CVE_RULES_PATH", "CVE_RULES_PATH")
	v.BindEnv("ingest.archive_path", "LIGHTHOUSE_ARCHIVE_PATH", "ARCHIVE_PATH")

	// Scanner. SCAN_TIMEOUT is float seconds and converted by loadConfig.
	v.BindEnv("scanner.rate", "LIGHTHOUSE_SCAN_RATE", "SCAN_RATE")
	v.BindEnv("scanner.timeout_seconds", "SCAN_TIMEOUT")
	v.BindEnv("scanner.source_id", "LIGHTHOUSE_SOURCE_ID", "SOURCE_ID")
	v.BindEnv("scanner.signing_key_path", "LIGHTHOUSE_SIGNING_KEY_PATH", "PRIVATE_KEY_PATH")

	// Security
	v.BindEnv("security.jwt_secret", "LIGHTHOUSE_JWT_SECRET", "JWT_SECRET_KEY")
	v.BindEnv("security.enable_auth", "LIGHTHOUSE_ENABLE_AUTH")

	// Telemetry
	v.BindEnv("telemetry.enabled", "LIGHTHOUSE_TELEMETRY_ENABLED")
	v.BindEnv("telemetry.exporter_type", "LIGHTHOUSE_TELEMETRY_EXPORTER")
	v.BindEnv("telemetry.endpoint", "LIGHTHOUSE_TELEMETRY_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func initConfig() error {
	v := viper.GetViper()
	v.SetEnvPrefix("LIGHTHOUSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file %s: %w", cfgFile, err)
		}
	}

	loaded, err := loadConfig(v)
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}

// loadConfig decodes v over DefaultConfig so unset keys keep their
// defaults, then validates the result.
func loadConfig(v *viper.Viper) (*config.Config, error) {
	c := config.DefaultConfig()
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if host := v.GetString("index.host"); host != "" {
		port := v.GetString("index.port")
		if port == "" {
			port = "9200"
		}
		c.Index.Addresses = []string{"https://" + net.JoinHostPort(host, port)}
	}

	// SCAN_TIMEOUT is float seconds ("2.0"), not a Go duration.
	if s := v.GetString("scanner.timeout_seconds"); s != "" {
		secs, err := cast.ToFloat64E(s)
		if err != nil {
			return nil, fmt.Errorf("invalid SCAN_TIMEOUT %q: %w", s, err)
		}
		c.Scanner.ConnectTimeout = time.Duration(secs * float64(time.Second))
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func GetConfig() *config.Config {
	return cfg
}

func GetLogger() *logger.Logger {
	return log
}
