package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/airframesio/sheet-archiver/cmd/compressors"
	"github.com/airframesio/sheet-archiver/cmd/destinations"
	"github.com/airframesio/sheet-archiver/cmd/formatters"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const exitCancelled = 130

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/sheet-archiver/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context

	cfgFile            string
	envFile            string
	debug              bool
	logFormat          string
	dryRun             bool
	dbURL              string
	dbHost             string
	dbPort             int
	dbUser             string
	dbPassword         string
	dbName             string
	dbSSLMode          string
	dbStatementTimeout int
	dbMaxRetries       int
	dbRetryDelay       int
	destination        string
	archiveLabel       string
	nameTemplate       string
	shareWith          string
	shareRole          string
	location           string
	credentialsFile    string
	localDir           string
	s3Endpoint         string
	s3Bucket           string
	s3AccessKey        string
	s3SecretKey        string
	s3Region           string
	s3Prefix           string
	outputFormat       string
	compression        string
	compressionLevel   int
	metricsPushURL     string
	collectEndpoint    string
	collectTimeout     time.Duration

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	mutedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	logger *slog.Logger
)

// SetSignalContext stores the signal-aware context created in main()
// This must be called before Execute() to ensure proper signal handling
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// ExitCode maps a command error to the process exit status
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return exitCancelled
	default:
		return 1
	}
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, r.Level.String(), r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// newLogger builds the slog logger for a debug flag and log format
func newLogger(w io.Writer, isDebug bool, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	case "logfmt":
		handler = slog.NewTextHandler(w, opts)
	default: // "text" or anything else
		handler = newTextOnlyHandler(w, opts)
	}
	return slog.New(handler)
}

// initLogger initializes the package logger
func initLogger(isDebug bool, format string) {
	logger = newLogger(os.Stdout, isDebug, format)
}

var rootCmd = &cobra.Command{
	Use:     "sheet-archiver",
	Version: Version,
	Short:   "📦 Archive expired PostgreSQL rows into yearly workbooks",
	Long: titleStyle.Render("Sheet Archiver") + `

Moves rows older than a retention window out of PostgreSQL tables and into
one workbook per calendar year (Google Sheets, a local directory, or S3).
Rows are deleted from the source only after the destination confirmed them.
The collect command feeds the source table from the themeparks live API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, _ []string) {
		// Show help when no subcommand is specified
		_ = cmd.Help()
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive expired rows to yearly workbooks",
	Long:  `Runs every configured archive job once: fetch expired rows oldest first, append them to the workbook of their year, then delete them from the source.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runArchive(commandContext())
	},
}

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect live wait times into the source table",
	Long:  `Fetches live attraction data once and inserts one wait_times row per attraction, unless every main park reports CLOSED.`,
	RunE: func(_ *cobra.Command, _ []string) error {
		return runCollect(commandContext())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether an archive run is in progress",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return printStatus(cmd.OutOrStdout(), StatusFiles{Dir: DefaultStatusDir()})
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func commandContext() context.Context {
	if signalContext != nil {
		return signalContext
	}
	return context.Background()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(archiveCmd)
	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(statusCmd)

	// Persistent flags (available to all subcommands)
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sheet-archiver.yaml)")
	pf.StringVar(&envFile, "env-file", "", "dotenv file to load before reading the environment (default .env if present)")
	pf.BoolVarP(&debug, "debug", "d", false, "enable debug output")
	pf.StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")

	pf.StringVar(&dbURL, "db-url", "", "PostgreSQL connection URL (overrides the discrete db flags)")
	pf.StringVar(&dbHost, "db-host", "localhost", "PostgreSQL host")
	pf.IntVar(&dbPort, "db-port", 5432, "PostgreSQL port")
	pf.StringVar(&dbUser, "db-user", "", "PostgreSQL user")
	pf.StringVar(&dbPassword, "db-password", "", "PostgreSQL password")
	pf.StringVar(&dbName, "db-name", "", "PostgreSQL database name")
	pf.StringVar(&dbSSLMode, "db-sslmode", "disable", "PostgreSQL SSL mode (disable, require, verify-ca, verify-full)")
	pf.IntVar(&dbStatementTimeout, "db-statement-timeout", 300, "PostgreSQL statement timeout in seconds (0 = no timeout)")
	pf.IntVar(&dbMaxRetries, "db-max-retries", 3, "Maximum number of retry attempts when connecting")
	pf.IntVar(&dbRetryDelay, "db-retry-delay", 5, "Delay in seconds between connection attempts")

	// Archive-specific flags
	af := archiveCmd.Flags()
	af.BoolVar(&dryRun, "dry-run", false, "fetch one page per job and show where it would go, without writing or deleting")
	af.StringVar(&destination, "destination", DestinationSheets, "destination backend: sheets, local, s3")
	af.StringVar(&archiveLabel, "label", defaultLabel, "label used in workbook names")
	af.StringVar(&nameTemplate, "name-template", defaultNameTemplate, "workbook name template with placeholders: {label}, {partition}, {YYYY}, {table}")
	af.StringVar(&shareWith, "share-with", "", "email address granted access to newly created workbooks")
	af.StringVar(&shareRole, "share-role", defaultShareRole, "role granted to --share-with: reader, commenter, writer")
	af.StringVar(&location, "location", "", "Drive folder id for new spreadsheets")
	af.StringVar(&credentialsFile, "credentials-file", "", "Google service account key file")
	af.StringVar(&localDir, "local-dir", "", "archive directory for the local destination")

	af.StringVar(&s3Endpoint, "s3-endpoint", "", "S3-compatible endpoint URL")
	af.StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket name")
	af.StringVar(&s3AccessKey, "s3-access-key", "", "S3 access key")
	af.StringVar(&s3SecretKey, "s3-secret-key", "", "S3 secret key")
	af.StringVar(&s3Region, "s3-region", regionAuto, "S3 region")
	af.StringVar(&s3Prefix, "s3-prefix", "", "key prefix for workbooks in the bucket")

	af.StringVar(&outputFormat, "output-format", "csv", "part format for blob destinations: jsonl, csv, parquet")
	af.StringVar(&compression, "compression", "zstd", "part compression for blob destinations: zstd, lz4, gzip, none")
	af.IntVar(&compressionLevel, "compression-level", 3, "compression level (zstd: 1-22, lz4/gzip: 1-9, none: 0)")
	af.StringVar(&metricsPushURL, "metrics-push-url", "", "Prometheus Pushgateway URL for run metrics")

	// Collect-specific flags
	cf := collectCmd.Flags()
	cf.StringVar(&collectEndpoint, "endpoint", defaultEndpoint, "live data endpoint")
	cf.DurationVar(&collectTimeout, "timeout", 30*time.Second, "HTTP timeout for the live data request")

	// Note: We don't use MarkFlagRequired because it checks before viper loads the config file.
	// Instead, validation happens in config.Validate() which runs after all config sources are loaded.

	_ = viper.BindPFlag("debug", pf.Lookup("debug"))
	_ = viper.BindPFlag("log_format", pf.Lookup("log-format"))

	_ = viper.BindPFlag("db.url", pf.Lookup("db-url"))
	_ = viper.BindPFlag("db.host", pf.Lookup("db-host"))
	_ = viper.BindPFlag("db.port", pf.Lookup("db-port"))
	_ = viper.BindPFlag("db.user", pf.Lookup("db-user"))
	_ = viper.BindPFlag("db.password", pf.Lookup("db-password"))
	_ = viper.BindPFlag("db.name", pf.Lookup("db-name"))
	_ = viper.BindPFlag("db.sslmode", pf.Lookup("db-sslmode"))
	_ = viper.BindPFlag("db.statement_timeout", pf.Lookup("db-statement-timeout"))
	_ = viper.BindPFlag("db.max_retries", pf.Lookup("db-max-retries"))
	_ = viper.BindPFlag("db.retry_delay", pf.Lookup("db-retry-delay"))

	_ = viper.BindPFlag("dry_run", af.Lookup("dry-run"))
	_ = viper.BindPFlag("destination", af.Lookup("destination"))
	_ = viper.BindPFlag("archive.label", af.Lookup("label"))
	_ = viper.BindPFlag("archive.name_template", af.Lookup("name-template"))
	_ = viper.BindPFlag("archive.share_with", af.Lookup("share-with"))
	_ = viper.BindPFlag("archive.share_role", af.Lookup("share-role"))
	_ = viper.BindPFlag("archive.location", af.Lookup("location"))
	_ = viper.BindPFlag("sheets.credentials_file", af.Lookup("credentials-file"))
	_ = viper.BindPFlag("local.dir", af.Lookup("local-dir"))
	_ = viper.BindPFlag("s3.endpoint", af.Lookup("s3-endpoint"))
	_ = viper.BindPFlag("s3.bucket", af.Lookup("s3-bucket"))
	_ = viper.BindPFlag("s3.access_key", af.Lookup("s3-access-key"))
	_ = viper.BindPFlag("s3.secret_key", af.Lookup("s3-secret-key"))
	_ = viper.BindPFlag("s3.region", af.Lookup("s3-region"))
	_ = viper.BindPFlag("s3.prefix", af.Lookup("s3-prefix"))
	_ = viper.BindPFlag("output.format", af.Lookup("output-format"))
	_ = viper.BindPFlag("output.compression", af.Lookup("compression"))
	_ = viper.BindPFlag("output.compression_level", af.Lookup("compression-level"))
	_ = viper.BindPFlag("metrics.push_url", af.Lookup("metrics-push-url"))

	_ = viper.BindPFlag("collect.endpoint", cf.Lookup("endpoint"))
	_ = viper.BindPFlag("collect.timeout", cf.Lookup("timeout"))

	// Names used by the original scheduled deployment
	_ = viper.BindEnv("db.url", "ARCHIVE_DB_URL", "DB_CONNECTION_STRING")
	_ = viper.BindEnv("sheets.credentials_json", "ARCHIVE_SHEETS_CREDENTIALS_JSON", "GDRIVE_SERVICE_ACCOUNT_KEY")
}

func initConfig() {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			fmt.Fprintln(os.Stderr, mutedStyle.Render(fmt.Sprintf("⚠️  Could not load env file %s: %v", envFile, err)))
		}
	} else {
		_ = godotenv.Load()
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".sheet-archiver")
	}

	viper.SetEnvPrefix("ARCHIVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		if logger == nil {
			initLogger(debug, logFormat)
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// loadConfig assembles a Config from flags, environment and config file
func loadConfig(v *viper.Viper) (*Config, error) {
	config := &Config{
		Debug:       v.GetBool("debug"),
		LogFormat:   v.GetString("log_format"),
		DryRun:      v.GetBool("dry_run"),
		Destination: v.GetString("destination"),
		Database: DatabaseConfig{
			URL:              v.GetString("db.url"),
			Host:             v.GetString("db.host"),
			Port:             v.GetInt("db.port"),
			User:             v.GetString("db.user"),
			Password:         v.GetString("db.password"),
			Name:             v.GetString("db.name"),
			SSLMode:          v.GetString("db.sslmode"),
			StatementTimeout: v.GetInt("db.statement_timeout"),
			MaxRetries:       v.GetInt("db.max_retries"),
			RetryDelay:       v.GetInt("db.retry_delay"),
		},
		Archive: ArchiveConfig{
			Label:        v.GetString("archive.label"),
			NameTemplate: v.GetString("archive.name_template"),
			ShareWith:    v.GetString("archive.share_with"),
			ShareRole:    v.GetString("archive.share_role"),
			Location:     v.GetString("archive.location"),
		},
		Sheets: SheetsConfig{
			CredentialsJSON: v.GetString("sheets.credentials_json"),
			CredentialsFile: v.GetString("sheets.credentials_file"),
		},
		Local: LocalConfig{
			Dir: v.GetString("local.dir"),
		},
		S3: S3Config{
			Endpoint:  v.GetString("s3.endpoint"),
			Bucket:    v.GetString("s3.bucket"),
			AccessKey: v.GetString("s3.access_key"),
			SecretKey: v.GetString("s3.secret_key"),
			Region:    v.GetString("s3.region"),
			Prefix:    v.GetString("s3.prefix"),
		},
		Output: OutputConfig{
			Format:           v.GetString("output.format"),
			Compression:      v.GetString("output.compression"),
			CompressionLevel: v.GetInt("output.compression_level"),
		},
		Collect: CollectConfig{
			Endpoint:  v.GetString("collect.endpoint"),
			Timeout:   v.GetDuration("collect.timeout"),
			MainParks: v.GetStringSlice("collect.main_parks"),
		},
		Metrics: MetricsConfig{
			PushURL: v.GetString("metrics.push_url"),
		},
	}

	if config.Output.Compression == "none" {
		config.Output.CompressionLevel = 0
	}

	if v.IsSet("jobs") {
		if err := v.UnmarshalKey("jobs", &config.Jobs); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrJobsConfigInvalid, err)
		}
	} else {
		config.Jobs = defaultJobs()
	}

	return config, nil
}

// buildDestination opens the configured destination backend
func buildDestination(ctx context.Context, config *Config) (destinations.Destination, error) {
	switch config.Destination {
	case DestinationSheets:
		creds := []byte(config.Sheets.CredentialsJSON)
		if len(creds) == 0 {
			data, err := os.ReadFile(config.Sheets.CredentialsFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read credentials file: %w", err)
			}
			creds = data
		}
		sheets, err := destinations.NewSheets(ctx, creds)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDestinationUnavailable, err)
		}
		return sheets, nil

	case DestinationLocal, DestinationS3:
		formatter, err := formatters.GetFormatter(config.Output.Format, config.Output.Compression)
		if err != nil {
			return nil, err
		}
		var compressor compressors.Compressor = compressors.NewNoneCompressor()
		if !formatters.UsesInternalCompression(config.Output.Format) {
			compressor, err = compressors.GetCompressor(config.Output.Compression, config.Output.CompressionLevel)
			if err != nil {
				return nil, err
			}
		}

		if config.Destination == DestinationLocal {
			store, err := destinations.NewLocalStore(config.Local.Dir)
			if err != nil {
				return nil, fmt.Errorf("%w: %w", ErrDestinationUnavailable, err)
			}
			return destinations.NewBlob(store, "", formatter, compressor), nil
		}

		region := config.S3.Region
		if region == regionAuto {
			region = "us-east-1"
		}
		store, err := destinations.NewS3Store(destinations.S3Config{
			Endpoint:  config.S3.Endpoint,
			Bucket:    config.S3.Bucket,
			AccessKey: config.S3.AccessKey,
			SecretKey: config.S3.SecretKey,
			Region:    region,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDestinationUnavailable, err)
		}
		return destinations.NewBlob(store, config.S3.Prefix, formatter, compressor), nil

	default:
		return nil, fmt.Errorf("%w: '%s'", ErrDestinationInvalid, config.Destination)
	}
}

func runArchive(ctx context.Context) error {
	config, err := loadConfig(viper.GetViper())
	if err != nil {
		initLogger(viper.GetBool("debug"), viper.GetString("log_format"))
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return err
	}

	initLogger(config.Debug, config.LogFormat)

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 Sheet Archiver v%s", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return err
	}
	jobs, _ := config.ArchiveJobs()
	logger.Debug("Configuration validated successfully")

	if config.Debug {
		fmt.Fprintln(os.Stderr, infoStyle.Render(fmt.Sprintf("💡 Destination: %s, %d jobs", config.Destination, len(jobs))))
	}

	logger.Debug("Connecting to database...")
	db, err := openDatabase(ctx, config.Database, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ %v", err))
		return err
	}
	defer db.Close()
	logger.Info("✅ Connected to database")

	var dest destinations.Destination
	if !config.DryRun {
		dest, err = buildDestination(ctx, config)
		if err != nil {
			logger.Error(fmt.Sprintf("❌ %v", err))
			return err
		}
		logger.Info(fmt.Sprintf("✅ Using %s destination", config.Destination))
	}

	names := NewNameTemplate(config.Archive.NameTemplate, config.Archive.Label)
	pipeline := Pipeline{
		Source:   NewSourceReader(db),
		Commit:   NewCommitCoordinator(db),
		Resolver: NewResolver(dest, names, config.Archive, logger),
		Sink:     NewSinkWriter(dest),
	}

	archiver := NewArchiver(config, jobs, pipeline, logger).
		WithStatusFiles(StatusFiles{Dir: DefaultStatusDir()})

	if _, err := archiver.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("")
			logger.Info("⚠️  Archival cancelled by user")
			return err
		}
		logger.Error(fmt.Sprintf("❌ Archive failed: %s", err.Error()))
		return err
	}

	logger.Info("")
	logger.Info("✅ Archive completed successfully!")
	return nil
}

func runCollect(ctx context.Context) error {
	config, err := loadConfig(viper.GetViper())
	if err != nil {
		initLogger(viper.GetBool("debug"), viper.GetString("log_format"))
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return err
	}

	initLogger(config.Debug, config.LogFormat)

	logger.Info(fmt.Sprintf("🚀 Sheet Archiver v%s - collect", Version))

	if err := config.ValidateCollect(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		return err
	}

	db, err := openDatabase(ctx, config.Database, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ %v", err))
		return err
	}
	defer db.Close()

	result, err := NewCollector(config.Collect, db, logger).Run(ctx)
	if err != nil {
		logger.Error(fmt.Sprintf("❌ Collect failed: %v", err))
		return err
	}

	logger.Debug(fmt.Sprintf("Collect finished in %s (inserted %d, skipped %v)", result.Duration.Round(time.Millisecond), result.Inserted, result.Skipped))
	return nil
}

// printStatus reports the run recorded in the status files, if any
func printStatus(w io.Writer, status StatusFiles) error {
	pid, err := status.ReadPID()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(w, mutedStyle.Render("⚪ No archive run in progress"))
			return nil
		}
		return err
	}

	if !IsProcessRunning(pid) {
		fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("⚪ No archive run in progress (stale PID file for %d)", pid)))
		return nil
	}

	fmt.Fprintln(w, infoStyle.Render(fmt.Sprintf("🟢 Archive run in progress (PID %d)", pid)))

	info, err := status.ReadTask()
	if err != nil {
		return nil //nolint:nilerr // task file is optional
	}

	fmt.Fprintf(w, "   Started:   %s (%s ago)\n", info.StartTime.Format("2006-01-02 15:04:05"), time.Since(info.StartTime).Round(time.Second))
	fmt.Fprintf(w, "   Task:      %s\n", info.CurrentTask)
	if info.CurrentStep != "" {
		step := info.CurrentStep
		if info.CurrentPartition != "" {
			step += " " + info.CurrentPartition
		}
		fmt.Fprintf(w, "   Step:      %s\n", step)
	}
	fmt.Fprintf(w, "   Jobs:      %d/%d (%.0f%%)\n", info.CompletedItems, info.TotalItems, info.Progress)
	fmt.Fprintf(w, "   Archived:  %d rows\n", info.ArchivedRows)
	fmt.Fprintf(w, "   Updated:   %s\n", info.LastUpdate.Format("2006-01-02 15:04:05"))
	return nil
}
