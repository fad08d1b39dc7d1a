package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Static errors for configuration validation
var (
	ErrDatabaseURLOrUserRequired = errors.New("database url or database user is required")
	ErrDatabaseNameRequired      = errors.New("database name is required")
	ErrDatabasePortInvalid       = errors.New("database port must be between 1 and 65535")
	ErrStatementTimeoutInvalid   = errors.New("database statement timeout must be >= 0")
	ErrMaxRetriesInvalid         = errors.New("database max retries must be >= 0")
	ErrRetryDelayInvalid         = errors.New("database retry delay must be >= 0")
	ErrDestinationInvalid        = errors.New("destination must be one of: sheets, local, s3")
	ErrSheetsCredentialsRequired = errors.New("sheets credentials (json or file) are required")
	ErrLocalDirRequired          = errors.New("local archive directory is required")
	ErrS3BucketRequired          = errors.New("S3 bucket is required")
	ErrS3RegionInvalid           = errors.New("S3 region contains invalid characters or is too long")
	ErrLabelRequired             = errors.New("archive label is required")
	ErrNameTemplateInvalid       = errors.New("workbook name template must contain {partition} or {YYYY} placeholder")
	ErrShareRoleInvalid          = errors.New("share role must be one of: reader, commenter, writer")
	ErrJobsRequired              = errors.New("at least one archive job is required")
	ErrTableNameInvalid          = errors.New("table name is invalid: must be 1-63 characters, start with a letter or underscore, and contain only letters, numbers, and underscores")
	ErrColumnNameInvalid         = errors.New("column name is invalid: must start with a letter or underscore, and contain only letters, numbers, and underscores")
	ErrRetentionInvalid          = errors.New("retention must be a positive duration (e.g. 90d, 2160h)")
	ErrBatchSizeMinimum          = errors.New("batch size must be at least 1")
	ErrBatchSizeMaximum          = errors.New("batch size must not exceed 100000")
	ErrDuplicateJob              = errors.New("table is configured in more than one job")
	ErrJobsConfigInvalid         = errors.New("jobs config could not be decoded")
	ErrOutputFormatInvalid       = errors.New("output format must be one of: jsonl, csv, parquet")
	ErrCompressionInvalid        = errors.New("compression must be one of: zstd, lz4, gzip, none")
	ErrCompressionLevelInvalid   = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip)")
	ErrCollectEndpointRequired   = errors.New("collect endpoint is required")
	ErrCollectTimeoutInvalid     = errors.New("collect timeout must be > 0")
)

// Destination backends
const (
	DestinationSheets = "sheets"
	DestinationLocal  = "local"
	DestinationS3     = "s3"
)

const (
	defaultLabel        = "Data Archive"
	defaultNameTemplate = "{label} - {partition}"
	defaultShareRole    = "writer"
	defaultRetention    = "90d"
	defaultBatchSize    = 10000
	maxBatchSize        = 100000
	defaultEndpoint     = "https://api.themeparks.wiki/v1/entity/waltdisneyworldresort/live"
	regionAuto          = "auto"
)

type Config struct {
	Debug       bool
	LogFormat   string
	DryRun      bool
	Destination string
	Database    DatabaseConfig
	Archive     ArchiveConfig
	Sheets      SheetsConfig
	Local       LocalConfig
	S3          S3Config
	Output      OutputConfig
	Jobs        []JobConfig
	Collect     CollectConfig
	Metrics     MetricsConfig
}

type DatabaseConfig struct {
	URL              string // full connection string; wins over the discrete fields
	Host             string
	Port             int
	User             string
	Password         string
	Name             string
	SSLMode          string
	StatementTimeout int // Statement timeout in seconds (0 = no timeout, default 300)
	MaxRetries       int // Maximum number of connection attempts after the first (default 3)
	RetryDelay       int // Delay in seconds between connection attempts (default 5)
}

type ArchiveConfig struct {
	Label        string
	NameTemplate string
	ShareWith    string // principal granted access to new workbooks, empty to skip
	ShareRole    string
	Location     string // Drive folder id for new spreadsheets
}

type SheetsConfig struct {
	CredentialsJSON string
	CredentialsFile string
}

type LocalConfig struct {
	Dir string
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	Prefix    string
}

// OutputConfig controls how blob destinations encode parts
type OutputConfig struct {
	Format           string
	Compression      string
	CompressionLevel int
}

// JobConfig is one archive job as written in the config file
type JobConfig struct {
	Table           string `mapstructure:"table"`
	TimestampColumn string `mapstructure:"timestamp_column"`
	PrimaryKey      string `mapstructure:"primary_key"`
	Retention       string `mapstructure:"retention"`
	BatchSize       int    `mapstructure:"batch_size"`
}

type CollectConfig struct {
	Endpoint  string
	Timeout   time.Duration
	MainParks []string
}

type MetricsConfig struct {
	PushURL string
}

// ArchiveJob is a validated job. It does not change during a run.
type ArchiveJob struct {
	Table           string
	TimestampColumn string
	PrimaryKey      string
	Retention       time.Duration
	BatchSize       int
}

// defaultJobs are the two tables the collector feeds
func defaultJobs() []JobConfig {
	return []JobConfig{
		{Table: "wait_times", TimestampColumn: "timestamp", PrimaryKey: "id", Retention: defaultRetention, BatchSize: defaultBatchSize},
		{Table: "park_operating_data", TimestampColumn: "data_date", PrimaryKey: "id", Retention: defaultRetention, BatchSize: defaultBatchSize},
	}
}

// validPostgreSQLIdentifier checks if a string is a valid PostgreSQL identifier
// to prevent SQL injection attacks
var validPostgreSQLIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

var validRegion = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// isValidTableName validates that a table name is safe to use in SQL queries
func isValidTableName(name string) bool {
	if name == "" || len(name) > 63 {
		return false
	}
	return validPostgreSQLIdentifier.MatchString(name)
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}
	return validRegion.MatchString(region)
}

// isValidOutputFormat validates the output format
func isValidOutputFormat(format string) bool {
	validFormats := map[string]bool{
		"jsonl":   true,
		"csv":     true,
		"parquet": true,
	}
	return validFormats[format]
}

// isValidCompression validates the compression type
func isValidCompression(compression string) bool {
	validCompressions := map[string]bool{
		"zstd": true,
		"lz4":  true,
		"gzip": true,
		"none": true,
	}
	return validCompressions[compression]
}

// isValidCompressionLevel validates compression level based on compression type
func isValidCompressionLevel(compression string, level int) bool {
	switch compression {
	case "zstd":
		return level >= 1 && level <= 22
	case "lz4", "gzip":
		return level >= 1 && level <= 9
	case "none":
		return level == 0
	default:
		return false
	}
}

func isValidShareRole(role string) bool {
	return role == "reader" || role == "commenter" || role == "writer"
}

// parseRetention accepts Go durations plus a whole-day suffix ("90d")
func parseRetention(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrRetentionInvalid, s)
		}
		if n <= 0 {
			return 0, fmt.Errorf("%w: %q", ErrRetentionInvalid, s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrRetentionInvalid, s)
	}
	return d, nil
}

// validateDatabase is shared by archive and collect
func (c *Config) validateDatabase() error {
	if c.Database.URL == "" {
		if c.Database.User == "" {
			return ErrDatabaseURLOrUserRequired
		}
		if c.Database.Name == "" {
			return ErrDatabaseNameRequired
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("%w, got %d", ErrDatabasePortInvalid, c.Database.Port)
		}
	}

	if c.Database.StatementTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrStatementTimeoutInvalid, c.Database.StatementTimeout)
	}
	if c.Database.MaxRetries < 0 {
		return fmt.Errorf("%w, got %d", ErrMaxRetriesInvalid, c.Database.MaxRetries)
	}
	if c.Database.RetryDelay < 0 {
		return fmt.Errorf("%w, got %d", ErrRetryDelayInvalid, c.Database.RetryDelay)
	}
	return nil
}

// Validate checks everything the archive command needs before any I/O
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}

	switch c.Destination {
	case DestinationSheets:
		// Dry runs never touch the destination
		if !c.DryRun && c.Sheets.CredentialsJSON == "" && c.Sheets.CredentialsFile == "" {
			return ErrSheetsCredentialsRequired
		}
	case DestinationLocal:
		if c.Local.Dir == "" {
			return ErrLocalDirRequired
		}
	case DestinationS3:
		if c.S3.Bucket == "" {
			return ErrS3BucketRequired
		}
		if c.S3.Region != "" && c.S3.Region != regionAuto && !isValidRegion(c.S3.Region) {
			return fmt.Errorf("%w: %s", ErrS3RegionInvalid, c.S3.Region)
		}
	default:
		return fmt.Errorf("%w: '%s'", ErrDestinationInvalid, c.Destination)
	}

	if c.Destination != DestinationSheets {
		if !isValidOutputFormat(c.Output.Format) {
			return fmt.Errorf("%w: '%s'", ErrOutputFormatInvalid, c.Output.Format)
		}
		if !isValidCompression(c.Output.Compression) {
			return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, c.Output.Compression)
		}
		if !isValidCompressionLevel(c.Output.Compression, c.Output.CompressionLevel) {
			return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, c.Output.Compression, c.Output.CompressionLevel)
		}
	}

	if strings.TrimSpace(c.Archive.Label) == "" {
		return ErrLabelRequired
	}
	if !strings.Contains(c.Archive.NameTemplate, "{partition}") && !strings.Contains(c.Archive.NameTemplate, "{YYYY}") {
		return fmt.Errorf("%w: '%s'", ErrNameTemplateInvalid, c.Archive.NameTemplate)
	}
	if c.Archive.ShareWith != "" && !isValidShareRole(c.Archive.ShareRole) {
		return fmt.Errorf("%w: '%s'", ErrShareRoleInvalid, c.Archive.ShareRole)
	}

	_, err := c.ArchiveJobs()
	return err
}

// ArchiveJobs validates the job list and converts it
func (c *Config) ArchiveJobs() ([]ArchiveJob, error) {
	if len(c.Jobs) == 0 {
		return nil, ErrJobsRequired
	}

	seen := make(map[string]bool, len(c.Jobs))
	jobs := make([]ArchiveJob, 0, len(c.Jobs))
	for _, jc := range c.Jobs {
		if !isValidTableName(jc.Table) {
			return nil, fmt.Errorf("%w: '%s'", ErrTableNameInvalid, jc.Table)
		}
		if seen[jc.Table] {
			return nil, fmt.Errorf("%w: '%s'", ErrDuplicateJob, jc.Table)
		}
		seen[jc.Table] = true

		for _, col := range []string{jc.TimestampColumn, jc.PrimaryKey} {
			if !validPostgreSQLIdentifier.MatchString(col) {
				return nil, fmt.Errorf("%w: '%s' (table %s)", ErrColumnNameInvalid, col, jc.Table)
			}
		}

		retention := jc.Retention
		if retention == "" {
			retention = defaultRetention
		}
		ret, err := parseRetention(retention)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", jc.Table, err)
		}

		batchSize := jc.BatchSize
		if batchSize == 0 {
			batchSize = defaultBatchSize
		}
		if batchSize < 1 {
			return nil, fmt.Errorf("%w, got %d (table %s)", ErrBatchSizeMinimum, batchSize, jc.Table)
		}
		if batchSize > maxBatchSize {
			return nil, fmt.Errorf("%w, got %d (table %s)", ErrBatchSizeMaximum, batchSize, jc.Table)
		}

		jobs = append(jobs, ArchiveJob{
			Table:           jc.Table,
			TimestampColumn: jc.TimestampColumn,
			PrimaryKey:      jc.PrimaryKey,
			Retention:       ret,
			BatchSize:       batchSize,
		})
	}
	return jobs, nil
}

// ValidateCollect checks what the collect command needs
func (c *Config) ValidateCollect() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if c.Collect.Endpoint == "" {
		return ErrCollectEndpointRequired
	}
	if c.Collect.Timeout <= 0 {
		return fmt.Errorf("%w, got %s", ErrCollectTimeoutInvalid, c.Collect.Timeout)
	}
	return nil
}
