package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/config"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/engine"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/logging"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/metrics"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/metrics/datadog"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/metrics/prompush"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/report"
	"github.com/godmodedev/timescaledb-parallel-copy-lib/internal/source"
)

// envPrefix namespaces environment overrides, e.g. TSPC_BATCH_SIZE.
const envPrefix = "TSPC"

var errUsage = errors.New("usage")

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "tsdb-parallel-copy --table <name> [--file <path>]",
		Short: "Parallel bulk copy of CSV data into a database table.",
		Long: `tsdb-parallel-copy splits its input into batches of rows and copies them
into the target table over several database sessions at once.

Every flag can also be set in a config file (--config) or through an
environment variable named TSPC_<FLAG>, dashes replaced by underscores.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCopy(cmd, v)
		},
	}

	f := cmd.Flags()
	f.String("config", "", "config file (yaml, json or toml)")

	f.StringP("file", "f", "", "input file; empty or - reads stdin")
	f.String("connection", "host=localhost user=postgres sslmode=disable", "connection string (postgres DSN/URL, sqlserver:// URL, go-sql-driver MySQL DSN or sqlite path)")
	f.String("driver", "", "storage backend: postgres, mssql, mysql or sqlite (default: inferred from --connection)")
	f.String("db-name", "", "database to connect to, overriding the connection string")
	f.String("schema", "", "schema of the target table (postgres default: public)")
	f.String("table", "", "target table (required)")
	f.Bool("truncate", false, "truncate the target table before copying")
	f.String("copy-options", config.DefaultCopyOptions, "options appended to COPY")
	f.String("split", config.DefaultDelimiter, `field delimiter; \t for tab`)
	f.String("quote", "", "CSV quote character (default \")")
	f.String("escape", "", "CSV escape character (default: the quote)")
	f.StringSlice("columns", nil, "ordered target columns (default: table order)")
	f.Bool("skip-header", false, "skip the header lines")
	f.Int("header-line-count", config.DefaultHeaderLines, "number of header lines skipped with --skip-header")
	f.Int64("limit", 0, "stop after this many rows (0 = all)")

	f.Int("batch-size", 0, fmt.Sprintf("rows per batch (default %d unless --batch-bytes is set)", config.DefaultBatchSize))
	f.Int("batch-bytes", 0, "bytes per batch; replaces --batch-size")
	f.Int("workers", 0, "parallel sessions (default: 2x CPUs, at most 16)")
	f.Int("channel-capacity", 0, "queued batches (default: 2x workers)")
	f.String("malformed", string(config.MalformedDefer), "malformed row policy: defer or fatal")
	f.String("on-error", string(config.FailFast), "batch failure policy: fail-fast or best-effort")
	f.Bool("validate-utf8", false, "flag rows that are not valid UTF-8 as malformed")
	f.StringArray("setup", nil, "SQL run on every session before copying (repeatable)")
	f.Uint("reconnect-attempts", config.DefaultReconnectAttempts, "dial attempts per session")
	f.Duration("reconnect-delay", config.DefaultReconnectDelay, "initial delay between dial attempts")

	f.String("encoding", "", "input character set, e.g. windows-1250 (default: utf-8)")
	f.String("compression", source.CompressionAuto, "input compression: auto, none, gzip or zstd")

	f.Duration("reporting-period", 10*time.Second, "period between progress lines (0 disables)")
	f.Bool("log-batches", false, "log one line per batch")
	f.Bool("verbose", false, "print the run duration and rate with the row count")
	f.String("log-level", "info", "log level: trace, debug, info, warn, error")
	f.String("log-format", "text", "log format: text or json")

	f.String("metrics-backend", "none", "metrics backend: none, pushgateway or datadog")
	f.String("pushgateway-url", "http://localhost:9091", "Pushgateway base URL")
	f.String("statsd-addr", "127.0.0.1:8125", "DogStatsD address")
	f.String("job", "", "metrics job name (default: the target table)")

	_ = v.BindPFlags(f)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	return cmd
}

func runCopy(cmd *cobra.Command, v *viper.Viper) error {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("%w: read config: %w", errUsage, err)
		}
	}

	logger := log.StandardLogger()
	if err := logging.Configure(logger, v.GetString("log-level"), v.GetString("log-format"), cmd.ErrOrStderr()); err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}

	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("%w: decode options: %w", errUsage, err)
	}
	table := v.GetString("table")
	if table == "" {
		return fmt.Errorf("%w: --table is required", errUsage)
	}

	job := v.GetString("job")
	if job == "" {
		job = table
	}
	flush, err := setupMetrics(v, job)
	if err != nil {
		return fmt.Errorf("%w: %w", errUsage, err)
	}
	defer flush()

	in := engine.File(v.GetString("file"))
	if in.Path == "" || in.Path == source.Stdin {
		in = engine.Reader(cmd.InOrStdin())
	}

	sum, err := engine.Run(cmd.Context(), in, v.GetString("connection"), table, cfg,
		engine.WithLogger(log.NewEntry(logger)),
		engine.WithJob(job),
	)
	if sum != nil {
		printSummary(cmd, sum, cfg.Verbose)
	}
	if err != nil {
		return err
	}
	if serr := sum.Err(); serr != nil {
		log.WithError(serr).Warnf("%d batch(es) failed; their rows were not copied", len(sum.Failed))
	}
	return nil
}

func printSummary(cmd *cobra.Command, sum *report.Summary, verbose bool) {
	if verbose {
		fmt.Fprintln(cmd.OutOrStdout(), sum.Verbose())
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), sum.String())
}

// setupMetrics installs the selected backend and returns the flush to run
// once the copy is over.
func setupMetrics(v *viper.Viper, job string) (func(), error) {
	name := v.GetString("metrics-backend")
	var b metrics.Backend
	switch name {
	case "", "none":
		return func() {}, nil
	case "pushgateway":
		pb, err := prompush.NewBackend(job, v.GetString("pushgateway-url"))
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		b = pb
	case "datadog":
		db, err := datadog.NewBackend(datadog.Config{
			Addr:       v.GetString("statsd-addr"),
			GlobalTags: []string{"job:" + job},
		})
		if err != nil {
			return nil, fmt.Errorf("metrics: %w", err)
		}
		b = db
	default:
		return nil, fmt.Errorf("metrics: unknown backend %q", name)
	}

	prev := metrics.SetBackend(b)
	log.Debugf("metrics: backend=%s job=%s", name, job)
	return func() {
		if err := metrics.Flush(); err != nil {
			log.Warnf("metrics: flush error: %v", err)
		}
		metrics.SetBackend(prev)
	}, nil
}
