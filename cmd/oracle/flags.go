// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package main

import (
	cli "gopkg.in/urfave/cli.v1"

	"github.com/drpcorg/logs-oracle/log"
)

var (
	configFlag = cli.StringFlag{
		Name:   "config",
		EnvVar: "ORACLE_CONFIG",
		Usage:  "path to a YAML config file, flags take precedence",
	}
	dataDirFlag = cli.StringFlag{
		Name:   "data-dir",
		Value:  defaultDataDir(),
		EnvVar: "ORACLE_DATA_DIR",
		Usage:  "directory for the log database",
	}
	ramLimitFlag = cli.StringFlag{
		Name:   "ram-limit",
		Value:  "0",
		EnvVar: "ORACLE_RAM_LIMIT",
		Usage:  "memory allowed for the filter index, e.g. 512mb or 2g (0 for unbounded)",
	}
	nodeRPCFlag = cli.StringFlag{
		Name:   "node-rpc",
		EnvVar: "ORACLE_NODE_RPC",
		Usage:  "JSON-RPC endpoint of the upstream node (http, https, ws or wss)",
	}
	apiAddrFlag = cli.StringFlag{
		Name:   "api-addr",
		Value:  "localhost:8000",
		EnvVar: "ORACLE_API_ADDR",
		Usage:  "API service listening address",
	}
	apiCorsFlag = cli.StringFlag{
		Name:   "api-cors",
		EnvVar: "ORACLE_API_CORS",
		Usage:  "comma separated list of domains from which to accept cross origin requests to API",
	}
	apiTimeoutFlag = cli.Uint64Flag{
		Name:   "api-timeout",
		Value:  10000,
		EnvVar: "ORACLE_API_TIMEOUT",
		Usage:  "API request timeout value in milliseconds",
	}
	apiLogsFlag = cli.BoolFlag{
		Name:   "api-logs",
		EnvVar: "ORACLE_API_LOGS",
		Usage:  "enables API requests logging",
	}
	apiSlowQueriesThresholdFlag = cli.Uint64Flag{
		Name:   "api-slow-queries-threshold",
		EnvVar: "ORACLE_API_SLOW_QUERIES_THRESHOLD",
		Usage:  "all queries with duration longer than this threshold (in milliseconds) will be logged",
	}
	apiLog5xxErrorsFlag = cli.BoolFlag{
		Name:   "api-log-5xx-errors",
		EnvVar: "ORACLE_API_LOG_5XX_ERRORS",
		Usage:  "log all requests answered with a 5xx status",
	}
	pprofFlag = cli.BoolFlag{
		Name:  "pprof",
		Usage: "turn on go-pprof",
	}
	enableMetricsFlag = cli.BoolFlag{
		Name:   "enable-metrics",
		EnvVar: "ORACLE_ENABLE_METRICS",
		Usage:  "enables metrics collection",
	}
	metricsAddrFlag = cli.StringFlag{
		Name:   "metrics-addr",
		Value:  "localhost:2112",
		EnvVar: "ORACLE_METRICS_ADDR",
		Usage:  "metrics service listening address",
	}
	verbosityFlag = cli.Uint64Flag{
		Name:   "verbosity",
		Value:  log.LegacyLevelInfo,
		EnvVar: "ORACLE_VERBOSITY",
		Usage:  "log verbosity (0-9)",
	}
	jsonLogsFlag = cli.BoolFlag{
		Name:   "json-logs",
		EnvVar: "ORACLE_JSON_LOGS",
		Usage:  "output logs in JSON format",
	}
	bucketSizeFlag = cli.Uint64Flag{
		Name:   "bucket-size",
		EnvVar: "ORACLE_BUCKET_SIZE",
		Usage:  "number of blocks summarized by one index synopsis (0 for the default)",
	}
	maxResultsFlag = cli.IntFlag{
		Name:   "max-results",
		Value:  10_000,
		EnvVar: "ORACLE_MAX_RESULTS",
		Usage:  "most logs a query may return (0 for no maximum)",
	}
	maxBlockSpanFlag = cli.Uint64Flag{
		Name:   "max-block-span",
		EnvVar: "ORACLE_MAX_BLOCK_SPAN",
		Usage:  "widest block range a query may cover (0 for no maximum)",
	}
	fetchConcurrencyFlag = cli.IntFlag{
		Name:   "fetch-concurrency",
		Value:  8,
		EnvVar: "ORACLE_FETCH_CONCURRENCY",
		Usage:  "blocks fetched from the upstream in parallel",
	}
	confirmationsFlag = cli.Uint64Flag{
		Name:   "confirmations",
		EnvVar: "ORACLE_CONFIRMATIONS",
		Usage:  "blocks kept between the upstream head and the ingested height",
	}
	pollIntervalFlag = cli.DurationFlag{
		Name:   "poll-interval",
		Value:  defaultPollInterval,
		EnvVar: "ORACLE_POLL_INTERVAL",
		Usage:  "interval between two polls of the upstream head",
	}
	maxLagFlag = cli.Uint64Flag{
		Name:   "max-lag",
		Value:  16,
		EnvVar: "ORACLE_MAX_LAG",
		Usage:  "blocks ingestion may lag behind the head and still be healthy",
	}

	// sync
	toFlag = cli.Uint64Flag{
		Name:  "to",
		Usage: "height to sync to (0 for the upstream head)",
	}

	// query
	fromBlockFlag = cli.StringFlag{
		Name:  "from-block",
		Value: "earliest",
		Usage: "first block of the range (earliest, latest, hex or decimal)",
	}
	toBlockFlag = cli.StringFlag{
		Name:  "to-block",
		Value: "latest",
		Usage: "last block of the range (earliest, latest, hex or decimal)",
	}
	addressFlag = cli.StringSliceFlag{
		Name:  "address",
		Usage: "emitting contract address, repeat for alternatives",
	}
	topicFlag = cli.StringSliceFlag{
		Name:  "topic",
		Usage: "topic filter per slot as comma separated alternatives, empty for any, repeat for the next slot",
	}
	limitFlag = cli.Int64Flag{
		Name:  "limit",
		Value: -1,
		Usage: "most logs returned (-1 for no limit)",
	}
	countFlag = cli.BoolFlag{
		Name:  "count",
		Usage: "print the number of matching logs only",
	}
)
