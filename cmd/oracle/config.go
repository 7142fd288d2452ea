// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	cli "gopkg.in/urfave/cli.v1"
	"gopkg.in/yaml.v3"

	"github.com/drpcorg/logs-oracle/logdb"
	"github.com/drpcorg/logs-oracle/oracle"
)

const defaultPollInterval = 5 * time.Second

// config holds the daemon settings. Values come from flags, then
// environment variables, then the YAML config file.
type config struct {
	DataDir          string          `yaml:"data-dir"`
	RAMLimit         oracle.Datasize `yaml:"ram-limit"`
	NodeRPC          string          `yaml:"node-rpc"`
	APIAddr          string          `yaml:"api-addr"`
	APICors          string          `yaml:"api-cors"`
	APILogs          bool            `yaml:"api-logs"`
	MetricsAddr      string          `yaml:"metrics-addr"`
	EnableMetrics    bool            `yaml:"enable-metrics"`
	BucketSize       uint64          `yaml:"bucket-size"`
	MaxResults       int             `yaml:"max-results"`
	MaxBlockSpan     uint64          `yaml:"max-block-span"`
	FetchConcurrency int             `yaml:"fetch-concurrency"`
	Confirmations    uint64          `yaml:"confirmations"`
	PollInterval     time.Duration   `yaml:"poll-interval"`
	MaxLag           uint64          `yaml:"max-lag"`
}

func loadConfigFile(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return &cfg, nil
}

// loadConfig resolves the settings of ctx.
func loadConfig(ctx *cli.Context) (*config, error) {
	file := &config{}
	if path := ctx.String(configFlag.Name); path != "" {
		var err error
		if file, err = loadConfigFile(path); err != nil {
			return nil, err
		}
	}

	str := func(f cli.StringFlag, fromFile string) string {
		if !ctx.IsSet(f.Name) && fromFile != "" {
			return fromFile
		}
		return ctx.String(f.Name)
	}
	u64 := func(f cli.Uint64Flag, fromFile uint64) uint64 {
		if !ctx.IsSet(f.Name) && fromFile != 0 {
			return fromFile
		}
		return ctx.Uint64(f.Name)
	}
	integer := func(f cli.IntFlag, fromFile int) int {
		if !ctx.IsSet(f.Name) && fromFile != 0 {
			return fromFile
		}
		return ctx.Int(f.Name)
	}
	boolean := func(f cli.BoolFlag, fromFile bool) bool {
		return ctx.Bool(f.Name) || fromFile
	}

	cfg := &config{
		DataDir:          str(dataDirFlag, file.DataDir),
		NodeRPC:          str(nodeRPCFlag, file.NodeRPC),
		APIAddr:          str(apiAddrFlag, file.APIAddr),
		APICors:          str(apiCorsFlag, file.APICors),
		APILogs:          boolean(apiLogsFlag, file.APILogs),
		MetricsAddr:      str(metricsAddrFlag, file.MetricsAddr),
		EnableMetrics:    boolean(enableMetricsFlag, file.EnableMetrics),
		BucketSize:       u64(bucketSizeFlag, file.BucketSize),
		MaxResults:       integer(maxResultsFlag, file.MaxResults),
		MaxBlockSpan:     u64(maxBlockSpanFlag, file.MaxBlockSpan),
		FetchConcurrency: integer(fetchConcurrencyFlag, file.FetchConcurrency),
		Confirmations:    u64(confirmationsFlag, file.Confirmations),
		PollInterval:     ctx.Duration(pollIntervalFlag.Name),
		MaxLag:           u64(maxLagFlag, file.MaxLag),
	}
	if !ctx.IsSet(pollIntervalFlag.Name) && file.PollInterval > 0 {
		cfg.PollInterval = file.PollInterval
	}

	cfg.RAMLimit = file.RAMLimit
	if ctx.IsSet(ramLimitFlag.Name) || file.RAMLimit == 0 {
		limit, err := oracle.ParseDatasize(ctx.String(ramLimitFlag.Name))
		if err != nil {
			return nil, errors.WithMessage(err, ramLimitFlag.Name)
		}
		cfg.RAMLimit = limit
	}

	if cfg.DataDir == "" {
		return nil, errors.Errorf("unable to infer default data dir, use -%s to specify one", dataDirFlag.Name)
	}
	return cfg, nil
}

func (c *config) logDBOptions() *logdb.Options {
	opts := logdb.DefaultOptions()
	opts.BucketSize = c.BucketSize
	opts.MaxResults = c.MaxResults
	opts.MaxBlockSpan = c.MaxBlockSpan
	if c.FetchConcurrency > 0 {
		opts.FetchConcurrency = c.FetchConcurrency
	}
	return &opts
}
