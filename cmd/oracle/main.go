// Copyright (c) 2025 The drpc.org developers
//
// Distributed under the GNU Lesser General Public License v3.0 software license, see the accompanying
// file LICENSE or <https://www.gnu.org/licenses/lgpl-3.0.html>

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/cheggaaa/pb.v1"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/drpcorg/logs-oracle/api"
	"github.com/drpcorg/logs-oracle/api/logs"
	"github.com/drpcorg/logs-oracle/co"
	"github.com/drpcorg/logs-oracle/follower"
	"github.com/drpcorg/logs-oracle/health"
	"github.com/drpcorg/logs-oracle/log"
	"github.com/drpcorg/logs-oracle/metrics"
)

var (
	version   string
	gitCommit string
	gitTag    string
)

// storeFlags are shared by every command opening a data dir.
var storeFlags = []cli.Flag{
	configFlag,
	dataDirFlag,
	ramLimitFlag,
	bucketSizeFlag,
	maxResultsFlag,
	maxBlockSpanFlag,
	fetchConcurrencyFlag,
	verbosityFlag,
	jsonLogsFlag,
}

func fullVersion() string {
	versionMeta := "release"
	if gitTag == "" {
		versionMeta = "dev"
	}
	return fmt.Sprintf("%s-%s-%s", version, gitCommit, versionMeta)
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Version:   fullVersion(),
		Name:      "Oracle",
		Usage:     "Log index serving eth_getLogs style filters",
		Copyright: "2025 drpc.org",
		Flags: append(append([]cli.Flag{}, storeFlags...),
			nodeRPCFlag,
			apiAddrFlag,
			apiCorsFlag,
			apiTimeoutFlag,
			apiLogsFlag,
			apiSlowQueriesThresholdFlag,
			apiLog5xxErrorsFlag,
			pprofFlag,
			enableMetricsFlag,
			metricsAddrFlag,
			confirmationsFlag,
			pollIntervalFlag,
			maxLagFlag,
		),
		Action: defaultAction,
		Commands: []cli.Command{
			{
				Name:   "sync",
				Usage:  "Ingest blocks from the upstream up to a height and exit",
				Flags:  append(append([]cli.Flag{}, storeFlags...), nodeRPCFlag, confirmationsFlag, toFlag),
				Action: syncAction,
			},
			{
				Name:   "status",
				Usage:  "Print the status of a data dir",
				Flags:  storeFlags,
				Action: statusAction,
			},
			{
				Name:  "query",
				Usage: "Run a filter against a data dir and print the matching logs",
				Flags: append(append([]cli.Flag{}, storeFlags...),
					fromBlockFlag, toBlockFlag, addressFlag, topicFlag, limitFlag, countFlag),
				Action: queryAction,
			},
		},
	}
}

func defaultAction(ctx *cli.Context) error {
	exitSignal := handleExitSignal()
	defer func() { log.Info("exited") }()

	initLogger(ctx)
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}

	if cfg.EnableMetrics {
		metrics.InitializePrometheusMetrics()
	}

	db, err := openLogDB(cfg)
	if err != nil {
		return err
	}
	defer func() { log.Info("closing log database..."); db.Close() }()

	if err := dialUpstream(exitSignal, cfg, db); err != nil {
		return err
	}

	healthStatus := health.New(cfg.MaxLag, 10*cfg.PollInterval)

	apiLogs := &atomic.Bool{}
	apiLogs.Store(cfg.APILogs)
	apiHandler, apiCloser := api.New(db, healthStatus, api.Options{
		AllowedOrigins:       cfg.APICors,
		PprofOn:              ctx.Bool(pprofFlag.Name),
		EnableReqLogger:      apiLogs,
		SlowQueriesThreshold: time.Duration(ctx.Uint64(apiSlowQueriesThresholdFlag.Name)) * time.Millisecond,
		Log5xxErrors:         ctx.Bool(apiLog5xxErrorsFlag.Name),
		EnableMetrics:        cfg.EnableMetrics,
	})
	defer func() { log.Info("closing API..."); apiCloser() }()

	apiURL, srvCloser, err := startAPIServer(cfg.APIAddr, apiHandler, time.Duration(ctx.Uint64(apiTimeoutFlag.Name))*time.Millisecond)
	if err != nil {
		return err
	}
	defer func() { log.Info("stopping API server..."); srvCloser() }()

	metricsURL := ""
	if cfg.EnableMetrics {
		url, closeFunc, err := startMetricsServer(cfg.MetricsAddr)
		if err != nil {
			return err
		}
		defer func() { log.Info("stopping metrics server..."); closeFunc() }()
		metricsURL = url
	}

	printStartupMessage(cfg, apiURL, metricsURL)

	var goes co.Goes
	goes.Go(func() {
		follower.New(db, healthStatus, follower.Options{
			Interval:      cfg.PollInterval,
			Confirmations: cfg.Confirmations,
		}).Run(exitSignal)
	})
	<-exitSignal.Done()
	goes.Wait()
	return nil
}

func printStartupMessage(cfg *config, apiURL, metricsURL string) {
	ramLimit := "unbounded"
	if cfg.RAMLimit > 0 {
		ramLimit = cfg.RAMLimit.String()
	}
	if metricsURL == "" {
		metricsURL = "Disabled"
	}
	fmt.Printf(`Starting %v
    Data dir    [ %v ]
    RAM limit   [ %v ]
    Upstream    [ %v ]
    API portal  [ %v ]
    Metrics     [ %v ]
`,
		fullVersion(),
		cfg.DataDir,
		ramLimit,
		cfg.NodeRPC,
		apiURL,
		metricsURL)
}

func syncAction(ctx *cli.Context) error {
	exitSignal := handleExitSignal()

	initLogger(ctx)
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, err := openLogDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := dialUpstream(exitSignal, cfg, db); err != nil {
		return err
	}

	target := ctx.Uint64(toFlag.Name)
	if target == 0 {
		head, err := db.UpstreamHead(exitSignal)
		if err != nil {
			return err
		}
		if head < cfg.Confirmations {
			return errors.Errorf("head %v is below %v confirmations", head, cfg.Confirmations)
		}
		target = head - cfg.Confirmations
	}

	start, ok, err := db.Height()
	if err != nil {
		return err
	}
	if ok && start >= target {
		fmt.Printf("already at %v\n", start)
		return nil
	}

	fmt.Println(">> Syncing log db <<")
	bar := pb.New64(int64(target)).
		Set64(int64(start)).
		SetMaxWidth(90).
		Start()
	defer func() { bar.NotPrint = true }()

	advance := make(chan error, 1)
	go func() {
		advance <- db.AdvanceHeight(exitSignal, target)
	}()

	for {
		select {
		case err := <-advance:
			if h, ok, _ := db.Height(); ok {
				bar.Set64(int64(h))
			}
			if err != nil {
				return err
			}
			bar.Finish()
			return nil
		case <-db.Advanced():
			if h, ok, _ := db.Height(); ok {
				bar.Set64(int64(h))
			}
		}
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusAction(ctx *cli.Context) error {
	initLogger(ctx)
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, err := openLogDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := db.Status()
	if err != nil {
		return err
	}
	return printJSON(st)
}

// topicsFromFlag turns one flag value per slot into topic sets.
func topicsFromFlag(values []string) ([]json.RawMessage, error) {
	var topics []json.RawMessage
	for _, v := range values {
		if strings.TrimSpace(v) == "" {
			topics = append(topics, json.RawMessage("null"))
			continue
		}
		raw, err := json.Marshal(strings.Split(v, ","))
		if err != nil {
			return nil, err
		}
		topics = append(topics, raw)
	}
	return topics, nil
}

func queryAction(ctx *cli.Context) error {
	exitSignal := handleExitSignal()

	initLogger(ctx)
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	db, err := openLogDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	from, to := ctx.String(fromBlockFlag.Name), ctx.String(toBlockFlag.Name)
	req := logs.FilterJSON{
		FromBlock: &from,
		ToBlock:   &to,
		Count:     ctx.Bool(countFlag.Name),
	}
	if limit := ctx.Int64(limitFlag.Name); limit >= 0 {
		req.Limit = &limit
	}
	if addrs := ctx.StringSlice(addressFlag.Name); len(addrs) > 0 {
		if req.Address, err = json.Marshal(addrs); err != nil {
			return err
		}
	}
	if req.Topics, err = topicsFromFlag(ctx.StringSlice(topicFlag.Name)); err != nil {
		return err
	}

	head, _, err := db.Height()
	if err != nil {
		return err
	}
	f, err := req.ToFilter(head)
	if err != nil {
		return err
	}

	if req.Count {
		n, err := db.Count(exitSignal, f)
		if err != nil {
			return err
		}
		return printJSON(n)
	}
	found, err := db.Query(exitSignal, f)
	if err != nil {
		return err
	}
	result := make([]*logs.LogJSON, 0, len(found))
	for _, l := range found {
		result = append(result, logs.ConvertLog(l))
	}
	return printJSON(result)
}
