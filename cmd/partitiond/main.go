// Command partitiond runs one site process: a fixed number of partition
// executors sharing a coordinator and in-process messenger, each backed by
// a storage engine and serving the registered set of stored procedures.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mantisdb/partitiondb/config"
	"github.com/mantisdb/partitiondb/engine/executor"
	"github.com/mantisdb/partitiondb/engine/procedure"
	"github.com/mantisdb/partitiondb/errors"
	"github.com/mantisdb/partitiondb/logging"
	"github.com/mantisdb/partitiondb/site"
	"github.com/mantisdb/partitiondb/storage"
	"github.com/mantisdb/partitiondb/wire"
)

func main() {
	configPath := flag.String("config", "", "path to a site YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "partitiond: load config:", err)
		os.Exit(1)
	}

	level := logging.LevelInfo
	if cfg.Logging.Level == "debug" {
		level = logging.LevelDebug
	}
	log := logging.New(level)

	engineFactory := func(partitionID int) storage.Engine {
		eng := storage.NewMemEngine()
		registerEchoHandler(eng)
		return eng
	}

	procs := map[string]procedure.Body{
		"Echo": echoProcedure,
	}

	sup := site.New(cfg, log, engineFactory, procs)

	log.Info("main", "site configured", map[string]interface{}{
		"site_id":    cfg.SiteID,
		"partitions": cfg.PartitionsPerSite,
		"backend":    string(cfg.Backend),
	})

	if err := sup.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "partitiond: run:", err)
		os.Exit(1)
	}
}

const echoFragmentID int64 = 1

func registerEchoHandler(eng *storage.MemEngine) {
	eng.RegisterFragmentHandler(echoFragmentID, func(params []byte, inputs map[int32]wire.Table) (wire.Table, error) {
		return wire.Table{wire.Row(params)}, nil
	})
}

// echoProcedure is the site's smoke-test procedure: it runs a single local
// fragment that returns its own parameter blob as a one-row result.
func echoProcedure(ctx *executor.Context) (wire.ClientResponse, error) {
	task := &wire.Fragment{
		TxnID:                ctx.TxnID,
		DestinationPartition: ctx.PartitionID(),
		FragmentIDs:          []int64{echoFragmentID},
		ParamBlobs:           [][]byte{ctx.Params},
		OutputDepIDs:         []int32{1},
	}

	results, err := ctx.WaitForResponses([]*wire.Fragment{task})
	if err != nil {
		if ee, ok := err.(*errors.EngineError); ok && ee.Type == errors.TypeMispredict {
			return wire.ClientResponse{}, err
		}
		return wire.ClientResponse{Status: wire.StatusUnexpectedError, StatusMessage: err.Error()}, nil
	}

	var rows wire.Table
	if len(results) > 0 {
		rows = results[0]
	}
	return wire.ClientResponse{Status: wire.StatusSuccess, Results: []wire.Table{rows}}, nil
}
