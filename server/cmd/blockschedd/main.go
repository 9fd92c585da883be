package main

import (
	"crypto/sha256"
	"flag"
	"net/http"

	"github.com/blocksched/blocksched/server/backends/chainclock"
	"github.com/blocksched/blocksched/server/backends/stakeledger"
	"github.com/blocksched/blocksched/server/entrypoint"
	"github.com/blocksched/blocksched/server/factory"
	"github.com/blocksched/blocksched/server/httpapi"
	"github.com/blocksched/blocksched/server/real_environment"
	"github.com/blocksched/blocksched/server/shims/jsshim"
	"github.com/blocksched/blocksched/server/storage"
	"github.com/blocksched/blocksched/server/util/flagyaml"
	"github.com/blocksched/blocksched/server/util/log"
)

var (
	configFile = flag.String("config_file", "", "The path to a blocksched config file.")
	listenAddr = flag.String("listen", "0.0.0.0:8080", "Address to serve the HTTP API on.")
	dataDir    = flag.String("app.data_dir", "/tmp/blocksched/scheduler", "Directory for the scheduler database.")
	ledgerDir  = flag.String("app.ledger_dir", "/tmp/blocksched/ledger", "Directory for the stake ledger database.")
	baseSalt   = flag.String("app.base_salt", "blocksched-default-salt", "Salt mixed into derived environment addresses.")
)

func main() {
	flag.Parse()
	if *configFile != "" {
		if err := flagyaml.PopulateFlagsFromFile(*configFile); err != nil {
			log.Fatalf("Error loading config from file: %s", err)
		}
	}
	if err := log.Configure(); err != nil {
		log.Fatalf("Error configuring logging: %s", err)
	}

	store, err := storage.Open(*dataDir)
	if err != nil {
		log.Fatalf("Error opening scheduler database: %s", err)
	}
	defer store.Close()

	ledger, err := stakeledger.Open(*ledgerDir)
	if err != nil {
		log.Fatalf("Error opening stake ledger: %s", err)
	}
	defer ledger.Close()

	clock, err := chainclock.New()
	if err != nil {
		log.Fatalf("Error creating chain clock: %s", err)
	}

	f := factory.New(store, sha256.Sum256([]byte(*baseSalt)))
	f.RegisterImplementation(jsshim.ImplementationAddress, jsshim.New())

	env := real_environment.NewRealEnv()
	env.SetStore(store)
	env.SetStakeLedger(ledger)
	env.SetBlockClock(clock)
	env.SetFactory(f)

	server := httpapi.NewServer(entrypoint.NewFromEnv(env))

	log.Infof("Serving scheduler API on %s", *listenAddr)
	if err := http.ListenAndServe(*listenAddr, server.Router()); err != nil {
		log.Fatalf("HTTP server exited: %s", err)
	}
}
