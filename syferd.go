package main

import (
	"fmt"

	"github.com/syfer-network/syferd/blockchain"
	"github.com/syfer-network/syferd/config"
	"github.com/syfer-network/syferd/crypto"
	"github.com/syfer-network/syferd/logs"
	"github.com/syfer-network/syferd/mempool"
	"github.com/syfer-network/syferd/mining"
	"github.com/syfer-network/syferd/signal"
	"github.com/syfer-network/syferd/util/panics"
	"github.com/syfer-network/syferd/version"
)

// syferd ties the chain engine, the transaction pool and the template
// generator together for one process lifetime.
type syferd struct {
	cfg       *config.Config
	chain     *blockchain.Blockchain
	pool      *mempool.TxPool
	generator *mining.Generator
}

// newSyferd opens the chain from the data directory and attaches a fresh
// transaction pool to it.
func newSyferd(cfg *config.Config, interrupt <-chan struct{}) (*syferd, error) {
	timeSource := blockchain.NewTimeSource()

	chain, err := blockchain.New(&blockchain.Config{
		DataDir:  cfg.DataDir,
		Currency: cfg.Currency,
		Oracles: crypto.Oracles{
			Pow: crypto.KeccakPow{},
			Sig: crypto.AssumeValidVerifier{},
		},
		TimeSource:            timeSource,
		EnableExplorerIndices: cfg.EnableExplorerIndices,
		AutosaveEveryNBlocks:  cfg.AutosaveBlocks,
		Interrupt: func() bool {
			return signal.InterruptRequested(interrupt)
		},
	})
	if err != nil {
		return nil, err
	}

	pool, err := mempool.New(&mempool.Config{
		Currency:              cfg.Currency,
		Chain:                 chain,
		TimeSource:            timeSource,
		DataDir:               cfg.DataDir,
		TxLiveTime:            cfg.MempoolTxLiveTime,
		KeptByBlockTxLiveTime: cfg.KeptByBlockTxLiveTime,
	})
	if err != nil {
		chain.Close()
		return nil, err
	}
	chain.AttachTransactionPool(pool)

	return &syferd{
		cfg:       cfg,
		chain:     chain,
		pool:      pool,
		generator: mining.NewGenerator(cfg.Currency, chain, pool, timeSource),
	}, nil
}

// stop flushes the caches and the pool state and releases the store.
func (s *syferd) stop() {
	if err := s.pool.Close(); err != nil {
		log.Errorf("Error saving mempool state: %+v", err)
	}
	if s.chain.ReadOnly() {
		log.Warnf("Chain is read-only after an internal failure; " +
			"caches are left for a rebuild on the next start")
	} else if err := s.chain.SaveCaches(); err != nil {
		log.Errorf("Error saving chain caches: %+v", err)
	}
	if err := s.chain.Close(); err != nil {
		log.Errorf("Error closing the block store: %+v", err)
	}
}

// syferdMain is the real main function for syferd. It is a separate function
// so the defers run before os.Exit.
func syferdMain() error {
	interrupt := signal.InterruptListener()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Println(err)
		return err
	}

	if err := logs.InitLog(cfg.LogFile()); err != nil {
		fmt.Printf("Error initializing logger: %+v\n", err)
		return err
	}
	defer logs.BackendLog.Close()
	defer panics.HandlePanic(log, nil)

	log.Infof("Version %s", version.Version())
	log.Infof("Loading chain from %s", cfg.DataDir)

	if signal.InterruptRequested(interrupt) {
		return nil
	}

	daemon, err := newSyferd(cfg, interrupt)
	if err != nil {
		log.Errorf("Unable to start syferd: %+v", err)
		return err
	}
	defer daemon.stop()

	log.Infof("Chain loaded at height %d, tip %s",
		daemon.chain.Height(), daemon.chain.TipHash())
	log.Infof("Mempool holds %d transactions", daemon.pool.Count())

	<-interrupt
	log.Info("Shutdown complete")
	return nil
}
