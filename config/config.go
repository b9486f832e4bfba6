// Copyright (c) 2013-2017 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"github.com/syfer-network/syferd/currency"
	"github.com/syfer-network/syferd/logs"
	"github.com/syfer-network/syferd/util"
	"github.com/syfer-network/syferd/version"
)

const (
	defaultConfigFilename = "syferd.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "syferd.log"

	defaultAutosaveBlocks        = 720
	defaultMempoolTxLiveTime     = 24 * time.Hour
	defaultKeptByBlockTxLiveTime = 7 * 24 * time.Hour
)

var (
	// DefaultHomeDir is the default home directory for syferd.
	DefaultHomeDir = util.AppDataDir("syferd", false)

	defaultConfigFile = filepath.Join(DefaultHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(DefaultHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(DefaultHomeDir, defaultLogDirname)
)

// Flags holds the command-line options.
type Flags struct {
	ShowVersion           bool          `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile            string        `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir               string        `short:"b" long:"datadir" description:"Directory to store block chain data"`
	LogDir                string        `long:"logdir" description:"Directory to log output"`
	DebugLevel            string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems"`
	Testnet               bool          `long:"testnet" description:"Use the test network"`
	EnableExplorerIndices bool          `long:"enableexplorerindices" description:"Maintain the payment-id and timestamp block explorer indices"`
	AutosaveBlocks        uint32        `long:"autosaveblocks" description:"Save the chain caches every N accepted blocks (0 disables autosave)"`
	MempoolTxLiveTime     time.Duration `long:"mempooltxlivetime" description:"How long a transaction may wait in the mempool before eviction"`
}

// Config is the fully resolved daemon configuration.
type Config struct {
	Flags

	// Currency is the parameter set selected by the network flags.
	Currency *currency.Currency

	// KeptByBlockTxLiveTime is the mempool deadline for transactions that
	// returned from disconnected blocks.
	KeptByBlockTxLiveTime time.Duration
}

// LogFile returns the path of the rotating daemon log file.
func (c *Config) LogFile() string {
	return filepath.Join(c.LogDir, defaultLogFilename)
}

// LoadConfig initializes and parses the config using a config file and
// command line options. Command line options always take precedence.
func LoadConfig() (*Config, error) {
	cfgFlags := Flags{
		ConfigFile:        defaultConfigFile,
		DataDir:           defaultDataDir,
		LogDir:            defaultLogDir,
		DebugLevel:        defaultLogLevel,
		AutosaveBlocks:    defaultAutosaveBlocks,
		MempoolTxLiveTime: defaultMempoolTxLiveTime,
	}

	// Pre-parse the command line options to see if an alternative config
	// file was specified.
	preCfg := cfgFlags
	preParser := flags.NewParser(&preCfg, flags.HelpFlag)
	if _, err := preParser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, err
	}

	appName := filepath.Base(os.Args[0])
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version.Version())
		os.Exit(0)
	}

	parser := flags.NewParser(&cfgFlags, flags.Default)
	if _, err := os.Stat(preCfg.ConfigFile); err == nil || preCfg.ConfigFile != defaultConfigFile {
		err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			if pErr := new(os.PathError); !errors.As(err, &pErr) {
				return nil, errors.Wrapf(err, "failed to parse config file %s", preCfg.ConfigFile)
			}
			if preCfg.ConfigFile != defaultConfigFile {
				return nil, errors.Wrapf(err, "failed to open config file %s", preCfg.ConfigFile)
			}
		}
	}

	// Parse the command line again so the flags override the file.
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		return nil, err
	}

	cfg := &Config{
		Flags:                 cfgFlags,
		Currency:              &currency.MainNet,
		KeptByBlockTxLiveTime: defaultKeptByBlockTxLiveTime,
	}
	if cfg.Testnet {
		cfg.Currency = &currency.TestNet
	}

	// Keep the networks' data apart so switching --testnet never touches
	// the mainnet store.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, cfg.Currency.Name)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, cfg.Currency.Name)

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, errors.Wrapf(err, "failed to create data directory %s", cfg.DataDir)
	}

	if err := logs.ParseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		return nil, errors.Wrapf(err, "%s: -d, --debuglevel", appName)
	}

	return cfg, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		homeDir := filepath.Dir(DefaultHomeDir)
		path = homeDir + path[1:]
	}
	return filepath.Clean(os.ExpandEnv(path))
}
