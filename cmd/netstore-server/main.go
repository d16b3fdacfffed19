package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/andrzej2298/netstore-file-server/lib/server"
	"github.com/andrzej2298/netstore-file-server/utils/configutil"
	"github.com/andrzej2298/netstore-file-server/utils/log"
)

// Config defines the complete netstore server configuration.
type Config struct {
	Log    log.Config    `yaml:"log"`
	Server server.Config `yaml:"server"`
}

// Run starts the server and blocks until shutdown.
func Run(config Config) {
	logger, err := log.New(config.Log, nil)
	if err != nil {
		panic(fmt.Sprintf("log: %s", err))
	}
	defer logger.Sync()

	srv, err := server.New(config.Server, tally.NoopScope, logger)
	if err != nil {
		logger.Fatal("Failed to create server", zap.Error(err))
	}

	if err := srv.Start(); err != nil {
		logger.Fatal("Failed to start server", zap.Error(err))
	}

	// Set up graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-srv.Done():
		logger.Warn("Server stopped serving")
	}

	srv.Stop()
}

// ParseFlags parses command line flags and returns the configuration.
func ParseFlags() Config {
	var (
		app = kingpin.New("netstore-server", "Peer-discoverable network file store")

		configFile = app.Flag("config", "Configuration file path").String()
		mcastAddr  = app.Flag("mcast-addr", "Multicast group address").Short('g').Required().String()
		cmdPort    = app.Flag("cmd-port", "UDP control port").Short('p').Required().Int()
		maxSpace   = app.Flag("max-space", "Storage quota in bytes").Short('b').Default("52428800").Uint64()
		shrdFldr   = app.Flag("shrd-fldr", "Shared folder path").Short('f').Required().String()
		timeout    = app.Flag("timeout", "Seconds to wait for a transfer connection").Short('t').Default("5").Uint()
		watch      = app.Flag("watch", "Index external changes to the shared folder").Bool()
	)

	kingpin.MustParse(app.Parse(os.Args[1:]))

	config := Config{}
	if err := configutil.Load(*configFile, &config); err != nil {
		panic(fmt.Sprintf("load config: %s", err))
	}

	// Command line flags take precedence over the config file.
	config.Server.MulticastAddr = *mcastAddr
	config.Server.CmdPort = *cmdPort
	config.Server.MaxSpace = *maxSpace
	config.Server.SharedFolder = *shrdFldr
	config.Server.Timeout = *timeout
	if *watch {
		config.Server.WatchFolder = true
	}

	return config
}

func main() {
	config := ParseFlags()
	Run(config)
}
