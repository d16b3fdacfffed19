// Copyright (c) 2024 Netstore Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server implements the netstore file server: a UDP command
// dispatcher on a multicast group plus per-transfer TCP connections for the
// actual file bytes.
package server

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/andrzej2298/netstore-file-server/lib/network"
	"github.com/andrzej2298/netstore-file-server/lib/proto"
	"github.com/andrzej2298/netstore-file-server/lib/store"
)

// Defaults and limits for the configuration surface.
const (
	DefaultMaxSpace = 52428800 // 50 MiB
	DefaultTimeout  = 5        // seconds
	MaxTimeout      = 300      // seconds

	shutdownGrace = 10 * time.Second
)

// Config defines server configuration.
type Config struct {
	MulticastAddr string `yaml:"mcast_addr"`
	CmdPort       int    `yaml:"cmd_port"`
	MaxSpace      uint64 `yaml:"max_space"`
	SharedFolder  string `yaml:"shrd_fldr"`
	Timeout       uint   `yaml:"timeout"` // seconds a transfer waits for the client to connect
	WatchFolder   bool   `yaml:"watch_folder"`

	Journal   store.JournalConfig     `yaml:"journal"`
	Bandwidth BandwidthConfig         `yaml:"bandwidth"`
	MDNS      network.AdvertiseConfig `yaml:"mdns"`
}

func (c *Config) applyDefaults() {
	if c.MaxSpace == 0 {
		c.MaxSpace = DefaultMaxSpace
	}
}

func (c Config) validate() error {
	if c.MulticastAddr == "" {
		return fmt.Errorf("mcast-addr is required")
	}
	if c.CmdPort <= 0 || c.CmdPort > 65535 {
		return fmt.Errorf("cmd-port %d out of range", c.CmdPort)
	}
	if c.SharedFolder == "" {
		return fmt.Errorf("shrd-fldr is required")
	}
	if c.Timeout == 0 || c.Timeout > MaxTimeout {
		return fmt.Errorf("timeout %d out of range (1..%d)", c.Timeout, MaxTimeout)
	}
	return nil
}

// packetWriter sends control replies. Satisfied by *network.MulticastConn.
type packetWriter interface {
	WriteTo(b []byte, addr *net.UDPAddr) (int, error)
}

type packet struct {
	data []byte
	addr *net.UDPAddr
}

// Server owns all state of one netstore instance. The dispatch loop is the
// only goroutine that mutates the catalog and the ledger; transfer goroutines
// report back over the results channel and touch nothing else shared except
// the open-files set.
type Server struct {
	config  Config
	timeout time.Duration
	clock   clock.Clock
	stats   tally.Scope
	logger  *zap.Logger

	catalog *store.Catalog
	ledger  *store.Ledger
	journal *store.Journal
	limiter *BandwidthLimiter

	conn       *network.MulticastConn
	out        packetWriter
	advertiser *network.Advertiser
	watcher    *FolderWatcher
	fsEvents   <-chan FolderEvent

	// Backing paths currently being written by in-flight uploads. Used only
	// for crash/shutdown cleanup and for ignoring the server's own writes in
	// the folder watcher, never for normal accounting.
	openFiles map[string]struct{}
	openMutex sync.Mutex

	listeners     map[*net.TCPListener]struct{}
	listenerMutex sync.Mutex

	packets chan packet
	results chan transferResult

	stopChan   chan struct{}
	stopOnce   sync.Once
	loopWG     sync.WaitGroup
	transferWG sync.WaitGroup
}

// New creates a server: validates configuration, indexes the shared folder
// and opens the journal. Network resources are acquired in Start.
func New(config Config, stats tally.Scope, logger *zap.Logger) (*Server, error) {
	config.applyDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	catalog := store.NewCatalog()
	ledger := store.NewLedger(config.MaxSpace)
	if err := store.IndexFolder(config.SharedFolder, catalog, ledger, logger); err != nil {
		return nil, err
	}

	journal, err := store.NewJournal(config.Journal, logger)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	return &Server{
		config:    config,
		timeout:   time.Duration(config.Timeout) * time.Second,
		clock:     clock.New(),
		stats:     stats,
		logger:    logger,
		catalog:   catalog,
		ledger:    ledger,
		journal:   journal,
		limiter:   NewBandwidthLimiter(config.Bandwidth, logger),
		openFiles: make(map[string]struct{}),
		listeners: make(map[*net.TCPListener]struct{}),
		packets:   make(chan packet, 64),
		results:   make(chan transferResult, 16),
		stopChan:  make(chan struct{}),
	}, nil
}

// Start joins the multicast group and launches the receive and dispatch
// loops.
func (s *Server) Start() error {
	conn, err := network.ListenMulticast(s.config.MulticastAddr, s.config.CmdPort)
	if err != nil {
		return err
	}
	s.conn = conn
	s.out = conn

	advertiser, err := network.NewAdvertiser(s.config.MDNS, s.config.CmdPort, s.logger)
	if err != nil {
		s.conn.Close()
		return err
	}
	s.advertiser = advertiser

	if s.config.WatchFolder {
		watcher, err := NewFolderWatcher(s.config.SharedFolder, s.logger)
		if err != nil {
			s.advertiser.Shutdown()
			s.conn.Close()
			return err
		}
		if err := watcher.Start(); err != nil {
			s.advertiser.Shutdown()
			s.conn.Close()
			return err
		}
		s.watcher = watcher
		s.fsEvents = watcher.Events()
	}

	s.loopWG.Add(2)
	go s.readLoop()
	go s.dispatchLoop()

	s.logger.Info("Server started",
		zap.String("mcast_addr", s.config.MulticastAddr),
		zap.Int("cmd_port", s.config.CmdPort),
		zap.String("shrd_fldr", s.config.SharedFolder),
		zap.Uint64("available_space", s.ledger.Available()),
		zap.Uint64("negative_space", s.ledger.Debt()))

	return nil
}

// Done is closed when the server stops serving, either by Stop or by a fatal
// dispatcher error.
func (s *Server) Done() <-chan struct{} {
	return s.stopChan
}

func (s *Server) signalStop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

// Stop tears the server down: terminate loops, close the control socket
// (dropping the multicast membership exactly once), close transfer
// listeners, wait for in-flight transfers with a grace bound, then delete
// every partially written file.
func (s *Server) Stop() {
	s.logger.Info("Stopping server")
	s.signalStop()

	if s.conn != nil {
		s.conn.Close()
	}
	s.closeListeners()
	s.loopWG.Wait()

	transfersDone := make(chan struct{})
	go func() {
		s.transferWG.Wait()
		close(transfersDone)
	}()
	select {
	case <-transfersDone:
	case <-s.clock.After(shutdownGrace):
		s.logger.Warn("Grace period expired with transfers still in flight")
	}

	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.advertiser.Shutdown()

	s.openMutex.Lock()
	for path := range s.openFiles {
		if err := os.Remove(path); err != nil {
			s.logger.Warn("Failed to delete partial file",
				zap.String("path", path),
				zap.Error(err))
		} else {
			s.logger.Info("Deleted partial file", zap.String("path", path))
		}
	}
	s.openFiles = make(map[string]struct{})
	s.openMutex.Unlock()

	if err := s.journal.Close(); err != nil {
		s.logger.Warn("Failed to close journal", zap.Error(err))
	}

	s.logger.Info("Server stopped")
}

// readLoop receives datagrams and feeds the dispatch loop. A receive error
// outside shutdown is fatal to the whole server.
func (s *Server) readLoop() {
	defer s.loopWG.Done()

	buf := make([]byte, proto.MaxDatagram)
	for {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.stopChan:
			default:
				s.logger.Error("Control socket receive failed", zap.Error(err))
				s.signalStop()
			}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		select {
		case s.packets <- packet{data: data, addr: addr}:
		case <-s.stopChan:
			return
		}
	}
}

// dispatchLoop serializes every catalog and ledger mutation: inbound
// commands, transfer completions and folder watcher events all pass through
// here.
func (s *Server) dispatchLoop() {
	defer s.loopWG.Done()

	for {
		select {
		case p := <-s.packets:
			s.handleDatagram(p)
		case res := <-s.results:
			s.handleTransferResult(res)
		case ev := <-s.fsEvents:
			s.handleFolderEvent(ev)
		case <-s.stopChan:
			return
		}
	}
}

func (s *Server) trackOpen(path string) {
	s.openMutex.Lock()
	s.openFiles[path] = struct{}{}
	s.openMutex.Unlock()
}

func (s *Server) untrackOpen(path string) {
	s.openMutex.Lock()
	delete(s.openFiles, path)
	s.openMutex.Unlock()
}

func (s *Server) isOpen(path string) bool {
	s.openMutex.Lock()
	_, ok := s.openFiles[path]
	s.openMutex.Unlock()
	return ok
}

// handleFolderEvent folds an out-of-band shared-folder change into the
// catalog and ledger. The server's own in-flight uploads are recognized by
// the open-files set and skipped.
func (s *Server) handleFolderEvent(ev FolderEvent) {
	switch ev.Type {
	case FileCreated:
		if s.isOpen(ev.Path) {
			return
		}
		if _, ok := s.catalog.Lookup(ev.Name); ok {
			return
		}
		s.ledger.Reserve(ev.Size)
		s.catalog.Insert(ev.Name, ev.Path, ev.Size)
		s.logger.Info("Indexed externally created file",
			zap.String("name", ev.Name),
			zap.Uint64("size", ev.Size))
	case FileRemoved:
		if s.isOpen(ev.Path) {
			return
		}
		entry, ok := s.catalog.Remove(ev.Name)
		if !ok {
			return
		}
		s.ledger.Refund(entry.Size)
		s.journal.DeleteFileState(entry.Name)
		s.journal.RecordEvent(store.TransferEvent{
			Type: store.EventFileRemoved,
			Name: entry.Name,
			Size: entry.Size,
		})
		s.logger.Info("Delisted externally removed file",
			zap.String("name", ev.Name),
			zap.Uint64("size", entry.Size))
	}
}

func containsPathSeparator(name string) bool {
	return strings.ContainsRune(name, '/') || strings.ContainsRune(name, os.PathSeparator)
}
