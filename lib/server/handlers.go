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
package server

import (
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/andrzej2298/netstore-file-server/lib/proto"
	"github.com/andrzej2298/netstore-file-server/lib/store"
)

// handleDatagram validates and routes one inbound control datagram. Records
// shorter than the minimum size of their variant are dropped without a
// reply; a recognized command used incorrectly gets an error reply instead.
func (s *Server) handleDatagram(p packet) {
	if len(p.data) < proto.SimpleHeaderSize {
		s.stats.Counter("datagrams_dropped").Inc(1)
		s.logger.Debug("Dropping truncated datagram",
			zap.Int("size", len(p.data)),
			zap.String("from", p.addr.String()))
		return
	}

	req, err := proto.DecodeSimple(p.data)
	if err != nil {
		s.stats.Counter("datagrams_dropped").Inc(1)
		return
	}

	switch {
	case req.Is(proto.CmdHello):
		s.stats.SubScope("commands").Counter("hello").Inc(1)
		s.handleDiscover(req, p.addr)
	case req.Is(proto.CmdDel):
		s.stats.SubScope("commands").Counter("del").Inc(1)
		s.handleRemove(req, p.addr)
	case req.Is(proto.CmdList):
		s.stats.SubScope("commands").Counter("list").Inc(1)
		s.handleSearch(req, p.addr)
	case req.Is(proto.CmdGet):
		s.stats.SubScope("commands").Counter("get").Inc(1)
		s.handleFetch(req, p.addr)
	case req.Is(proto.CmdAdd):
		if len(p.data) < proto.ComplexHeaderSize {
			s.stats.Counter("datagrams_dropped").Inc(1)
			return
		}
		creq, err := proto.DecodeComplex(p.data)
		if err != nil {
			s.stats.Counter("datagrams_dropped").Inc(1)
			return
		}
		s.stats.SubScope("commands").Counter("add").Inc(1)
		s.handleUpload(creq, p.addr)
	default:
		s.stats.SubScope("commands").Counter("invalid").Inc(1)
		s.sendInvalid(req.Seq, p.addr, "invalid command")
	}
}

// handleDiscover answers HELLO with the server's identity and the current
// available space.
func (s *Server) handleDiscover(req *proto.SimpleCmd, addr *net.UDPAddr) {
	if len(req.Data) != 0 {
		s.sendInvalid(req.Seq, addr, "HELLO takes no data")
		return
	}
	s.sendComplex(proto.CmdGoodDay, req.Seq, s.ledger.Available(),
		[]byte(s.config.MulticastAddr), addr)
}

// handleRemove deletes a file by name: refund the space, unlink the backing
// file, delist. Fire-and-forget; an unknown name is ignored silently.
func (s *Server) handleRemove(req *proto.SimpleCmd, addr *net.UDPAddr) {
	if len(req.Data) == 0 {
		s.sendInvalid(req.Seq, addr, "DEL requires a file name")
		return
	}
	name := string(req.Data)
	entry, ok := s.catalog.Lookup(name)
	if !ok {
		return
	}

	size := entry.Size
	if fi, err := os.Stat(entry.Path); err == nil {
		size = uint64(fi.Size())
	}
	s.ledger.Refund(size)
	if err := os.Remove(entry.Path); err != nil {
		s.logger.Warn("Failed to delete backing file",
			zap.String("path", entry.Path),
			zap.Error(err))
	}
	s.catalog.Remove(name)

	s.journal.DeleteFileState(name)
	s.journal.RecordEvent(store.TransferEvent{
		Type:   store.EventFileRemoved,
		Name:   name,
		Size:   size,
		Client: addr.String(),
	})

	s.logger.Info("Removed file",
		zap.String("name", name),
		zap.Uint64("size", size),
		zap.Uint64("available_space", s.ledger.Available()),
		zap.Uint64("negative_space", s.ledger.Debt()))
}

// handleSearch answers LIST with one or more MY_LIST replies, each payload
// strictly under the maximum simple-record data size.
func (s *Server) handleSearch(req *proto.SimpleCmd, addr *net.UDPAddr) {
	names := s.catalog.Search(string(req.Data))
	for _, page := range PaginateNames(names, proto.MaxSimpleData) {
		s.sendSimple(proto.CmdMyList, req.Seq, page, addr)
	}
}

// handleFetch starts a fetch transfer for a known file, or answers with an
// error reply.
func (s *Server) handleFetch(req *proto.SimpleCmd, addr *net.UDPAddr) {
	if len(req.Data) == 0 {
		s.sendInvalid(req.Seq, addr, "GET requires a file name")
		return
	}
	entry, ok := s.catalog.Lookup(string(req.Data))
	if !ok {
		s.sendInvalid(req.Seq, addr, "invalid file name")
		return
	}
	s.stats.SubScope("transfers").Counter("started").Inc(1)
	s.startFetch(req.Seq, addr, entry)
}

// handleUpload applies the admission rules and, when the upload is accepted,
// charges the space and inserts the name into the catalog before the
// transfer starts, so a concurrent duplicate upload is rejected.
func (s *Server) handleUpload(req *proto.ComplexCmd, addr *net.UDPAddr) {
	name := string(req.Data)
	size := req.Param

	_, exists := s.catalog.Lookup(name)
	if size > s.ledger.Available() || exists || containsPathSeparator(name) || name == "" {
		s.sendSimple(proto.CmdNoWay, req.Seq, req.Data, addr)
		s.logger.Info("Rejected upload",
			zap.String("name", name),
			zap.Uint64("declared_size", size),
			zap.Uint64("available_space", s.ledger.Available()))
		return
	}

	path := filepath.Join(s.config.SharedFolder, name)
	s.ledger.Charge(size)
	s.catalog.Insert(name, path, size)

	s.journal.RecordEvent(store.TransferEvent{
		Type:   store.EventUploadAdmitted,
		Name:   name,
		Size:   size,
		Client: addr.String(),
	})

	s.stats.SubScope("transfers").Counter("started").Inc(1)
	s.startUpload(req.Seq, addr, name, path, size)
}

// handleTransferResult finalizes a transfer in the dispatcher context. A
// failed upload is delisted and its charge refunded; the entry stayed
// visible for the whole in-flight window so duplicate admission kept
// rejecting.
func (s *Server) handleTransferResult(res transferResult) {
	switch res.kind {
	case transferFetch:
		if res.err != nil {
			s.stats.SubScope("transfers").Counter("failed").Inc(1)
			s.logger.Warn("Fetch failed",
				zap.String("name", res.name),
				zap.String("client", res.client),
				zap.Error(res.err))
			s.journal.RecordEvent(store.TransferEvent{
				Type:   store.EventFetchFailed,
				Name:   res.name,
				Client: res.client,
			})
			return
		}
		s.stats.SubScope("transfers").Counter("completed").Inc(1)
		s.stats.Counter("bytes_sent").Inc(int64(res.size))
		s.journal.RecordEvent(store.TransferEvent{
			Type:   store.EventFetchCompleted,
			Name:   res.name,
			Size:   res.size,
			Client: res.client,
		})
		s.logger.Info("Fetch completed",
			zap.String("name", res.name),
			zap.Uint64("bytes", res.size),
			zap.String("client", res.client))

	case transferUpload:
		if res.err != nil {
			s.stats.SubScope("transfers").Counter("failed").Inc(1)
			if _, ok := s.catalog.Remove(res.name); ok {
				s.ledger.Refund(res.size)
			}
			s.journal.RecordEvent(store.TransferEvent{
				Type:   store.EventUploadFailed,
				Name:   res.name,
				Size:   res.size,
				Client: res.client,
			})
			s.logger.Warn("Upload failed, entry delisted and space refunded",
				zap.String("name", res.name),
				zap.Uint64("declared_size", res.size),
				zap.String("client", res.client),
				zap.Error(res.err))
			return
		}
		s.stats.SubScope("transfers").Counter("completed").Inc(1)
		s.stats.Counter("bytes_received").Inc(int64(res.size))
		s.catalog.SetSize(res.name, res.size)
		s.journal.SaveFileState(store.FileState{
			Name:     res.name,
			Path:     res.path,
			Size:     res.size,
			Modified: s.clock.Now(),
		})
		s.journal.RecordEvent(store.TransferEvent{
			Type:   store.EventUploadCompleted,
			Name:   res.name,
			Size:   res.size,
			Client: res.client,
		})
		s.logger.Info("Upload completed",
			zap.String("name", res.name),
			zap.Uint64("size", res.size),
			zap.String("client", res.client))
	}
}

func (s *Server) sendSimple(cmd string, seq uint64, data []byte, addr *net.UDPAddr) {
	b, err := proto.EncodeSimple(cmd, seq, data)
	if err != nil {
		s.logger.Error("Failed to encode reply", zap.String("cmd", cmd), zap.Error(err))
		return
	}
	s.sendReply(b, addr)
}

func (s *Server) sendComplex(cmd string, seq, param uint64, data []byte, addr *net.UDPAddr) {
	b, err := proto.EncodeComplex(cmd, seq, param, data)
	if err != nil {
		s.logger.Error("Failed to encode reply", zap.String("cmd", cmd), zap.Error(err))
		return
	}
	s.sendReply(b, addr)
}

func (s *Server) sendInvalid(seq uint64, addr *net.UDPAddr, reason string) {
	s.sendSimple(proto.CmdInvalid, seq, []byte(reason), addr)
}

func (s *Server) sendReply(b []byte, addr *net.UDPAddr) {
	if s.out == nil {
		return
	}
	if _, err := s.out.WriteTo(b, addr); err != nil {
		s.logger.Warn("Failed to send reply",
			zap.String("to", addr.String()),
			zap.Error(err))
	}
}
