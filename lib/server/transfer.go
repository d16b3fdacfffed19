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
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"go.uber.org/zap"

	"github.com/andrzej2298/netstore-file-server/lib/proto"
	"github.com/andrzej2298/netstore-file-server/lib/store"
)

// transferChunkSize is the buffer size for the TCP byte-copy loops.
const transferChunkSize = 64 * 1024

// errAcceptTimeout means the client never connected to the negotiated port.
// The handshake aborts silently in that case; no reply is defined for it.
var errAcceptTimeout = errors.New("client did not connect before timeout")

type transferKind int

const (
	transferFetch transferKind = iota
	transferUpload
)

// transferResult is reported by a transfer goroutine back to the dispatch
// loop, which performs all resulting catalog/ledger mutations.
type transferResult struct {
	kind   transferKind
	name   string
	path   string
	size   uint64 // bytes sent for fetch, declared size for upload
	client string
	err    error
}

func (s *Server) startFetch(seq uint64, client *net.UDPAddr, entry store.Entry) {
	s.transferWG.Add(1)
	go func() {
		defer s.transferWG.Done()
		sent, err := s.sendFile(seq, client, entry)
		s.reportTransfer(transferResult{
			kind:   transferFetch,
			name:   entry.Name,
			path:   entry.Path,
			size:   sent,
			client: client.String(),
			err:    err,
		})
	}()
}

func (s *Server) startUpload(seq uint64, client *net.UDPAddr, name, path string, declared uint64) {
	s.transferWG.Add(1)
	go func() {
		defer s.transferWG.Done()
		err := s.receiveFile(seq, client, path, declared)
		s.reportTransfer(transferResult{
			kind:   transferUpload,
			name:   name,
			path:   path,
			size:   declared,
			client: client.String(),
			err:    err,
		})
	}()
}

func (s *Server) reportTransfer(res transferResult) {
	select {
	case s.results <- res:
	case <-s.stopChan:
	}
}

// sendFile performs the fetch side of the handshake: announce an ephemeral
// port with CONNECT_ME, wait for the client, then stream the file verbatim.
// A short write is fatal to the transfer. Fetch never touches catalog or
// ledger state, whatever the outcome.
func (s *Server) sendFile(seq uint64, client *net.UDPAddr, entry store.Entry) (uint64, error) {
	ln, port, err := s.listenEphemeral()
	if err != nil {
		return 0, err
	}
	defer s.releaseListener(ln)

	s.sendComplex(proto.CmdConnectMe, seq, uint64(port), []byte(entry.Name), client)

	conn, err := s.acceptWithTimeout(ln)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	f, err := os.Open(entry.Path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w := s.limiter.Writer(conn)
	buf := make([]byte, transferChunkSize)
	var sent uint64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			if werr != nil {
				return sent, werr
			}
			if wn != n {
				return sent, io.ErrShortWrite
			}
			sent += uint64(wn)
		}
		if err == io.EOF {
			return sent, nil
		}
		if err != nil {
			return sent, err
		}
	}
}

// receiveFile performs the upload side of the handshake: announce an
// ephemeral port with CAN_ADD, wait for the client, then copy at most the
// declared number of bytes into a fresh backing file. The path sits in the
// open-files set from before the first write until the file is complete or
// cleaned up, so a crash cannot leave an untracked partial file.
func (s *Server) receiveFile(seq uint64, client *net.UDPAddr, path string, declared uint64) error {
	ln, port, err := s.listenEphemeral()
	if err != nil {
		return err
	}
	defer s.releaseListener(ln)

	s.sendComplex(proto.CmdCanAdd, seq, uint64(port), nil, client)

	conn, err := s.acceptWithTimeout(ln)
	if err != nil {
		return err
	}
	defer conn.Close()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	s.trackOpen(path)

	err = s.copyToFile(f, conn, declared)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			s.logger.Warn("Failed to delete partial file after failed upload",
				zap.String("path", path),
				zap.Error(rmErr))
		}
	}
	s.untrackOpen(path)
	return err
}

func (s *Server) copyToFile(f *os.File, conn net.Conn, declared uint64) error {
	r := s.limiter.Reader(conn)
	buf := make([]byte, transferChunkSize)
	remaining := declared
	for remaining > 0 {
		n, err := r.Read(buf)
		if n > 0 {
			// Never write beyond the declared size, even if the client
			// keeps sending.
			toWrite := uint64(n)
			if toWrite > remaining {
				toWrite = remaining
			}
			wn, werr := f.Write(buf[:toWrite])
			if werr != nil {
				return werr
			}
			if uint64(wn) != toWrite {
				return io.ErrShortWrite
			}
			remaining -= toWrite
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	if remaining != 0 {
		return fmt.Errorf("stream ended %d bytes short of declared size", remaining)
	}
	return nil
}

// listenEphemeral opens a fresh TCP listener on an OS-chosen port, bound to
// all interfaces, and registers it so shutdown can unblock pending accepts.
func (s *Server) listenEphemeral() (*net.TCPListener, int, error) {
	ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, 0, fmt.Errorf("open transfer listener: %w", err)
	}
	s.listenerMutex.Lock()
	s.listeners[ln] = struct{}{}
	s.listenerMutex.Unlock()
	return ln, ln.Addr().(*net.TCPAddr).Port, nil
}

func (s *Server) releaseListener(ln *net.TCPListener) {
	s.listenerMutex.Lock()
	delete(s.listeners, ln)
	s.listenerMutex.Unlock()
	ln.Close()
}

func (s *Server) closeListeners() {
	s.listenerMutex.Lock()
	for ln := range s.listeners {
		ln.Close()
	}
	s.listenerMutex.Unlock()
}

// acceptWithTimeout waits for the client's TCP connection, bounded by the
// configured timeout. Stream reads and writes after the accept carry no
// additional deadline.
func (s *Server) acceptWithTimeout(ln *net.TCPListener) (net.Conn, error) {
	ln.SetDeadline(s.clock.Now().Add(s.timeout))
	conn, err := ln.Accept()
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, errAcceptTimeout
		}
		return nil, err
	}
	return conn, nil
}
