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
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/andrzej2298/netstore-file-server/lib/proto"
)

const testMulticastAddr = "239.10.11.12"

// fakeWriter captures control replies instead of sending UDP.
type fakeWriter struct {
	mu   sync.Mutex
	sent [][]byte
	ch   chan []byte
}

func newFakeWriter() *fakeWriter {
	return &fakeWriter{ch: make(chan []byte, 16)}
}

func (f *fakeWriter) WriteTo(b []byte, addr *net.UDPAddr) (int, error) {
	cp := append([]byte(nil), b...)
	f.mu.Lock()
	f.sent = append(f.sent, cp)
	f.mu.Unlock()
	select {
	case f.ch <- cp:
	default:
	}
	return len(b), nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeWriter) last(t *testing.T) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("Expected a reply, got none")
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeWriter) wait(t *testing.T) []byte {
	t.Helper()
	select {
	case b := <-f.ch:
		return b
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for a reply")
		return nil
	}
}

func newTestServer(t *testing.T, quota uint64) (*Server, *fakeWriter) {
	t.Helper()
	config := Config{
		MulticastAddr: testMulticastAddr,
		CmdPort:       40000,
		MaxSpace:      quota,
		SharedFolder:  t.TempDir(),
		Timeout:       1,
	}
	s, err := New(config, tally.NoopScope, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	out := newFakeWriter()
	s.out = out
	return s, out
}

func writeSharedFile(t *testing.T, s *Server, name string, size int) {
	t.Helper()
	path := filepath.Join(s.config.SharedFolder, name)
	if err := os.WriteFile(path, bytes.Repeat([]byte{'x'}, size), 0644); err != nil {
		t.Fatal(err)
	}
}

func clientAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 54321}
}

func mustEncodeSimple(t *testing.T, cmd string, seq uint64, data []byte) []byte {
	t.Helper()
	b, err := proto.EncodeSimple(cmd, seq, data)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func mustEncodeComplex(t *testing.T, cmd string, seq, param uint64, data []byte) []byte {
	t.Helper()
	b, err := proto.EncodeComplex(cmd, seq, param, data)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func waitResult(t *testing.T, s *Server) transferResult {
	t.Helper()
	select {
	case res := <-s.results:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for transfer result")
		return transferResult{}
	}
}

func TestDiscoverReportsAvailableSpace(t *testing.T) {
	config := Config{
		MulticastAddr: testMulticastAddr,
		CmdPort:       40000,
		MaxSpace:      100,
		SharedFolder:  t.TempDir(),
		Timeout:       1,
	}
	if err := os.WriteFile(filepath.Join(config.SharedFolder, "a.bin"), make([]byte, 30), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := New(config, tally.NoopScope, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	out := newFakeWriter()
	s.out = out

	s.handleDatagram(packet{data: mustEncodeSimple(t, proto.CmdHello, 42, nil), addr: clientAddr()})

	reply, err := proto.DecodeComplex(out.last(t))
	if err != nil {
		t.Fatalf("DecodeComplex failed: %v", err)
	}
	if !reply.Is(proto.CmdGoodDay) {
		t.Errorf("Expected GOOD_DAY, got %q", reply.Name())
	}
	if reply.Seq != 42 {
		t.Errorf("Expected seq 42, got %d", reply.Seq)
	}
	if reply.Param != 70 {
		t.Errorf("Expected available space 70, got %d", reply.Param)
	}
	if string(reply.Data) != testMulticastAddr {
		t.Errorf("Expected multicast address in data, got %q", reply.Data)
	}
}

func TestDiscoverWithPayloadGetsErrorReply(t *testing.T) {
	s, out := newTestServer(t, 100)

	s.handleDatagram(packet{data: mustEncodeSimple(t, proto.CmdHello, 1, []byte("junk")), addr: clientAddr()})

	reply, err := proto.DecodeSimple(out.last(t))
	if err != nil {
		t.Fatal(err)
	}
	if !reply.Is(proto.CmdInvalid) {
		t.Errorf("Expected INVALID, got %q", reply.Name())
	}
}

func TestTruncatedDatagramDroppedSilently(t *testing.T) {
	s, out := newTestServer(t, 100)

	s.handleDatagram(packet{data: make([]byte, proto.SimpleHeaderSize-1), addr: clientAddr()})

	if out.count() != 0 {
		t.Errorf("Expected no reply for truncated datagram, got %d", out.count())
	}
}

func TestUnknownCommandGetsErrorReply(t *testing.T) {
	s, out := newTestServer(t, 100)

	s.handleDatagram(packet{data: mustEncodeSimple(t, "BOGUS", 9, nil), addr: clientAddr()})

	reply, err := proto.DecodeSimple(out.last(t))
	if err != nil {
		t.Fatal(err)
	}
	if !reply.Is(proto.CmdInvalid) || reply.Seq != 9 {
		t.Errorf("Expected INVALID with seq 9, got %q seq %d", reply.Name(), reply.Seq)
	}
}

func TestUploadAdmissionRejections(t *testing.T) {
	s, out := newTestServer(t, 100)
	writeSharedFile(t, s, "taken.bin", 10)
	// Re-index would normally happen in New; insert manually to mirror it.
	s.catalog.Insert("taken.bin", filepath.Join(s.config.SharedFolder, "taken.bin"), 10)
	s.ledger.Reserve(10)

	availableBefore := s.ledger.Available()
	catalogBefore := s.catalog.Len()

	cases := []struct {
		desc string
		name string
		size uint64
	}{
		{"size exceeds available space", "big.bin", availableBefore + 1},
		{"duplicate name", "taken.bin", 1},
		{"path separator in name", "evil/name.bin", 1},
		{"empty name", "", 1},
	}

	for _, tc := range cases {
		s.handleDatagram(packet{
			data: mustEncodeComplex(t, proto.CmdAdd, 7, tc.size, []byte(tc.name)),
			addr: clientAddr(),
		})

		reply, err := proto.DecodeSimple(out.last(t))
		if err != nil {
			t.Fatalf("%s: %v", tc.desc, err)
		}
		if !reply.Is(proto.CmdNoWay) {
			t.Errorf("%s: expected NO_WAY, got %q", tc.desc, reply.Name())
		}
		if string(reply.Data) != tc.name {
			t.Errorf("%s: expected name echoed, got %q", tc.desc, reply.Data)
		}
		if s.ledger.Available() != availableBefore {
			t.Errorf("%s: ledger mutated on rejection", tc.desc)
		}
		if s.catalog.Len() != catalogBefore {
			t.Errorf("%s: catalog mutated on rejection", tc.desc)
		}
	}
}

func TestUploadUniquenessWhilePending(t *testing.T) {
	s, out := newTestServer(t, 1000)

	s.handleDatagram(packet{
		data: mustEncodeComplex(t, proto.CmdAdd, 1, 10, []byte("new.bin")),
		addr: clientAddr(),
	})

	// CAN_ADD comes from the transfer goroutine once the listener is up.
	reply, err := proto.DecodeComplex(out.wait(t))
	if err != nil {
		t.Fatal(err)
	}
	if !reply.Is(proto.CmdCanAdd) {
		t.Fatalf("Expected CAN_ADD, got %q", reply.Name())
	}
	if s.ledger.Available() != 990 {
		t.Errorf("Expected charge of 10, available %d", s.ledger.Available())
	}

	// Second upload of the same name while the first is pending.
	s.handleDatagram(packet{
		data: mustEncodeComplex(t, proto.CmdAdd, 2, 10, []byte("new.bin")),
		addr: clientAddr(),
	})
	second, err := proto.DecodeSimple(out.last(t))
	if err != nil {
		t.Fatal(err)
	}
	if !second.Is(proto.CmdNoWay) {
		t.Errorf("Expected NO_WAY for duplicate pending upload, got %q", second.Name())
	}

	// Connect and close immediately: the pending transfer fails short and
	// the dispatcher refunds and delists.
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", reply.Param))
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()

	res := waitResult(t, s)
	if res.err == nil {
		t.Fatal("Expected short upload to fail")
	}
	s.handleTransferResult(res)

	if _, ok := s.catalog.Lookup("new.bin"); ok {
		t.Error("Expected failed upload to be delisted")
	}
	if s.ledger.Available() != 1000 {
		t.Errorf("Expected full refund, available %d", s.ledger.Available())
	}
}

func TestUploadFailureRefundsAndDelists(t *testing.T) {
	s, _ := newTestServer(t, 100)

	s.ledger.Charge(40)
	s.catalog.Insert("x.bin", filepath.Join(s.config.SharedFolder, "x.bin"), 40)

	s.handleTransferResult(transferResult{
		kind: transferUpload,
		name: "x.bin",
		size: 40,
		err:  errors.New("stream ended short"),
	})

	if _, ok := s.catalog.Lookup("x.bin"); ok {
		t.Error("Expected entry to be removed")
	}
	if s.ledger.Available() != 100 {
		t.Errorf("Expected available 100 after refund, got %d", s.ledger.Available())
	}
}

func TestRemoveDeletesAndRefunds(t *testing.T) {
	config := Config{
		MulticastAddr: testMulticastAddr,
		CmdPort:       40000,
		MaxSpace:      100,
		SharedFolder:  t.TempDir(),
		Timeout:       1,
	}
	path := filepath.Join(config.SharedFolder, "a.bin")
	if err := os.WriteFile(path, make([]byte, 30), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := New(config, tally.NoopScope, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	out := newFakeWriter()
	s.out = out

	s.handleDatagram(packet{data: mustEncodeSimple(t, proto.CmdDel, 3, []byte("a.bin")), addr: clientAddr()})

	if out.count() != 0 {
		t.Error("DEL is fire-and-forget, expected no reply")
	}
	if _, ok := s.catalog.Lookup("a.bin"); ok {
		t.Error("Expected entry to be removed from catalog")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("Expected backing file to be deleted")
	}
	if s.ledger.Available() != 100 {
		t.Errorf("Expected available 100 after refund, got %d", s.ledger.Available())
	}

	// Unknown name is ignored silently.
	s.handleDatagram(packet{data: mustEncodeSimple(t, proto.CmdDel, 4, []byte("missing")), addr: clientAddr()})
	if out.count() != 0 {
		t.Error("Expected no reply for unknown name")
	}

	// Empty payload is a usage error.
	s.handleDatagram(packet{data: mustEncodeSimple(t, proto.CmdDel, 5, nil), addr: clientAddr()})
	reply, err := proto.DecodeSimple(out.last(t))
	if err != nil {
		t.Fatal(err)
	}
	if !reply.Is(proto.CmdInvalid) {
		t.Errorf("Expected INVALID for empty DEL, got %q", reply.Name())
	}
}

func TestSearchReplies(t *testing.T) {
	s, out := newTestServer(t, 1000)
	s.catalog.Insert("a.txt", "/d/a.txt", 1)
	s.catalog.Insert("b.txt", "/d/b.txt", 1)

	s.handleDatagram(packet{data: mustEncodeSimple(t, proto.CmdList, 8, nil), addr: clientAddr()})

	reply, err := proto.DecodeSimple(out.last(t))
	if err != nil {
		t.Fatal(err)
	}
	if !reply.Is(proto.CmdMyList) || reply.Seq != 8 {
		t.Fatalf("Expected MY_LIST seq 8, got %q seq %d", reply.Name(), reply.Seq)
	}
	if string(reply.Data) != "a.txt\nb.txt" {
		t.Errorf("Unexpected listing: %q", reply.Data)
	}

	// Zero matches still produce exactly one reply, with empty payload.
	before := out.count()
	s.handleDatagram(packet{data: mustEncodeSimple(t, proto.CmdList, 9, []byte("zzz")), addr: clientAddr()})
	if out.count() != before+1 {
		t.Fatalf("Expected exactly one reply, got %d", out.count()-before)
	}
	empty, err := proto.DecodeSimple(out.last(t))
	if err != nil {
		t.Fatal(err)
	}
	if !empty.Is(proto.CmdMyList) || len(empty.Data) != 0 {
		t.Errorf("Expected empty MY_LIST, got %q data %q", empty.Name(), empty.Data)
	}
}

func TestFetchUnknownFile(t *testing.T) {
	s, out := newTestServer(t, 100)

	s.handleDatagram(packet{data: mustEncodeSimple(t, proto.CmdGet, 6, []byte("nope")), addr: clientAddr()})

	reply, err := proto.DecodeSimple(out.last(t))
	if err != nil {
		t.Fatal(err)
	}
	if !reply.Is(proto.CmdInvalid) {
		t.Errorf("Expected INVALID, got %q", reply.Name())
	}
}

func TestUploadFetchRoundTrip(t *testing.T) {
	s, out := newTestServer(t, 1<<20)

	content := bytes.Repeat([]byte("netstore round trip "), 5000) // ~100 KiB, spans chunks
	name := "round.bin"

	// Upload.
	s.handleDatagram(packet{
		data: mustEncodeComplex(t, proto.CmdAdd, 11, uint64(len(content)), []byte(name)),
		addr: clientAddr(),
	})
	canAdd, err := proto.DecodeComplex(out.wait(t))
	if err != nil {
		t.Fatal(err)
	}
	if !canAdd.Is(proto.CmdCanAdd) || canAdd.Seq != 11 {
		t.Fatalf("Expected CAN_ADD seq 11, got %q seq %d", canAdd.Name(), canAdd.Seq)
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", canAdd.Param))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write(content); err != nil {
		t.Fatal(err)
	}
	conn.Close()

	res := waitResult(t, s)
	if res.err != nil {
		t.Fatalf("Upload failed: %v", res.err)
	}
	s.handleTransferResult(res)

	written, err := os.ReadFile(filepath.Join(s.config.SharedFolder, name))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(written, content) {
		t.Fatal("Uploaded content does not match source")
	}

	// Fetch the same file back.
	s.handleDatagram(packet{data: mustEncodeSimple(t, proto.CmdGet, 12, []byte(name)), addr: clientAddr()})
	connectMe, err := proto.DecodeComplex(out.wait(t))
	if err != nil {
		t.Fatal(err)
	}
	if !connectMe.Is(proto.CmdConnectMe) {
		t.Fatalf("Expected CONNECT_ME, got %q", connectMe.Name())
	}
	if string(connectMe.Data) != name {
		t.Errorf("Expected filename echoed, got %q", connectMe.Data)
	}

	conn, err = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", connectMe.Param))
	if err != nil {
		t.Fatal(err)
	}
	fetched, err := io.ReadAll(conn)
	conn.Close()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(fetched, content) {
		t.Fatal("Fetched content does not match uploaded content")
	}

	res = waitResult(t, s)
	if res.err != nil {
		t.Fatalf("Fetch failed: %v", res.err)
	}
	if res.size != uint64(len(content)) {
		t.Errorf("Expected %d bytes sent, got %d", len(content), res.size)
	}
}

func TestUploadTimeoutLeavesNoFile(t *testing.T) {
	s, out := newTestServer(t, 1000)

	s.handleDatagram(packet{
		data: mustEncodeComplex(t, proto.CmdAdd, 20, 10, []byte("ghost.bin")),
		addr: clientAddr(),
	})
	if _, err := proto.DecodeComplex(out.wait(t)); err != nil {
		t.Fatal(err)
	}

	// Nobody connects; the accept deadline expires.
	res := waitResult(t, s)
	if !errors.Is(res.err, errAcceptTimeout) {
		t.Fatalf("Expected accept timeout, got %v", res.err)
	}
	s.handleTransferResult(res)

	if _, err := os.Stat(filepath.Join(s.config.SharedFolder, "ghost.bin")); !os.IsNotExist(err) {
		t.Error("Expected no backing file after timeout")
	}
	if _, ok := s.catalog.Lookup("ghost.bin"); ok {
		t.Error("Expected entry delisted after timeout")
	}
	if s.ledger.Available() != 1000 {
		t.Errorf("Expected full refund after timeout, available %d", s.ledger.Available())
	}
}

func TestFetchTimeoutChangesNothing(t *testing.T) {
	s, out := newTestServer(t, 1000)
	writeSharedFile(t, s, "keep.bin", 10)
	s.catalog.Insert("keep.bin", filepath.Join(s.config.SharedFolder, "keep.bin"), 10)
	s.ledger.Reserve(10)
	available := s.ledger.Available()

	s.handleDatagram(packet{data: mustEncodeSimple(t, proto.CmdGet, 21, []byte("keep.bin")), addr: clientAddr()})
	if _, err := proto.DecodeComplex(out.wait(t)); err != nil {
		t.Fatal(err)
	}

	res := waitResult(t, s)
	if !errors.Is(res.err, errAcceptTimeout) {
		t.Fatalf("Expected accept timeout, got %v", res.err)
	}
	s.handleTransferResult(res)

	if s.ledger.Available() != available {
		t.Error("Fetch must never change the ledger")
	}
	if _, ok := s.catalog.Lookup("keep.bin"); !ok {
		t.Error("Fetch must never change the catalog")
	}
}

func TestFolderEvents(t *testing.T) {
	s, _ := newTestServer(t, 100)

	s.handleFolderEvent(FolderEvent{
		Type: FileCreated,
		Name: "ext.bin",
		Path: filepath.Join(s.config.SharedFolder, "ext.bin"),
		Size: 30,
	})
	if _, ok := s.catalog.Lookup("ext.bin"); !ok {
		t.Fatal("Expected externally created file to be indexed")
	}
	if s.ledger.Available() != 70 {
		t.Errorf("Expected available 70, got %d", s.ledger.Available())
	}

	// The server's own in-flight upload is not double-indexed.
	openPath := filepath.Join(s.config.SharedFolder, "pending.bin")
	s.trackOpen(openPath)
	s.handleFolderEvent(FolderEvent{Type: FileCreated, Name: "pending.bin", Path: openPath, Size: 5})
	if _, ok := s.catalog.Lookup("pending.bin"); ok {
		t.Error("Expected in-flight upload to be ignored by the watcher path")
	}

	s.handleFolderEvent(FolderEvent{
		Type: FileRemoved,
		Name: "ext.bin",
		Path: filepath.Join(s.config.SharedFolder, "ext.bin"),
	})
	if _, ok := s.catalog.Lookup("ext.bin"); ok {
		t.Error("Expected externally removed file to be delisted")
	}
	if s.ledger.Available() != 100 {
		t.Errorf("Expected available 100, got %d", s.ledger.Available())
	}
}
