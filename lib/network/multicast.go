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
package network

import (
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/ipv4"
)

// MulticastConn is the server's UDP control socket: bound to the command
// port on all interfaces and joined to the multicast group. Membership is
// dropped exactly once, on Close.
type MulticastConn struct {
	conn   *net.UDPConn
	pc     *ipv4.PacketConn
	group  *net.UDPAddr
	joined []*net.Interface

	closeOnce sync.Once
	closeErr  error
}

// ListenMulticast binds a UDP socket on port and joins the multicast group
// on every eligible interface.
func ListenMulticast(group string, port int) (*MulticastConn, error) {
	ip := net.ParseIP(group)
	if ip == nil || !ip.IsMulticast() {
		return nil, fmt.Errorf("invalid multicast address %q", group)
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind udp port %d: %w", port, err)
	}

	mc := &MulticastConn{
		conn:  conn,
		pc:    ipv4.NewPacketConn(conn),
		group: &net.UDPAddr{IP: ip},
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := mc.pc.JoinGroup(iface, mc.group); err != nil {
			continue
		}
		mc.joined = append(mc.joined, iface)
	}
	if len(mc.joined) == 0 {
		conn.Close()
		return nil, fmt.Errorf("join multicast group %s: no usable interface", group)
	}

	return mc, nil
}

// ReadFrom reads one datagram from the control socket.
func (mc *MulticastConn) ReadFrom(b []byte) (int, *net.UDPAddr, error) {
	return mc.conn.ReadFromUDP(b)
}

// WriteTo sends one datagram. Safe for concurrent use; each call is a single
// send on the shared socket.
func (mc *MulticastConn) WriteTo(b []byte, addr *net.UDPAddr) (int, error) {
	return mc.conn.WriteToUDP(b, addr)
}

// LocalAddr returns the bound address of the control socket.
func (mc *MulticastConn) LocalAddr() net.Addr {
	return mc.conn.LocalAddr()
}

// Close drops the multicast membership and closes the socket. Idempotent.
func (mc *MulticastConn) Close() error {
	mc.closeOnce.Do(func() {
		for _, iface := range mc.joined {
			mc.pc.LeaveGroup(iface, mc.group)
		}
		mc.closeErr = mc.conn.Close()
	})
	return mc.closeErr
}
