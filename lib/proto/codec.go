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

// Package proto implements the fixed-layout UDP command records of the
// netstore control protocol. Both record variants start with a 10-byte
// NUL-padded ASCII command field and a big-endian uint64 sequence number;
// the complex variant adds a big-endian uint64 parameter. Everything after
// the header is an opaque data payload.
package proto

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// CmdFieldLen is the width of the NUL-padded command field.
	CmdFieldLen = 10

	// SimpleHeaderSize is cmd + seq.
	SimpleHeaderSize = CmdFieldLen + 8

	// ComplexHeaderSize is cmd + seq + param.
	ComplexHeaderSize = CmdFieldLen + 16

	// MaxDatagram is the largest UDP payload the protocol uses.
	MaxDatagram = 65507

	// MaxSimpleData bounds the data field of a simple record.
	MaxSimpleData = MaxDatagram - SimpleHeaderSize

	// MaxComplexData bounds the data field of a complex record.
	MaxComplexData = MaxDatagram - ComplexHeaderSize
)

// Command names on the wire.
const (
	CmdHello     = "HELLO"
	CmdGoodDay   = "GOOD_DAY"
	CmdList      = "LIST"
	CmdMyList    = "MY_LIST"
	CmdDel       = "DEL"
	CmdGet       = "GET"
	CmdConnectMe = "CONNECT_ME"
	CmdAdd       = "ADD"
	CmdCanAdd    = "CAN_ADD"
	CmdNoWay     = "NO_WAY"
	CmdInvalid   = "INVALID"
)

// ErrTooShort reports a datagram below the minimum size of its record
// variant. Such datagrams are dropped silently by the dispatcher.
var ErrTooShort = errors.New("datagram too short")

// SimpleCmd is the basic command record.
type SimpleCmd struct {
	Cmd  [CmdFieldLen]byte
	Seq  uint64
	Data []byte
}

// ComplexCmd extends SimpleCmd with a numeric parameter (declared file size
// on upload requests, TCP port number in transfer replies).
type ComplexCmd struct {
	Cmd   [CmdFieldLen]byte
	Seq   uint64
	Param uint64
	Data  []byte
}

// Is reports whether the record carries exactly the given command: the name
// as a prefix and NUL bytes in every remaining position of the field.
func (c *SimpleCmd) Is(name string) bool {
	return cmdFieldIs(c.Cmd, name)
}

// Name returns the command field with trailing NUL padding stripped.
func (c *SimpleCmd) Name() string {
	return string(bytes.TrimRight(c.Cmd[:], "\x00"))
}

// Is reports whether the record carries exactly the given command.
func (c *ComplexCmd) Is(name string) bool {
	return cmdFieldIs(c.Cmd, name)
}

// Name returns the command field with trailing NUL padding stripped.
func (c *ComplexCmd) Name() string {
	return string(bytes.TrimRight(c.Cmd[:], "\x00"))
}

func cmdFieldIs(field [CmdFieldLen]byte, name string) bool {
	if len(name) > CmdFieldLen {
		return false
	}
	if string(field[:len(name)]) != name {
		return false
	}
	for _, b := range field[len(name):] {
		if b != 0 {
			return false
		}
	}
	return true
}

func putCmdField(dst []byte, name string) error {
	if len(name) > CmdFieldLen {
		return fmt.Errorf("command %q longer than %d bytes", name, CmdFieldLen)
	}
	copy(dst, name)
	return nil
}

// DecodeSimple parses a simple record from a received datagram.
func DecodeSimple(b []byte) (*SimpleCmd, error) {
	if len(b) < SimpleHeaderSize {
		return nil, ErrTooShort
	}
	var c SimpleCmd
	copy(c.Cmd[:], b[:CmdFieldLen])
	c.Seq = binary.BigEndian.Uint64(b[CmdFieldLen:SimpleHeaderSize])
	c.Data = append([]byte(nil), b[SimpleHeaderSize:]...)
	return &c, nil
}

// DecodeComplex parses a complex record from a received datagram.
func DecodeComplex(b []byte) (*ComplexCmd, error) {
	if len(b) < ComplexHeaderSize {
		return nil, ErrTooShort
	}
	var c ComplexCmd
	copy(c.Cmd[:], b[:CmdFieldLen])
	c.Seq = binary.BigEndian.Uint64(b[CmdFieldLen : CmdFieldLen+8])
	c.Param = binary.BigEndian.Uint64(b[CmdFieldLen+8 : ComplexHeaderSize])
	c.Data = append([]byte(nil), b[ComplexHeaderSize:]...)
	return &c, nil
}

// EncodeSimple builds a simple record datagram.
func EncodeSimple(cmd string, seq uint64, data []byte) ([]byte, error) {
	if len(data) > MaxSimpleData {
		return nil, fmt.Errorf("data length %d exceeds limit %d", len(data), MaxSimpleData)
	}
	b := make([]byte, SimpleHeaderSize+len(data))
	if err := putCmdField(b[:CmdFieldLen], cmd); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint64(b[CmdFieldLen:], seq)
	copy(b[SimpleHeaderSize:], data)
	return b, nil
}

// EncodeComplex builds a complex record datagram.
func EncodeComplex(cmd string, seq uint64, param uint64, data []byte) ([]byte, error) {
	if len(data) > MaxComplexData {
		return nil, fmt.Errorf("data length %d exceeds limit %d", len(data), MaxComplexData)
	}
	b := make([]byte, ComplexHeaderSize+len(data))
	if err := putCmdField(b[:CmdFieldLen], cmd); err != nil {
		return nil, err
	}
	binary.BigEndian.PutUint64(b[CmdFieldLen:], seq)
	binary.BigEndian.PutUint64(b[CmdFieldLen+8:], param)
	copy(b[ComplexHeaderSize:], data)
	return b, nil
}
