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
package store

// Ledger tracks storage capacity. Available space is the quota not yet
// allocated to any indexed file; debt is the amount by which files indexed at
// startup already exceeded the quota. Debt must be repaid before available
// space grows again.
//
// The ledger is pure arithmetic and performs no I/O. Callers pre-validate
// inputs; in particular Charge is only called after checking the size against
// Available. Mutations happen only from the dispatcher goroutine, so no
// locking is needed.
type Ledger struct {
	quota     uint64
	available uint64
	debt      uint64
}

// NewLedger creates a ledger with the full quota available.
func NewLedger(quota uint64) *Ledger {
	return &Ledger{
		quota:     quota,
		available: quota,
	}
}

// Quota returns the configured capacity.
func (l *Ledger) Quota() uint64 { return l.quota }

// Available returns the bytes currently free to accept uploads.
func (l *Ledger) Available() uint64 { return l.available }

// Debt returns the over-committed bytes still to be repaid.
func (l *Ledger) Debt() uint64 { return l.debt }

// Reserve accounts for a file found during startup indexing. If the file is
// larger than the remaining available space, the shortfall becomes debt.
func (l *Ledger) Reserve(size uint64) {
	if size > l.available {
		l.debt += size - l.available
		l.available = 0
		return
	}
	l.available -= size
}

// Charge allocates space for an admitted upload. Precondition: size has been
// checked against Available by the caller; uploads are never admitted while
// they would cause debt.
func (l *Ledger) Charge(size uint64) {
	if size > l.available {
		l.available = 0
		return
	}
	l.available -= size
}

// Refund returns space when a file is removed. Debt is repaid first; only the
// remainder increases available space.
func (l *Ledger) Refund(size uint64) {
	if l.debt > 0 {
		if l.debt >= size {
			l.debt -= size
			return
		}
		size -= l.debt
		l.debt = 0
	}
	l.available += size
	if l.available > l.quota {
		l.available = l.quota
	}
}
