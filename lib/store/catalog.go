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

import "strings"

// Entry is one catalog record: a display name, the path backing it on disk
// and the size it was admitted or indexed with.
type Entry struct {
	Name string
	Path string
	Size uint64
}

// Catalog is the in-memory registry of known files. Insertion order defines
// search and listing order; names are unique. Like the ledger it is mutated
// only from the dispatcher goroutine.
type Catalog struct {
	entries []Entry
	byName  map[string]int
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		byName: make(map[string]int),
	}
}

// Len returns the number of entries.
func (c *Catalog) Len() int { return len(c.entries) }

// Insert adds an entry. Returns false if the name is already taken.
func (c *Catalog) Insert(name, path string, size uint64) bool {
	if _, ok := c.byName[name]; ok {
		return false
	}
	c.byName[name] = len(c.entries)
	c.entries = append(c.entries, Entry{Name: name, Path: path, Size: size})
	return true
}

// Lookup returns the entry for name.
func (c *Catalog) Lookup(name string) (Entry, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// Remove deletes the entry for name and returns it.
func (c *Catalog) Remove(name string) (Entry, bool) {
	i, ok := c.byName[name]
	if !ok {
		return Entry{}, false
	}
	entry := c.entries[i]
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	delete(c.byName, name)
	for j := i; j < len(c.entries); j++ {
		c.byName[c.entries[j].Name] = j
	}
	return entry, true
}

// SetSize updates the recorded size of an entry.
func (c *Catalog) SetSize(name string, size uint64) {
	if i, ok := c.byName[name]; ok {
		c.entries[i].Size = size
	}
}

// Search returns the names containing substring, in catalog order. The match
// is case-sensitive; an empty substring matches everything.
func (c *Catalog) Search(substring string) []string {
	var names []string
	for _, e := range c.entries {
		if strings.Contains(e.Name, substring) {
			names = append(names, e.Name)
		}
	}
	return names
}

// Names returns all names in catalog order.
func (c *Catalog) Names() []string {
	return c.Search("")
}
