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

import (
	"reflect"
	"testing"
)

func TestCatalogInsertRejectsDuplicates(t *testing.T) {
	c := NewCatalog()

	if !c.Insert("a.txt", "/data/a.txt", 10) {
		t.Fatal("Expected first insert to succeed")
	}
	if c.Insert("a.txt", "/data/other.txt", 20) {
		t.Error("Expected duplicate insert to be rejected")
	}
	if c.Len() != 1 {
		t.Errorf("Expected 1 entry, got %d", c.Len())
	}
}

func TestCatalogRemovePreservesOrder(t *testing.T) {
	c := NewCatalog()
	c.Insert("a", "/d/a", 1)
	c.Insert("b", "/d/b", 2)
	c.Insert("c", "/d/c", 3)

	entry, ok := c.Remove("b")
	if !ok {
		t.Fatal("Expected remove to find entry")
	}
	if entry.Path != "/d/b" || entry.Size != 2 {
		t.Errorf("Unexpected removed entry: %+v", entry)
	}

	if got := c.Names(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Errorf("Expected [a c], got %v", got)
	}

	// Index map must stay consistent after the shift.
	e, ok := c.Lookup("c")
	if !ok || e.Path != "/d/c" {
		t.Errorf("Lookup after remove broken: %+v ok=%v", e, ok)
	}

	if _, ok := c.Remove("missing"); ok {
		t.Error("Expected remove of unknown name to report not found")
	}
}

func TestCatalogSearch(t *testing.T) {
	c := NewCatalog()
	c.Insert("notes.txt", "/d/notes.txt", 1)
	c.Insert("image.png", "/d/image.png", 2)
	c.Insert("more-notes.txt", "/d/more-notes.txt", 3)

	if got := c.Search("notes"); !reflect.DeepEqual(got, []string{"notes.txt", "more-notes.txt"}) {
		t.Errorf("Unexpected search result: %v", got)
	}

	// Empty substring matches everything, in insertion order.
	if got := c.Search(""); !reflect.DeepEqual(got, []string{"notes.txt", "image.png", "more-notes.txt"}) {
		t.Errorf("Unexpected full listing: %v", got)
	}

	// Case-sensitive.
	if got := c.Search("Notes"); got != nil {
		t.Errorf("Expected no matches for different case, got %v", got)
	}
}
