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
	"fmt"
	"strings"
	"testing"
)

func TestPaginateNamesEmpty(t *testing.T) {
	pages := PaginateNames(nil, 100)
	if len(pages) != 1 {
		t.Fatalf("Expected exactly one page, got %d", len(pages))
	}
	if len(pages[0]) != 0 {
		t.Errorf("Expected empty payload, got %q", pages[0])
	}
}

func TestPaginateNamesSinglePage(t *testing.T) {
	pages := PaginateNames([]string{"a", "b", "c"}, 100)
	if len(pages) != 1 {
		t.Fatalf("Expected one page, got %d", len(pages))
	}
	if string(pages[0]) != "a\nb\nc" {
		t.Errorf("Unexpected payload: %q", pages[0])
	}
}

func TestPaginateNamesReproducesAllNames(t *testing.T) {
	var names []string
	for i := 0; i < 200; i++ {
		names = append(names, fmt.Sprintf("file-%03d.dat", i))
	}
	limit := 100

	pages := PaginateNames(names, limit)
	if len(pages) < 2 {
		t.Fatalf("Expected multiple pages, got %d", len(pages))
	}

	// Every payload stays strictly under the limit.
	for i, page := range pages {
		if len(page) >= limit {
			t.Errorf("Page %d has length %d, expected < %d", i, len(page), limit)
		}
	}

	// Concatenating all payloads in order reproduces exactly the input.
	joined := bytes.Join(pages, []byte("\n"))
	got := strings.Split(string(joined), "\n")
	if len(got) != len(names) {
		t.Fatalf("Expected %d names, got %d", len(names), len(got))
	}
	for i := range names {
		if got[i] != names[i] {
			t.Fatalf("Name %d mismatch: expected %q, got %q", i, names[i], got[i])
		}
	}
}
