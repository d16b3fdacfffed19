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

// PaginateNames packs names, in order, into the minimum number of
// newline-joined payloads whose individual length stays strictly under
// limit. Zero names still yield exactly one empty payload so a client can
// tell "no results" from "no reply".
func PaginateNames(names []string, limit int) [][]byte {
	if len(names) == 0 {
		return [][]byte{{}}
	}

	var pages [][]byte
	page := []byte(names[0])
	for _, name := range names[1:] {
		if len(page)+1+len(name) < limit {
			page = append(page, '\n')
			page = append(page, name...)
			continue
		}
		pages = append(pages, page)
		page = []byte(name)
	}
	return append(pages, page)
}
