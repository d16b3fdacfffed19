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
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// IndexFolder scans the shared folder once at startup, inserting every
// regular file into the catalog and reserving its size in the ledger. The
// namespace is flat: subdirectories are not descended into.
func IndexFolder(dir string, catalog *Catalog, ledger *Ledger, logger *zap.Logger) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("stat shared folder: %s", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("shared folder %s is not a directory", dir)
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read shared folder: %s", err)
	}

	for _, de := range dirEntries {
		if !de.Type().IsRegular() {
			continue
		}
		fi, err := de.Info()
		if err != nil {
			logger.Warn("Skipping unreadable file",
				zap.String("name", de.Name()),
				zap.Error(err))
			continue
		}
		size := uint64(fi.Size())
		path := filepath.Join(dir, de.Name())
		if !catalog.Insert(de.Name(), path, size) {
			continue
		}
		ledger.Reserve(size)
	}

	logger.Info("Indexed shared folder",
		zap.String("dir", dir),
		zap.Int("files", catalog.Len()),
		zap.Uint64("available_space", ledger.Available()),
		zap.Uint64("negative_space", ledger.Debt()))

	return nil
}
