// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package archiver

import (
	"context"
	"strings"

	"storj.io/audit-archiver/pkg/config"
	"storj.io/audit-archiver/pkg/objectstore"
)

// ListArchives returns the archive objects stored for the configured
// tables, optionally filtered to one database or table. Watermark,
// checkpoint and schema bookkeeping objects are skipped.
func ListArchives(ctx context.Context, cfg *config.Config, store objectstore.Client, database, table string) (_ []objectstore.ObjectInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	var layout objectstore.Layout
	var results []objectstore.ObjectInfo
	for _, db := range cfg.Databases {
		if database != "" && db.Name != database {
			continue
		}
		for _, t := range db.Tables {
			if table != "" && t.Name != table {
				continue
			}
			prefix := layout.TableDataPrefix(db.Name, t.Schema, t.Name)
			objects, err := store.ListObjects(ctx, prefix)
			if err != nil {
				return nil, err
			}
			for _, object := range objects {
				if isArchiveObject(object.Key) {
					results = append(results, object)
				}
			}
		}
	}
	return results, nil
}

func isArchiveObject(key string) bool {
	return strings.HasSuffix(key, ".jsonl.gz") ||
		strings.HasSuffix(key, ".metadata.json") ||
		strings.HasSuffix(key, ".manifest.json")
}
