package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/3leaps/lakeflow/pkg/objstore"
)

// Columns added to every cleansed record.
const (
	ColumnSourceFile = "_source_file"
	ColumnBatchID    = "_batch_id"
)

const batchPrefix = "batch-"

// BatchID derives a stable id from a file set: the same files (by key, etag
// and size) always produce the same id, whatever order they were listed in.
func BatchID(files []objstore.Entry) string {
	lines := make([]string, len(files))
	for i, f := range files {
		lines[i] = fmt.Sprintf("%s\x00%s\x00%d", f.Key, f.ETag, f.Size)
	}
	sort.Strings(lines)

	h := sha256.New()
	for _, l := range lines {
		h.Write([]byte(l))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// BatchKey is where a stream's batch lands in the cleansed stage.
func BatchKey(cleansedPrefix, streamID, batchID string) string {
	return objstore.Join(cleansedPrefix, streamID, batchPrefix+batchID+".jsonl")
}

// StreamPrefix is the cleansed-stage directory of one stream.
func StreamPrefix(cleansedPrefix, streamID string) string {
	return objstore.Dir(objstore.Join(cleansedPrefix, streamID))
}

// batchIDFromKey extracts the id from a batch object key.
func batchIDFromKey(key string) (string, bool) {
	base := path.Base(key)
	if !strings.HasPrefix(base, batchPrefix) || !strings.HasSuffix(base, ".jsonl") {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(base, batchPrefix), ".jsonl"), true
}
