package syncengine

import "github.com/illmade-knight/go-fieldsync/pkg/types"

// BuildBatch selects, in order, the records that go into the next upload.
//
// Candidates are appended while the running total stays within quotaBytes.
// Once the batch holds at least one record, the first candidate that does not
// fit ends the pass. While the batch is still empty, a candidate that does
// not fit on its own is skipped and recorded in Batch.Skipped so that it does
// not block the smaller records behind it. An empty result means no progress
// is possible for these candidates.
func BuildBatch(candidates []types.Record, quotaBytes int) types.Batch {
	var batch types.Batch
	for _, c := range candidates {
		if batch.Bytes+c.SerializedSize <= quotaBytes {
			batch.Records = append(batch.Records, c)
			batch.ConsumedIDs = append(batch.ConsumedIDs, c.ID)
			batch.Bytes += c.SerializedSize
			continue
		}
		if !batch.Empty() {
			break
		}
		batch.Skipped = append(batch.Skipped, c.ID)
	}
	return batch
}

// ChunkIDs splits ids into consecutive slices of at most size elements.
// A non-positive size yields a single chunk.
func ChunkIDs(ids []types.RecordID, size int) [][]types.RecordID {
	if len(ids) == 0 {
		return nil
	}
	if size <= 0 || len(ids) <= size {
		return [][]types.RecordID{ids}
	}
	chunks := make([][]types.RecordID, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
