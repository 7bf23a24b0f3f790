package memstore

import "strconv"

// formatCheckpoint renders the store's monotonic global counter as the
// opaque CheckpointToken string spec §3 describes.
func formatCheckpoint(n int64) string {
	return strconv.FormatInt(n, 10)
}
