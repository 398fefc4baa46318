package sync

import (
	"strings"
	"time"

	"github.com/ganadoscan/ganadoscan/internal/models"
)

// SuggestBatchName is the default name for a batch created without one.
func SuggestBatchName(t time.Time) string {
	return "Lote " + t.Format("02/01/2006 15:04")
}

// FilterTags keeps tags whose code contains query, ignoring case. An empty
// query keeps everything.
func FilterTags(tags []models.Tag, query string) []models.Tag {
	query = strings.ToUpper(strings.TrimSpace(query))
	if query == "" {
		return tags
	}
	out := make([]models.Tag, 0, len(tags))
	for _, t := range tags {
		if strings.Contains(strings.ToUpper(t.Code), query) {
			out = append(out, t)
		}
	}
	return out
}

// TagsInScope keeps tags of one batch, or unassigned tags when batchID is "".
func TagsInScope(tags []models.Tag, batchID string) []models.Tag {
	out := make([]models.Tag, 0, len(tags))
	for _, t := range tags {
		if t.InBatch(batchID) {
			out = append(out, t)
		}
	}
	return out
}

// Summary counts tags by status.
type Summary struct {
	Total    int
	ByStatus map[models.TagStatus]int
	// Unsynced counts tags still waiting for upload.
	Unsynced int
}

// Summarize counts tags by status and sync state.
func Summarize(tags []models.Tag) Summary {
	s := Summary{ByStatus: make(map[models.TagStatus]int, len(models.TagStatuses))}
	for _, status := range models.TagStatuses {
		s.ByStatus[status] = 0
	}
	for _, t := range tags {
		s.Total++
		s.ByStatus[t.Status]++
		if t.SyncState == models.SyncPendingUpload {
			s.Unsynced++
		}
	}
	return s
}
