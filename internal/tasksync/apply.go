package tasksync

import (
	"strings"

	"sheetsync/internal/domain"
)

// updateFrom turns an external record into the fields written onto a local
// task. An unknown status is returned separately and never written.
func updateFrom(ext domain.ExternalTask) (u domain.TaskUpdate, unknownStatus string, hasUnknown bool) {
	if id := strings.TrimSpace(ext.ID); id != "" {
		u.ExternalID = &id
	}
	if ext.CompletedAt != nil {
		at := *ext.CompletedAt
		u.CompletedAt = &at
	}
	if ext.ResultLink != nil {
		link := strings.TrimSpace(*ext.ResultLink)
		u.ResultLink = &link
	}
	if ext.Status != nil {
		if st, ok := domain.MapExternalStatus(*ext.Status); ok {
			u.Status = &st
		} else {
			unknownStatus, hasUnknown = *ext.Status, true
		}
	}
	if ext.Title != nil {
		title := *ext.Title
		u.Title = &title
	}
	return u, unknownStatus, hasUnknown
}
