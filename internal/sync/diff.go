package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

// DiffSince walks the change log from cursor and hands each page's newly added message IDs
// to fn as the page arrives. IDs repeated across pages are delivered once. It returns the
// latest cursor seen, never lower than cursor.
func DiffSince(ctx context.Context, mailbox Mailbox, cursor string, fn func(ids []string) error) (string, error) {
	latest := cursor
	seen := make(map[string]bool)
	pageToken := ""
	pages := 0

	for {
		page, err := mailbox.ListHistory(ctx, cursor, pageToken)
		if err != nil {
			if errors.Is(err, ErrHistoryExpired) {
				return "", err
			}
			return "", fmt.Errorf("list history: %w", err)
		}
		pages++

		var ids []string
		for _, rec := range page.Records {
			latest = MaxCursor(latest, rec.ID)
			for _, id := range rec.MessageIDs {
				if seen[id] {
					continue
				}
				seen[id] = true
				ids = append(ids, id)
			}
		}
		latest = MaxCursor(latest, page.HistoryID)

		if len(ids) > 0 {
			if err := fn(ids); err != nil {
				return "", err
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	log.Debug().
		Str("from", cursor).
		Str("to", latest).
		Int("pages", pages).
		Int("messages", len(seen)).
		Msg("history diff complete")
	return latest, nil
}
