package sync

import (
	"time"

	"github.com/Ammar-Knowledge/github-for-jira/internal/domain/subscription"
)

// CalcNewBackfillSinceDate decides the commit horizon of a new backfill from
// the subscription's existing horizon and the incoming request.
//
// Partial syncs never move the horizon. An initial full sync adopts the
// requested horizon verbatim, empty included. A later full sync can only
// widen the horizon: a subscription that ever backfilled everything (nil
// horizon) stays at everything, a request for everything wins, and otherwise
// the earlier of the two dates wins.
func CalcNewBackfillSinceDate(syncType subscription.SyncType, existing, incoming *time.Time, isInitialSync bool) *time.Time {
	if syncType == subscription.SyncTypePartial {
		return existing
	}
	if isInitialSync {
		return incoming
	}
	if existing == nil || incoming == nil {
		return nil
	}
	if existing.Before(*incoming) {
		return existing
	}
	return incoming
}
