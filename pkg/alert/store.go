package alert

import (
	"context"

	"github.com/getmockd/unshubd/pkg/sandbox"
	"github.com/getmockd/unshubd/pkg/store"
)

// Store is the persistence surface the Alert Engine needs from the Store
// Interface (F): the read-only query surface condition_code's sandboxed
// `db` object uses, plus trigger/dedupe lookups and lifecycle mutation
// (spec.md 4.5). Satisfied directly by *pkg/store.Store.
type Store interface {
	sandbox.Store
	ActiveAlertExists(ctx context.Context, ruleID, topic string) (bool, error)
	InsertActiveAlert(ctx context.Context, a store.ActiveAlert) error
	UpdateAlertStatus(ctx context.Context, id, status, handledBy string) error
	PurgeResolved(ctx context.Context) (int64, error)
}
