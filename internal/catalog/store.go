package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steamwatch/steamwatch/internal/apperr"
)

// ErrDuplicateID is returned by DocStore.Insert when the app id already
// exists; MergeObservation treats it as a lost race and retries as an update.
var ErrDuplicateID = errors.New("catalog: duplicate app id")

// DocStore is the minimal persistence surface the merge needs. Get returns
// (nil, nil) for a missing document. ReplaceRevision persists app only if the
// stored revision still equals oldRevision and reports whether it matched.
type DocStore interface {
	Get(ctx context.Context, id int64) (*App, error)
	Insert(ctx context.Context, app *App) error
	ReplaceRevision(ctx context.Context, app *App, oldRevision int64) (bool, error)
}

// mergeRetries bounds the optimistic-concurrency loop before surfacing 503.
const mergeRetries = 5

// MergeObservation folds one observation into the store under optimistic
// concurrency. The four cases:
//
//	failure + missing document  → no-op
//	failure + existing document → country marked unavailable, no point
//	success + missing document  → document created and seeded
//	success + existing document → coalesce scalars, append compressed point
//
// Revision conflicts re-read and retry; exhausting the retries surfaces a
// Transient error so the HTTP layer answers 503 and the worker repost is
// safe to retry.
func MergeObservation(ctx context.Context, store DocStore, obs Observation, now func() time.Time, onConflict func()) (Outcome, error) {
	if err := obs.Validate(); err != nil {
		return "", err
	}

	for attempt := 0; attempt < mergeRetries; attempt++ {
		app, err := store.Get(ctx, obs.Data.ID)
		if err != nil {
			return "", err
		}

		if app == nil {
			if !obs.IsSuccess {
				return OutcomeNoop, nil
			}
			app = NewApp(obs.Data, now())
			app.Revision = 1
			err := store.Insert(ctx, app)
			if err == nil {
				return OutcomeCreated, nil
			}
			if errors.Is(err, ErrDuplicateID) {
				// Another writer created the document first; merge into it.
				if onConflict != nil {
					onConflict()
				}
				continue
			}
			return "", err
		}

		oldRevision := app.Revision
		var outcome Outcome
		if obs.IsSuccess {
			outcome = app.ApplyPackage(obs.Data, now())
		} else {
			outcome = app.MarkUnavailable(obs.Data.CountryCode, now())
		}
		app.Revision = oldRevision + 1

		matched, err := store.ReplaceRevision(ctx, app, oldRevision)
		if err != nil {
			return "", err
		}
		if matched {
			return outcome, nil
		}
		if onConflict != nil {
			onConflict()
		}
	}

	return "", &apperr.Transient{Err: fmt.Errorf("merge retries exhausted for app %d", obs.Data.ID)}
}
