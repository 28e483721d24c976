package backend

import (
	"net/http"
	"time"

	"github.com/steamwatch/steamwatch/internal/catalog"
	"github.com/steamwatch/steamwatch/internal/events"
	"github.com/steamwatch/steamwatch/internal/httpx"
)

// ingestPackage folds one worker observation into the document store. The
// merge is idempotent, so a worker reposting after a lost ack converges on
// the same document.
func (a *api) ingestPackage(w http.ResponseWriter, r *http.Request) {
	var obs catalog.Observation
	if err := httpx.Decode(r, &obs); err != nil {
		httpx.Error(w, r, err)
		return
	}

	outcome, err := catalog.MergeObservation(r.Context(), a.Store, obs, timeNowUTC, a.Metrics.MergeConflicts.Inc)
	if err != nil {
		httpx.Error(w, r, err)
		return
	}
	a.Metrics.PackagesMerged.WithLabelValues(string(outcome)).Inc()

	// Even a no-change merge persists a fresh watermark, so the cached
	// document is stale; a noop therefore still signals an update.
	a.Bus.Emit(r.Context(), events.Event{
		Type:        mutationFor(outcome),
		AppID:       obs.Data.ID,
		CountryCode: obs.Data.CountryCode,
	})

	httpx.JSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func mutationFor(o catalog.Outcome) events.Type {
	switch o {
	case catalog.OutcomeCreated:
		return events.AppCreated
	case catalog.OutcomeUnavailable:
		return events.AppUnavailable
	default:
		return events.AppUpdated
	}
}

func timeNowUTC() time.Time { return time.Now().UTC() }
