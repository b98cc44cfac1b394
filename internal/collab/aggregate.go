package collab

import (
	"errors"

	"github.com/collabd/collabd/internal/envelope"
)

// ItemResult is the raw outcome of looking up one identity.
type ItemResult struct {
	ObjectID   string
	CollabType Type
	Data       []byte
	Err        error
}

// Aggregate folds per-item results into the batch read result. Every
// distinct object id in queries gets exactly one entry. For a repeated
// object id the first occurrence in queries decides the outcome, and a
// query with no matching result is reported as not found.
func Aggregate(queries []Query, results []ItemResult) BatchQueryResult {
	type key struct {
		objectID string
		typ      Type
	}
	byKey := make(map[key]ItemResult, len(results))
	for _, r := range results {
		k := key{r.ObjectID, r.CollabType}
		if _, seen := byKey[k]; !seen {
			byKey[k] = r
		}
	}

	out := make(BatchQueryResult, len(queries))
	for _, q := range queries {
		if _, done := out[q.ObjectID]; done {
			continue
		}
		r, ok := byKey[key{q.ObjectID, q.CollabType}]
		switch {
		case !ok:
			out[q.ObjectID] = FailedOutcome(ErrNotFound.Error())
		case r.Err != nil:
			out[q.ObjectID] = FailedOutcome(FailureReason(r.Err))
		default:
			out[q.ObjectID] = SuccessOutcome(r.Data)
		}
	}
	return out
}

// FailureReason is the text reported for a failed read. Backend details are
// not exposed to clients.
func FailureReason(err error) string {
	var decodeErr *envelope.DecodeError
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrNotFound.Error()
	case errors.As(err, &decodeErr):
		return "stored collab is unreadable: " + decodeErr.Error()
	case errors.Is(err, ErrInvalidRequest):
		return err.Error()
	default:
		return ErrInternal.Error()
	}
}
