package mongodb

import (
	"context"
	"errors"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/fatchan/enmap-mongo/pkg/store"
)

// changeEvent is the subset of a change stream document the provider acts on.
type changeEvent struct {
	OperationType     string            `bson:"operationType"`
	DocumentKey       documentKey       `bson:"documentKey"`
	FullDocument      *store.Record     `bson:"fullDocument"`
	UpdateDescription updateDescription `bson:"updateDescription"`
}

type documentKey struct {
	ID any `bson:"_id"`
}

type updateDescription struct {
	UpdatedFields bson.M   `bson:"updatedFields"`
	RemovedFields []string `bson:"removedFields"`
}

// startWatch opens the collection change stream and runs the dispatch loop
// for the provider's connected lifetime. The subscription ends only when
// Close cancels it; a stream failure stops delivery without reconnection.
func (a *MongoDBAdapter) startWatch() error {
	a.watchCtx, a.watchStop = context.WithCancel(context.Background())
	a.watchDone = make(chan struct{})

	stream, err := a.collection().Watch(a.watchCtx, mongo.Pipeline{})
	if err != nil {
		a.watchStop()
		close(a.watchDone)
		return err
	}

	go a.dispatchChanges(stream)
	return nil
}

// dispatchChanges applies change stream events to the container one at a
// time, in delivery order. No batching, no deduplication.
func (a *MongoDBAdapter) dispatchChanges(stream *mongo.ChangeStream) {
	defer close(a.watchDone)
	defer stream.Close(context.Background())

	for stream.Next(a.watchCtx) {
		var evt changeEvent
		if err := stream.Decode(&evt); err != nil {
			a.logger.Error("failed to decode change event", "error", err)
			continue
		}
		a.applyChange(&evt)
	}

	if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Error("change stream terminated", "error", err)
	}
}

// applyChange mutates the container through its raw surface only, so a
// remote-origin change never loops back into the store as a new local write.
func (a *MongoDBAdapter) applyChange(evt *changeEvent) {
	changeEventsTotal.WithLabelValues(evt.OperationType).Inc()

	switch evt.OperationType {
	case "insert", "replace":
		if evt.FullDocument == nil {
			return
		}
		a.container.RawSet(store.NormalizeKey(evt.FullDocument.ID), evt.FullDocument.Value)

	case "update":
		a.applyUpdate(evt)

	case "delete":
		a.container.RawDelete(store.NormalizeKey(evt.DocumentKey.ID))

	default:
		a.logger.Debug("ignoring change event", "type", evt.OperationType)
	}
}

// applyUpdate merges a field-level diff into the container's current value.
// Changed paths are applied at one level of nesting only: "value" replaces
// the whole value, "value.f" sets field f, and anything deeper is collapsed
// onto its first segment. Deeper nesting is not merged correctly and is
// deliberately left that way.
func (a *MongoDBAdapter) applyUpdate(evt *changeEvent) {
	id := store.NormalizeKey(evt.DocumentKey.ID)

	if v, ok := evt.UpdateDescription.UpdatedFields["value"]; ok {
		a.container.RawSet(id, v)
		return
	}

	current, _ := a.container.RawGet(id)
	base := asValueMap(current)
	dirty := false

	for field, v := range evt.UpdateDescription.UpdatedFields {
		segs := strings.SplitN(field, ".", 3)
		if segs[0] != "value" || len(segs) < 2 {
			continue
		}
		if base == nil {
			base = map[string]any{}
		}
		base[segs[1]] = v
		dirty = true
	}

	for _, field := range evt.UpdateDescription.RemovedFields {
		segs := strings.SplitN(field, ".", 3)
		if segs[0] != "value" || len(segs) < 2 || base == nil {
			continue
		}
		delete(base, segs[1])
		dirty = true
	}

	if dirty {
		a.container.RawSet(id, base)
	}
}

// asValueMap shallow-copies a container value into a plain map so sibling
// fields survive the merge. Non-object values yield nil: a field-level diff
// against them starts from an empty object.
func asValueMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(m))
		for k, fv := range m {
			out[k] = fv
		}
		return out
	case bson.M:
		out := make(map[string]any, len(m))
		for k, fv := range m {
			out[k] = fv
		}
		return out
	default:
		return nil
	}
}
