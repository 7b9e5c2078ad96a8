package mongodb

import (
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/fatchan/enmap-mongo/pkg/store"
)

func changeProvider(c store.Container) *MongoDBAdapter {
	return &MongoDBAdapter{container: c, logger: &mockLogger{}}
}

func TestApplyChange_InsertUpsertsWithoutOutboundWrite(t *testing.T) {
	c := newMemContainer()
	a := changeProvider(c)

	before := testutil.ToFloat64(writesTotal.WithLabelValues(opSet))
	a.applyChange(&changeEvent{
		OperationType: "insert",
		DocumentKey:   documentKey{ID: "x"},
		FullDocument:  &store.Record{ID: "x", Value: "y"},
	})

	if v, ok := c.data["x"]; !ok || v != "y" {
		t.Fatalf("container[x] = %v, want %q", v, "y")
	}
	if after := testutil.ToFloat64(writesTotal.WithLabelValues(opSet)); after != before {
		t.Fatalf("remote insert must not write back to the store, counter went %v -> %v", before, after)
	}
}

func TestApplyChange_ReplaceOverwrites(t *testing.T) {
	c := newMemContainer()
	c.data["x"] = "old"
	a := changeProvider(c)

	a.applyChange(&changeEvent{
		OperationType: "replace",
		DocumentKey:   documentKey{ID: "x"},
		FullDocument:  &store.Record{ID: "x", Value: "new"},
	})

	if c.data["x"] != "new" {
		t.Fatalf("container[x] = %v, want %q", c.data["x"], "new")
	}
}

func TestApplyChange_DeleteRemoves(t *testing.T) {
	c := newMemContainer()
	c.data["x"] = "y"
	a := changeProvider(c)

	a.applyChange(&changeEvent{
		OperationType: "delete",
		DocumentKey:   documentKey{ID: "x"},
	})

	if _, ok := c.data["x"]; ok {
		t.Fatal("expected key x to be removed")
	}
}

func TestApplyUpdate_WholeValueReplacement(t *testing.T) {
	c := newMemContainer()
	c.data["x"] = map[string]any{"a": 1}
	a := changeProvider(c)

	a.applyChange(&changeEvent{
		OperationType: "update",
		DocumentKey:   documentKey{ID: "x"},
		UpdateDescription: updateDescription{
			UpdatedFields: bson.M{"value": "scalar"},
		},
	})

	if c.data["x"] != "scalar" {
		t.Fatalf("container[x] = %v, want %q", c.data["x"], "scalar")
	}
}

func TestApplyUpdate_MergesSingleFieldKeepsSiblings(t *testing.T) {
	c := newMemContainer()
	c.data["x"] = map[string]any{"a": "old", "b": "keep"}
	a := changeProvider(c)

	a.applyChange(&changeEvent{
		OperationType: "update",
		DocumentKey:   documentKey{ID: "x"},
		UpdateDescription: updateDescription{
			UpdatedFields: bson.M{"value.a": "new"},
		},
	})

	want := map[string]any{"a": "new", "b": "keep"}
	if !reflect.DeepEqual(c.data["x"], want) {
		t.Fatalf("container[x] = %v, want %v", c.data["x"], want)
	}
}

func TestApplyUpdate_BsonMCurrentValue(t *testing.T) {
	c := newMemContainer()
	c.data["x"] = bson.M{"a": "old", "b": "keep"}
	a := changeProvider(c)

	a.applyChange(&changeEvent{
		OperationType: "update",
		DocumentKey:   documentKey{ID: "x"},
		UpdateDescription: updateDescription{
			UpdatedFields: bson.M{"value.a": "new"},
		},
	})

	want := map[string]any{"a": "new", "b": "keep"}
	if !reflect.DeepEqual(c.data["x"], want) {
		t.Fatalf("container[x] = %v, want %v", c.data["x"], want)
	}
}

// Deeper paths collapse onto their first segment: a change to value.a.b lands
// on field a wholesale. Documented limitation, asserted here so it does not
// change silently.
func TestApplyUpdate_OneLevelNestingLimitation(t *testing.T) {
	c := newMemContainer()
	c.data["x"] = map[string]any{
		"a": map[string]any{"b": 1, "c": 2},
		"d": 3,
	}
	a := changeProvider(c)

	a.applyChange(&changeEvent{
		OperationType: "update",
		DocumentKey:   documentKey{ID: "x"},
		UpdateDescription: updateDescription{
			UpdatedFields: bson.M{"value.a.b": 9},
		},
	})

	want := map[string]any{"a": 9, "d": 3}
	if !reflect.DeepEqual(c.data["x"], want) {
		t.Fatalf("container[x] = %v, want %v", c.data["x"], want)
	}
}

func TestApplyUpdate_RemovedFields(t *testing.T) {
	c := newMemContainer()
	c.data["x"] = map[string]any{"a": 1, "b": 2}
	a := changeProvider(c)

	a.applyChange(&changeEvent{
		OperationType: "update",
		DocumentKey:   documentKey{ID: "x"},
		UpdateDescription: updateDescription{
			RemovedFields: []string{"value.b"},
		},
	})

	want := map[string]any{"a": 1}
	if !reflect.DeepEqual(c.data["x"], want) {
		t.Fatalf("container[x] = %v, want %v", c.data["x"], want)
	}
}

func TestApplyUpdate_MissingCurrentValueStartsEmpty(t *testing.T) {
	c := newMemContainer()
	a := changeProvider(c)

	a.applyChange(&changeEvent{
		OperationType: "update",
		DocumentKey:   documentKey{ID: "x"},
		UpdateDescription: updateDescription{
			UpdatedFields: bson.M{"value.a": 1},
		},
	})

	want := map[string]any{"a": 1}
	if !reflect.DeepEqual(c.data["x"], want) {
		t.Fatalf("container[x] = %v, want %v", c.data["x"], want)
	}
}

func TestApplyUpdate_NonValueFieldsLeaveContainerUntouched(t *testing.T) {
	c := newMemContainer()
	c.data["x"] = "scalar"
	a := changeProvider(c)

	a.applyChange(&changeEvent{
		OperationType: "update",
		DocumentKey:   documentKey{ID: "x"},
		UpdateDescription: updateDescription{
			UpdatedFields: bson.M{"expireAt": "2026-01-01"},
		},
	})

	if c.data["x"] != "scalar" {
		t.Fatalf("container[x] = %v, want untouched scalar", c.data["x"])
	}
}

// BSON hands integer ids back as int32 or int64 depending on width. Events
// must land on the canonical int64 entry a local Set produced, not beside it.
func TestApplyChange_NumericKeyDeleteMatchesLocalEntry(t *testing.T) {
	c := newMemContainer()
	c.data[store.NormalizeKey(42)] = "local"
	a := changeProvider(c)

	a.applyChange(&changeEvent{
		OperationType: "delete",
		DocumentKey:   documentKey{ID: int32(42)},
	})

	if len(c.data) != 0 {
		t.Fatalf("numeric-keyed entry survived its own remote deletion: %v", c.data)
	}
}

func TestApplyChange_NumericKeyInsertDoesNotDuplicate(t *testing.T) {
	c := newMemContainer()
	c.data[store.NormalizeKey(42)] = "old"
	a := changeProvider(c)

	a.applyChange(&changeEvent{
		OperationType: "insert",
		DocumentKey:   documentKey{ID: int32(42)},
		FullDocument:  &store.Record{ID: int32(42), Value: "new"},
	})

	if len(c.data) != 1 {
		t.Fatalf("expected single entry for key 42, got %v", c.data)
	}
	if c.data[int64(42)] != "new" {
		t.Fatalf("container[42] = %v, want %q", c.data[int64(42)], "new")
	}
}

func TestApplyUpdate_NumericKeyMergesOntoLocalEntry(t *testing.T) {
	c := newMemContainer()
	c.data[store.NormalizeKey(7)] = map[string]any{"a": "old", "b": "keep"}
	a := changeProvider(c)

	a.applyChange(&changeEvent{
		OperationType: "update",
		DocumentKey:   documentKey{ID: int32(7)},
		UpdateDescription: updateDescription{
			UpdatedFields: bson.M{"value.a": "new"},
		},
	})

	want := map[string]any{"a": "new", "b": "keep"}
	if !reflect.DeepEqual(c.data[int64(7)], want) {
		t.Fatalf("container[7] = %v, want %v", c.data[int64(7)], want)
	}
	if len(c.data) != 1 {
		t.Fatalf("expected single entry for key 7, got %v", c.data)
	}
}

func TestApplyChange_UnknownOperationIgnored(t *testing.T) {
	c := newMemContainer()
	c.data["x"] = "y"
	a := changeProvider(c)

	a.applyChange(&changeEvent{OperationType: "invalidate"})

	if c.data["x"] != "y" || len(c.data) != 1 {
		t.Fatalf("container mutated by unknown event: %v", c.data)
	}
}

func TestApplyChange_InsertWithoutFullDocumentIgnored(t *testing.T) {
	c := newMemContainer()
	a := changeProvider(c)

	a.applyChange(&changeEvent{
		OperationType: "insert",
		DocumentKey:   documentKey{ID: "x"},
	})

	if len(c.data) != 0 {
		t.Fatalf("container mutated by document-less insert: %v", c.data)
	}
}
