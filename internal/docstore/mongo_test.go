package docstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

func TestUpdateDoc(t *testing.T) {
	k := key("a")
	tests := []struct {
		name   string
		fields Fields
		upsert bool
		want   bson.M
	}{
		{
			name:   "plain fields are set and the revision bumped",
			fields: Fields{"name": "x", "flag": true},
			want: bson.M{
				"$set": bson.M{"name": "x", "flag": true},
				"$inc": bson.M{FieldRev: int64(1)},
			},
		},
		{
			name:   "increments join the revision bump",
			fields: Fields{"n": Increment(-2)},
			want: bson.M{
				"$inc": bson.M{FieldRev: int64(1), "n": int64(-2)},
			},
		},
		{
			name:   "on-create values are dropped without upsert",
			fields: Fields{"day": OnCreate("2024-03-01"), "name": "x"},
			want: bson.M{
				"$set": bson.M{"name": "x"},
				"$inc": bson.M{FieldRev: int64(1)},
			},
		},
		{
			name:   "upsert splits set, inc and setOnInsert",
			fields: Fields{"name": "x", "n": Increment(1), "day": OnCreate("2024-03-01")},
			upsert: true,
			want: bson.M{
				"$set":         bson.M{"name": "x"},
				"$inc":         bson.M{FieldRev: int64(1), "n": int64(1)},
				"$setOnInsert": bson.M{"day": "2024-03-01", FieldOwner: "o1", FieldKey: "a"},
			},
		},
		{
			name:   "upsert with only increments still records the key",
			fields: Fields{"n": Increment(1)},
			upsert: true,
			want: bson.M{
				"$inc":         bson.M{FieldRev: int64(1), "n": int64(1)},
				"$setOnInsert": bson.M{FieldOwner: "o1", FieldKey: "a"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, updateDoc(k, tt.fields, tt.upsert))
		})
	}
}

func TestAfterFilter(t *testing.T) {
	c := &Cursor{Values: []any{"2024-03-01", int64(5)}, Owner: "o1", ID: "b"}
	tests := []struct {
		name   string
		orders []Order
		want   bson.M
	}{
		{
			name: "no ordering falls back to the document id",
			want: bson.M{"$or": bson.A{
				bson.M{FieldDocID: bson.M{"$gt": "o1/b"}},
			}},
		},
		{
			name:   "single ascending field",
			orders: []Order{{Field: "day"}},
			want: bson.M{"$or": bson.A{
				bson.M{"day": bson.M{"$gt": "2024-03-01"}},
				bson.M{"day": "2024-03-01", FieldDocID: bson.M{"$gt": "o1/b"}},
			}},
		},
		{
			name:   "compound ordering with a descending field",
			orders: []Order{{Field: "day"}, {Field: "n", Desc: true}},
			want: bson.M{"$or": bson.A{
				bson.M{"day": bson.M{"$gt": "2024-03-01"}},
				bson.M{"day": "2024-03-01", "n": bson.M{"$lt": int64(5)}},
				bson.M{"day": "2024-03-01", "n": int64(5), FieldDocID: bson.M{"$gt": "o1/b"}},
			}},
		},
		{
			name:   "missing cursor values compare against null",
			orders: []Order{{Field: "day"}, {Field: "n"}, {Field: "stamp"}},
			want: bson.M{"$or": bson.A{
				bson.M{"day": bson.M{"$gt": "2024-03-01"}},
				bson.M{"day": "2024-03-01", "n": bson.M{"$gt": int64(5)}},
				bson.M{"day": "2024-03-01", "n": int64(5), "stamp": bson.M{"$gt": nil}},
				bson.M{"day": "2024-03-01", "n": int64(5), "stamp": nil, FieldDocID: bson.M{"$gt": "o1/b"}},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, afterFilter(tt.orders, c))
		})
	}
}

func TestClassify(t *testing.T) {
	dup := mongo.WriteException{WriteErrors: []mongo.WriteError{{Code: 11000, Message: "E11000 duplicate key"}}}
	transient := mongo.CommandError{Code: 112, Name: "WriteConflict", Labels: []string{"TransientTransactionError"}}
	unknownCommit := mongo.CommandError{Code: 50, Labels: []string{"UnknownTransactionCommitResult"}}
	plain := mongo.CommandError{Code: 13, Name: "Unauthorized"}
	other := errors.New("boom")

	tests := []struct {
		name     string
		err      error
		conflict bool
		same     bool
	}{
		{name: "nil", err: nil, same: true},
		{name: "already a conflict", err: fmt.Errorf("%w: counters/o1/a", ErrConflict), conflict: true, same: true},
		{name: "duplicate key", err: dup, conflict: true},
		{name: "transient transaction label", err: fmt.Errorf("commit: %w", transient), conflict: true},
		{name: "unknown commit result label", err: unknownCommit, conflict: true},
		{name: "unlabelled server error", err: plain, same: true},
		{name: "plain error", err: other, same: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)
			assert.Equal(t, tt.conflict, errors.Is(got, ErrConflict))
			if tt.same {
				assert.Equal(t, tt.err, got)
			}
		})
	}
}

func TestWithMeta(t *testing.T) {
	m, err := withMeta(key("a"), counter{Name: "a", N: 3}, 7)
	require.NoError(t, err)
	assert.Equal(t, "a", m["name"])
	assert.Equal(t, int64(3), m["n"])
	assert.Equal(t, "o1/a", m[FieldDocID])
	assert.Equal(t, "o1", m[FieldOwner])
	assert.Equal(t, "a", m[FieldKey])
	assert.Equal(t, int64(7), m[FieldRev])

	// Stored metadata always wins over same-named document fields.
	m, err = withMeta(key("a"), bson.M{FieldRev: int64(99), FieldOwner: "intruder", "x": int32(1)}, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m[FieldRev])
	assert.Equal(t, "o1", m[FieldOwner])
	assert.Equal(t, int32(1), m["x"])

	_, err = withMeta(key("a"), 42, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encode counters/o1/a")
}
