package oplog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestRecordDecode(t *testing.T) {
	raw, err := bson.Marshal(bson.D{
		{Key: "ts", Value: primitive.Timestamp{T: 100, I: 2}},
		{Key: "t", Value: int64(1)},
		{Key: "v", Value: int32(2)},
		{Key: "op", Value: "u"},
		{Key: "ns", Value: "shop.orders"},
		{Key: "o", Value: bson.D{{Key: "$v", Value: int32(2)}, {Key: "diff", Value: bson.D{}}}},
		{Key: "o2", Value: bson.D{{Key: "_id", Value: "order-1"}}},
	})
	require.NoError(t, err)

	var r Record
	require.NoError(t, bson.Unmarshal(raw, &r))

	assert.Equal(t, primitive.Timestamp{T: 100, I: 2}, r.Timestamp)
	require.NotNil(t, r.Term)
	assert.Equal(t, int64(1), *r.Term)
	assert.Equal(t, OpUpdate, r.Op)
	assert.Equal(t, "update", r.Op.String())
	assert.Equal(t, "shop", r.Database())
	assert.Equal(t, "orders", r.Collection())

	id, ok := r.DocumentID()
	require.True(t, ok)
	assert.Equal(t, "order-1", id)
	assert.False(t, r.IsZero())
}

func TestRecordDocumentID(t *testing.T) {
	insert := Record{Op: OpInsert, Object: bson.D{{Key: "_id", Value: int32(7)}}}
	id, ok := insert.DocumentID()
	require.True(t, ok)
	assert.Equal(t, int32(7), id)

	// updates never take the id from o
	update := Record{Op: OpUpdate, Object: bson.D{{Key: "_id", Value: int32(7)}}}
	_, ok = update.DocumentID()
	assert.False(t, ok)

	assert.True(t, Record{}.IsZero())
}

func TestFilter(t *testing.T) {
	after := primitive.Timestamp{T: 5, I: 1}

	assert.Equal(t, bson.D{
		{Key: "ns", Value: "db.c"},
		{Key: "ts", Value: bson.D{{Key: "$gt", Value: after}}},
	}, Filter{Namespace: "db.c", After: after}.BSON())

	assert.Equal(t, bson.D{
		{Key: "ts", Value: bson.D{{Key: "$gt", Value: after}}},
	}, Filter{After: after}.BSON())

	f := Filter{Namespace: "db.c", After: after}
	assert.False(t, f.Match(Record{Namespace: "db.c", Timestamp: after}))
	assert.True(t, f.Match(Record{Namespace: "db.c", Timestamp: primitive.Timestamp{T: 5, I: 2}}))
	assert.False(t, f.Match(Record{Namespace: "db.d", Timestamp: primitive.Timestamp{T: 6, I: 1}}))
}

func TestMemoryLogAppendOrder(t *testing.T) {
	log := NewMemoryLog()
	require.NoError(t, log.Append(rec(2, OpInsert, "db.c")))
	assert.Error(t, log.Append(rec(2, OpInsert, "db.c")))
	assert.Error(t, log.Append(rec(1, OpInsert, "db.c")))
	assert.Equal(t, 1, log.Len())
}

func TestMemoryLogCursorAwaitsAppend(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(MemoryLogWithMaxAwaitTime(5 * time.Second))

	cursor, err := log.Tail(ctx, Filter{After: MinTimestamp})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		log.Append(rec(1, OpInsert, "db.c"))
	}()

	start := time.Now()
	require.True(t, cursor.Next(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)

	r, err := cursor.Record()
	require.NoError(t, err)
	assert.Equal(t, ts(1), r.Timestamp)
	assert.True(t, cursor.Alive())
}

func TestMemoryLogCursorAwaitTimesOut(t *testing.T) {
	ctx := context.Background()
	log := NewMemoryLog(MemoryLogWithMaxAwaitTime(30 * time.Millisecond))

	cursor, err := log.Tail(ctx, Filter{After: MinTimestamp})
	require.NoError(t, err)

	start := time.Now()
	assert.False(t, cursor.Next(ctx))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.True(t, cursor.Alive())

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	assert.False(t, cursor.Next(cctx))
}
