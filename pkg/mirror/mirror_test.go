package mirror

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turbolytics/observer/pkg/document"
	"github.com/turbolytics/observer/pkg/oplog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"
)

const ns = "shop.items"

func snapshot(t *testing.T, docs ...bson.D) *mongo.Cursor {
	t.Helper()
	in := make([]interface{}, len(docs))
	for i, d := range docs {
		in[i] = d
	}
	cur, err := mongo.NewCursorFromDocuments(in, nil, nil)
	require.NoError(t, err)
	return cur
}

func loaded(t *testing.T, opts []Option, docs ...bson.D) *Mirror {
	t.Helper()
	m := New(opts...)
	require.NoError(t, m.Load(context.Background(), snapshot(t, docs...)))
	return m
}

func ts(t uint32) primitive.Timestamp {
	return primitive.Timestamp{T: t, I: 1}
}

func insert(t uint32, doc bson.D) oplog.Record {
	return oplog.Record{Timestamp: ts(t), Op: oplog.OpInsert, Namespace: ns, Object: doc}
}

func update(t uint32, id any, o bson.D) oplog.Record {
	return oplog.Record{
		Timestamp: ts(t),
		Op:        oplog.OpUpdate,
		Namespace: ns,
		Object:    o,
		Object2:   bson.D{{Key: "_id", Value: id}},
	}
}

func remove(t uint32, id any) oplog.Record {
	return oplog.Record{
		Timestamp: ts(t),
		Op:        oplog.OpDelete,
		Namespace: ns,
		Object:    bson.D{{Key: "_id", Value: id}},
	}
}

func TestMirrorLoad(t *testing.T) {
	m := New()
	assert.Equal(t, StateUninitialized, m.State())

	require.NoError(t, m.Load(context.Background(), snapshot(t,
		bson.D{{Key: "_id", Value: int32(1)}, {Key: "a", Value: bson.D{{Key: "b", Value: int32(1)}}}},
		bson.D{{Key: "_id", Value: "two"}},
	)))

	assert.Equal(t, StateSnapshotLoaded, m.State())
	assert.Equal(t, 2, m.Len())

	doc, ok := m.Get(int32(1))
	require.True(t, ok)
	b, ok := doc.Get("a.b")
	require.True(t, ok)
	assert.Equal(t, int32(1), b)

	_, ok = m.Get("1")
	assert.False(t, ok)
}

func TestMirrorLoadFailure(t *testing.T) {
	m := loaded(t, nil, bson.D{{Key: "_id", Value: int32(1)}})

	boom := errors.New("network gone")
	cur, err := mongo.NewCursorFromDocuments([]interface{}{
		bson.D{{Key: "_id", Value: int32(2)}},
	}, boom, nil)
	require.NoError(t, err)

	err = m.Load(context.Background(), cur)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, StateError, m.State())

	// previous contents kept, but no records are accepted
	assert.Equal(t, 1, m.Len())
	assert.ErrorIs(t, m.Handle(context.Background(), insert(1, bson.D{{Key: "_id", Value: int32(3)}})), ErrNotLoaded)
}

func TestMirrorLoadMissingID(t *testing.T) {
	m := New()
	err := m.Load(context.Background(), snapshot(t, bson.D{{Key: "name", Value: "x"}}))
	assert.ErrorIs(t, err, ErrMissingID)
	assert.Equal(t, StateError, m.State())
}

func TestMirrorRejectsRecordsBeforeLoad(t *testing.T) {
	m := New()
	err := m.Handle(context.Background(), insert(1, bson.D{{Key: "_id", Value: int32(1)}}))
	assert.ErrorIs(t, err, ErrNotLoaded)
	assert.Equal(t, 0, m.Len())
}

func TestMirrorUpdateSetRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := loaded(t, nil, bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "a", Value: bson.D{{Key: "b", Value: int32(1)}}},
	})

	require.NoError(t, m.Handle(ctx, update(1, int32(1), bson.D{
		{Key: "$set", Value: bson.D{{Key: "a.c", Value: int32(2)}}},
	})))
	assert.Equal(t, StateReceiving, m.State())

	doc, ok := m.Get(int32(1))
	require.True(t, ok)
	assert.Equal(t, bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "a", Value: bson.D{{Key: "b", Value: int32(1)}, {Key: "c", Value: int32(2)}}},
	}, doc.D())
}

func TestMirrorUpdateUnsetArrayIndex(t *testing.T) {
	ctx := context.Background()
	m := loaded(t, nil, bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "xs", Value: bson.A{"a", "b", "c"}},
	})

	require.NoError(t, m.Handle(ctx, update(1, int32(1), bson.D{
		{Key: "$unset", Value: bson.D{{Key: "xs.1", Value: ""}}},
	})))

	doc, ok := m.Get(int32(1))
	require.True(t, ok)
	assert.Equal(t, bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "xs", Value: bson.A{"a", nil, "c"}},
	}, doc.D())
}

func TestMirrorUpdateNoDelta(t *testing.T) {
	ctx := context.Background()
	m := loaded(t, nil, bson.D{{Key: "_id", Value: int32(1)}, {Key: "n", Value: int32(1)}})

	require.NoError(t, m.Handle(ctx, update(1, int32(1), bson.D{{Key: "$v", Value: int32(1)}})))
	require.NoError(t, m.Handle(ctx, update(2, int32(1), bson.D{
		{Key: "$unset", Value: bson.D{{Key: "missing.path", Value: ""}}},
	})))

	doc, _ := m.Get(int32(1))
	assert.Equal(t, bson.D{{Key: "_id", Value: int32(1)}, {Key: "n", Value: int32(1)}}, doc.D())
}

func TestMirrorUpdateV2Diff(t *testing.T) {
	ctx := context.Background()
	m := loaded(t, nil, bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "name", Value: "old"},
		{Key: "xs", Value: bson.A{int32(1), int32(2), int32(3)}},
	})

	require.NoError(t, m.Handle(ctx, update(1, int32(1), bson.D{
		{Key: "$v", Value: int32(2)},
		{Key: "diff", Value: bson.D{
			{Key: "u", Value: bson.D{{Key: "name", Value: "new"}}},
			{Key: "sxs", Value: bson.D{
				{Key: "a", Value: true},
				{Key: "l", Value: int32(2)},
			}},
		}},
	})))

	doc, _ := m.Get(int32(1))
	assert.Equal(t, bson.D{
		{Key: "_id", Value: int32(1)},
		{Key: "name", Value: "new"},
		{Key: "xs", Value: bson.A{int32(1), int32(2)}},
	}, doc.D())
}

func TestMirrorUpdateUnsupportedOperator(t *testing.T) {
	ctx := context.Background()
	m := loaded(t, nil, bson.D{{Key: "_id", Value: int32(1)}, {Key: "n", Value: int32(1)}})

	err := m.Handle(ctx, update(1, int32(1), bson.D{
		{Key: "$inc", Value: bson.D{{Key: "n", Value: int32(1)}}},
	}))
	assert.ErrorIs(t, err, oplog.ErrUnsupportedOperator)

	doc, _ := m.Get(int32(1))
	n, _ := doc.Get("n")
	assert.Equal(t, int32(1), n)
}

func TestMirrorUpdateConflictLeavesDocument(t *testing.T) {
	ctx := context.Background()
	m := loaded(t, nil, bson.D{{Key: "_id", Value: int32(1)}, {Key: "a", Value: "scalar"}})

	err := m.Handle(ctx, update(1, int32(1), bson.D{
		{Key: "$set", Value: bson.D{{Key: "ok", Value: true}, {Key: "a.b", Value: int32(1)}}},
	}))
	assert.ErrorIs(t, err, document.ErrPathConflict)

	doc, _ := m.Get(int32(1))
	_, ok := doc.Get("ok")
	assert.False(t, ok)
}

func TestMirrorNotFound(t *testing.T) {
	ctx := context.Background()
	m := loaded(t, nil)

	err := m.Handle(ctx, update(1, int32(9), bson.D{{Key: "$set", Value: bson.D{{Key: "a", Value: 1}}}}))
	assert.ErrorIs(t, err, ErrNotFound)

	err = m.Handle(ctx, remove(2, int32(9)))
	assert.ErrorIs(t, err, ErrNotFound)

	// the timestamp still advances
	last, ok := m.LastTimestamp()
	require.True(t, ok)
	assert.Equal(t, ts(2), last)
}

func TestMirrorInsertDeleteInsert(t *testing.T) {
	ctx := context.Background()
	m := loaded(t, nil)

	require.NoError(t, m.Handle(ctx, insert(1, bson.D{{Key: "_id", Value: "x"}, {Key: "v", Value: int32(1)}})))
	require.NoError(t, m.Handle(ctx, remove(2, "x")))
	_, ok := m.Get("x")
	assert.False(t, ok)

	require.NoError(t, m.Handle(ctx, insert(3, bson.D{{Key: "_id", Value: "x"}, {Key: "v", Value: int32(3)}})))

	assert.Equal(t, 1, m.Len())
	doc, ok := m.Get("x")
	require.True(t, ok)
	assert.Equal(t, bson.D{{Key: "_id", Value: "x"}, {Key: "v", Value: int32(3)}}, doc.D())
}

func TestMirrorInsertReplaces(t *testing.T) {
	ctx := context.Background()
	m := loaded(t, nil, bson.D{{Key: "_id", Value: "x"}, {Key: "old", Value: true}})

	require.NoError(t, m.Handle(ctx, insert(1, bson.D{{Key: "_id", Value: "x"}, {Key: "new", Value: true}})))

	doc, _ := m.Get("x")
	assert.Equal(t, bson.D{{Key: "_id", Value: "x"}, {Key: "new", Value: true}}, doc.D())
}

func TestMirrorLastTimestampCountsNoops(t *testing.T) {
	ctx := context.Background()
	m := loaded(t, nil)

	records := []oplog.Record{
		insert(1, bson.D{{Key: "_id", Value: int32(1)}}),
		{Timestamp: ts(2), Op: oplog.OpNoop},
		{Timestamp: ts(3), Op: oplog.OpCommand, Namespace: "shop.$cmd"},
		{Timestamp: ts(4), Op: oplog.OpDBDeclare, Namespace: "shop"},
	}
	for i, r := range records {
		require.NoError(t, m.Handle(ctx, r))
		last, ok := m.LastTimestamp()
		require.True(t, ok)
		assert.Equal(t, records[i].Timestamp, last)
	}
}

func TestMirrorNamespace(t *testing.T) {
	ctx := context.Background()
	m := loaded(t, []Option{WithNamespace(ns)})

	other := insert(1, bson.D{{Key: "_id", Value: int32(1)}})
	other.Namespace = "shop.other"
	require.NoError(t, m.Handle(ctx, other))
	assert.Equal(t, 0, m.Len())

	// other namespaces never raise NotFound
	del := remove(2, int32(1))
	del.Namespace = "shop.other"
	require.NoError(t, m.Handle(ctx, del))

	require.NoError(t, m.Handle(ctx, insert(3, bson.D{{Key: "_id", Value: int32(1)}})))
	assert.Equal(t, 1, m.Len())
}

func TestMirrorGetReturnsCopy(t *testing.T) {
	m := loaded(t, nil, bson.D{{Key: "_id", Value: int32(1)}, {Key: "n", Value: int32(1)}})

	doc, _ := m.Get(int32(1))
	require.NoError(t, doc.Set("n", int32(5)))

	again, _ := m.Get(int32(1))
	n, _ := again.Get("n")
	assert.Equal(t, int32(1), n)
}

func TestMirrorEntries(t *testing.T) {
	m := loaded(t, nil,
		bson.D{{Key: "_id", Value: "b"}},
		bson.D{{Key: "_id", Value: "a"}},
		bson.D{{Key: "_id", Value: "c"}},
	)

	entries := m.Entries(2)
	require.Len(t, entries, 2)
	assert.Equal(t, "a", entries[0].ID)
	assert.Equal(t, "b", entries[1].ID)

	assert.Len(t, m.Entries(0), 3)
	assert.Len(t, m.All(), 3)
}

func TestMirrorLookup(t *testing.T) {
	oid := primitive.NewObjectID()
	m := loaded(t, nil,
		bson.D{{Key: "_id", Value: oid}},
		bson.D{{Key: "_id", Value: int32(7)}},
		bson.D{{Key: "_id", Value: int64(1) << 40}},
		bson.D{{Key: "_id", Value: "name"}},
	)

	e, ok := m.Lookup(oid.Hex())
	require.True(t, ok)
	assert.Equal(t, oid, e.ID)

	e, ok = m.Lookup("7")
	require.True(t, ok)
	assert.Equal(t, int32(7), e.ID)

	e, ok = m.Lookup("1099511627776")
	require.True(t, ok)
	assert.Equal(t, int64(1)<<40, e.ID)

	e, ok = m.Lookup("name")
	require.True(t, ok)
	assert.Equal(t, "name", e.ID)

	_, ok = m.Lookup("missing")
	assert.False(t, ok)
}

func TestFormatID(t *testing.T) {
	oid, err := primitive.ObjectIDFromHex("65f0a1b2c3d4e5f601234567")
	require.NoError(t, err)

	for _, tc := range []struct {
		id   any
		want string
	}{
		{int32(7), "7"},
		{int64(7), "7"},
		{"a", `"a"`},
		{oid, `{"$oid":"65f0a1b2c3d4e5f601234567"}`},
	} {
		got, err := FormatID(tc.id)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestMirrorListeners(t *testing.T) {
	ctx := context.Background()
	var changes []Change
	m := loaded(t, []Option{WithListener(ListenerFunc(func(ctx context.Context, c Change) error {
		changes = append(changes, c)
		return nil
	}))}, bson.D{{Key: "_id", Value: int32(1)}, {Key: "n", Value: int32(1)}})

	require.NoError(t, m.Handle(ctx, update(1, int32(1), bson.D{
		{Key: "$set", Value: bson.D{{Key: "n", Value: int32(2)}}},
	})))
	require.NoError(t, m.Handle(ctx, remove(2, int32(1))))
	require.NoError(t, m.Handle(ctx, insert(3, bson.D{{Key: "_id", Value: int32(2)}})))

	require.Len(t, changes, 3)

	assert.Equal(t, oplog.OpUpdate, changes[0].Op)
	before, _ := changes[0].Before.Get("n")
	after, _ := changes[0].After.Get("n")
	assert.Equal(t, int32(1), before)
	assert.Equal(t, int32(2), after)
	assert.Equal(t, []string{"n"}, changes[0].Delta.Paths())

	assert.Equal(t, oplog.OpDelete, changes[1].Op)
	assert.Nil(t, changes[1].After)
	assert.NotNil(t, changes[1].Before)

	assert.Equal(t, oplog.OpInsert, changes[2].Op)
	assert.Nil(t, changes[2].Before)
	assert.Equal(t, int32(2), changes[2].ID)
}

func TestMirrorListenerError(t *testing.T) {
	boom := errors.New("boom")
	m := loaded(t, []Option{WithListener(ListenerFunc(func(ctx context.Context, c Change) error {
		return boom
	}))})

	err := m.Handle(context.Background(), insert(1, bson.D{{Key: "_id", Value: int32(1)}}))
	assert.ErrorIs(t, err, boom)
	// the change is applied before listeners run
	assert.Equal(t, 1, m.Len())
}

func TestMirrorWithObserver(t *testing.T) {
	ctx := context.Background()
	log := oplog.NewMemoryLog()
	require.NoError(t, log.Append(insert(1, bson.D{{Key: "_id", Value: int32(1)}})))

	m := New(WithNamespace(ns))
	require.NoError(t, m.Sync(ctx, log, func(ctx context.Context) (Snapshot, error) {
		return snapshot(t, bson.D{{Key: "_id", Value: int32(1)}, {Key: "n", Value: int32(1)}}), nil
	}))

	last, ok := m.LastTimestamp()
	require.True(t, ok)
	assert.Equal(t, ts(1), last)

	require.NoError(t, log.Append(
		update(2, int32(1), bson.D{{Key: "$set", Value: bson.D{{Key: "n", Value: int32(2)}}}}),
		insert(3, bson.D{{Key: "_id", Value: int32(2)}}),
		remove(4, int32(9)),
	))

	o, err := oplog.NewObserver(ctx, log, m,
		oplog.WithNamespace(ns),
		oplog.WithErrorHandler(func(ctx context.Context, r oplog.Record, err error) error {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}),
		oplog.WithOnEmpty(func(ctx context.Context) error {
			return oplog.ErrStopObservation
		}),
	)
	require.NoError(t, err)
	assert.ErrorIs(t, o.Observe(ctx), oplog.ErrStopObservation)

	assert.Equal(t, 2, m.Len())
	doc, _ := m.Get(int32(1))
	n, _ := doc.Get("n")
	assert.Equal(t, int32(2), n)

	last, _ = m.LastTimestamp()
	assert.Equal(t, ts(4), last)
}

type bufferedListener struct {
	pending []Change
	flushed int
	err     error
}

func (b *bufferedListener) OnChange(ctx context.Context, c Change) error {
	b.pending = append(b.pending, c)
	return nil
}

func (b *bufferedListener) Flush(ctx context.Context) error {
	if b.err != nil {
		return b.err
	}
	b.flushed += len(b.pending)
	b.pending = nil
	return nil
}

func TestMirrorFlushesListenersBeforeCheckpoint(t *testing.T) {
	ctx := context.Background()
	log := oplog.NewMemoryLog()
	require.NoError(t, log.Append(
		insert(1, bson.D{{Key: "_id", Value: int32(1)}}),
		insert(2, bson.D{{Key: "_id", Value: int32(2)}}),
	))

	t.Run("flushed", func(t *testing.T) {
		l := &bufferedListener{}
		m := loaded(t, []Option{WithListener(l)})
		cp := oplog.NewFilesystemCheckpointer(t.TempDir(), zap.NewNop())

		o, err := oplog.NewObserver(ctx, log, m,
			oplog.WithNamespace(ns),
			oplog.WithStartingTimestamp(oplog.MinTimestamp),
			oplog.WithCheckpointer(cp, 0),
			oplog.WithOnEmpty(func(ctx context.Context) error {
				return oplog.ErrStopObservation
			}),
		)
		require.NoError(t, err)
		assert.ErrorIs(t, o.Observe(ctx), oplog.ErrStopObservation)

		assert.Equal(t, 2, l.flushed)
		assert.Empty(t, l.pending)
		saved, err := cp.Load(ctx, o.ID)
		require.NoError(t, err)
		require.NotNil(t, saved)
		assert.Equal(t, ts(2), saved.Timestamp)
	})

	t.Run("flush fails", func(t *testing.T) {
		boom := errors.New("broker down")
		m := loaded(t, []Option{WithListener(&bufferedListener{err: boom})})

		err := m.Flush(ctx)
		assert.ErrorIs(t, err, boom)
		assert.ErrorContains(t, err, "listener")
	})
}
