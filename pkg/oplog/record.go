package oplog

import (
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Op is the oplog operation code
type Op string

const (
	OpInsert    Op = "i"
	OpUpdate    Op = "u"
	OpDelete    Op = "d"
	OpCommand   Op = "c"
	OpDBDeclare Op = "db"
	OpNoop      Op = "n"
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpCommand:
		return "command"
	case OpDBDeclare:
		return "db-declare"
	case OpNoop:
		return "no-op"
	}
	return string(o)
}

// MinTimestamp is the starting point used when the oplog is empty.
var MinTimestamp = primitive.Timestamp{T: 0, I: 1}

// Record is a single oplog entry.
type Record struct {
	Timestamp primitive.Timestamp `bson:"ts"`
	Term      *int64              `bson:"t,omitempty"`
	// Hash is the unique operation id. Servers >= 4.2 no longer write it.
	Hash      int64            `bson:"h,omitempty"`
	Version   int              `bson:"v,omitempty"`
	Op        Op               `bson:"op"`
	Namespace string           `bson:"ns"`
	UUID      primitive.Binary `bson:"ui,omitempty"`
	Object    bson.D           `bson:"o"`
	Object2   bson.D           `bson:"o2,omitempty"`
	WallTime  time.Time        `bson:"wall,omitempty"`
}

func (r Record) Database() string {
	db, _, _ := strings.Cut(r.Namespace, ".")
	return db
}

func (r Record) Collection() string {
	_, coll, _ := strings.Cut(r.Namespace, ".")
	return coll
}

// DocumentID returns the _id of the affected document. Updates carry it in
// o2; deletes carry it in o (o2 on some server versions); inserts in o.
func (r Record) DocumentID() (any, bool) {
	if id, ok := lookup(r.Object2, "_id"); ok {
		return id, true
	}
	switch r.Op {
	case OpInsert, OpDelete:
		return lookup(r.Object, "_id")
	}
	return nil, false
}

func (r Record) IsZero() bool {
	return r.Timestamp.IsZero() && r.Op == "" && r.Namespace == ""
}

func lookup(d bson.D, key string) (any, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}
