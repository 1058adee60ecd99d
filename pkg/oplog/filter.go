package oplog

import (
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Filter selects the oplog entries a cursor yields: an optional namespace
// and a strict lower bound on the timestamp.
type Filter struct {
	Namespace string
	After     primitive.Timestamp
}

// BSON renders the filter as an oplog query, {ns: <ns>, ts: {$gt: <after>}}.
func (f Filter) BSON() bson.D {
	q := bson.D{}
	if f.Namespace != "" {
		q = append(q, bson.E{Key: "ns", Value: f.Namespace})
	}
	return append(q, bson.E{Key: "ts", Value: bson.D{{Key: "$gt", Value: f.After}}})
}

func (f Filter) Match(r Record) bool {
	if f.Namespace != "" && r.Namespace != f.Namespace {
		return false
	}
	return r.Timestamp.After(f.After)
}
