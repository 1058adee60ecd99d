package mirror

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Key is the map key for a document identifier: the BSON type followed by
// the hex encoded value, so 1 and "1" do not collide.
func Key(id any) (string, error) {
	t, data, err := bson.MarshalValue(id)
	if err != nil {
		return "", fmt.Errorf("encoding _id %v: %w", id, err)
	}
	return fmt.Sprintf("%02x:%s", byte(t), hex.EncodeToString(data)), nil
}

// FormatID renders an identifier as relaxed Extended JSON, e.g. 7, "a" or
// {"$oid":"..."}.
func FormatID(id any) (string, error) {
	bs, err := bson.MarshalExtJSON(bson.D{{Key: "_id", Value: id}}, false, false)
	if err != nil {
		return "", fmt.Errorf("encoding _id %v: %w", id, err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(bs, &doc); err != nil {
		return "", err
	}
	return string(doc["_id"]), nil
}

// ParseID turns an identifier taken from a URL into the candidate values
// it may stand for, most specific first.
func ParseID(s string) []any {
	var ids []any
	if oid, err := primitive.ObjectIDFromHex(s); err == nil {
		ids = append(ids, oid)
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if int64(int32(n)) == n {
			ids = append(ids, int32(n))
		}
		ids = append(ids, n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		ids = append(ids, f)
	}
	return append(ids, s)
}

// Lookup finds the document for an identifier taken from a URL.
func (m *Mirror) Lookup(s string) (Entry, bool) {
	for _, id := range ParseID(s) {
		if doc, ok := m.Get(id); ok {
			return Entry{ID: id, Document: doc}, true
		}
	}
	return Entry{}, false
}
