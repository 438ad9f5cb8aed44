package docstore

import (
	"cmp"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Op is a filter comparison operator.
type Op string

const (
	Eq  Op = "=="
	Lt  Op = "<"
	Lte Op = "<="
	Gt  Op = ">"
	Gte Op = ">="
)

type Filter struct {
	Field string
	Op    Op
	Value any
}

// Where builds a Filter.
func Where(field string, op Op, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

type Order struct {
	Field string
	Desc  bool
}

// Query selects documents of one collection. An empty Owner queries the
// collection across all owners. Results are ordered by OrderBy and then by
// key, so pagination with After is stable.
type Query struct {
	Collection string
	Owner      string
	Filters    []Filter
	OrderBy    []Order
	Limit      int
	After      *Cursor
}

// Cursor is the position of the last document of a page.
type Cursor struct {
	Values []any
	Owner  string
	ID     string
}

// Page is one batch of query results. Next is nil on the last page.
type Page struct {
	Docs []*Snapshot
	Next *Cursor
}

type cursorWire struct {
	V []any  `bson:"v"`
	O string `bson:"o"`
	I string `bson:"i"`
}

// EncodeCursor renders c as an opaque URL-safe token.
func EncodeCursor(c *Cursor) (string, error) {
	if c == nil {
		return "", nil
	}
	raw, err := bson.Marshal(cursorWire{V: c.Values, O: c.Owner, I: c.ID})
	if err != nil {
		return "", fmt.Errorf("encode cursor: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeCursor parses a token produced by EncodeCursor. An empty token
// yields a nil cursor.
func DecodeCursor(token string) (*Cursor, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	var w cursorWire
	if err := bson.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	if w.I == "" {
		return nil, fmt.Errorf("decode cursor: missing position")
	}
	return &Cursor{Values: w.V, Owner: w.O, ID: w.I}, nil
}

func cursorFor(key Key, m bson.M, orders []Order) *Cursor {
	values := make([]any, len(orders))
	for i, o := range orders {
		values[i] = m[o.Field]
	}
	return &Cursor{Values: values, Owner: key.Owner, ID: key.ID}
}

// type ranks follow the BSON comparison order closely enough for the types
// stored here: null < numbers < strings < booleans < dates.
func valueRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case float64:
		return 1
	case string:
		return 2
	case bool:
		return 3
	case time.Time:
		return 4
	default:
		return 5
	}
}

func normalize(v any) any {
	switch x := v.(type) {
	case primitive.DateTime:
		return x.Time().UTC()
	case time.Time:
		return x.UTC()
	case int:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case primitive.Null, primitive.Undefined:
		return nil
	}
	return v
}

// compareValues orders two stored values. sameType is false when they fall
// in different type brackets.
func compareValues(a, b any) (c int, sameType bool) {
	a, b = normalize(a), normalize(b)
	ra, rb := valueRank(a), valueRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb), false
	}
	switch x := a.(type) {
	case float64:
		return cmp.Compare(x, b.(float64)), true
	case string:
		return strings.Compare(x, b.(string)), true
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		default:
			return 1, true
		}
	case time.Time:
		return x.Compare(b.(time.Time)), true
	}
	return 0, true
}

func matchFilter(m bson.M, f Filter) bool {
	c, same := compareValues(m[f.Field], f.Value)
	if !same {
		return false
	}
	switch f.Op {
	case Eq:
		return c == 0
	case Lt:
		return c < 0
	case Lte:
		return c <= 0
	case Gt:
		return c > 0
	case Gte:
		return c >= 0
	}
	return false
}

// compareRows orders by the query ordering, then by storage id.
func compareRows(orders []Order, am bson.M, aKey Key, bValues []any, bKey Key) int {
	for i, o := range orders {
		var bv any
		if i < len(bValues) {
			bv = bValues[i]
		}
		c, _ := compareValues(am[o.Field], bv)
		if o.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return strings.Compare(aKey.docID(), bKey.docID())
}
