package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

// Metadata fields stored next to every document.
const (
	FieldDocID = "_id"
	FieldOwner = "_owner"
	FieldKey   = "_key"
	FieldRev   = "_rev"
)

// MongoStore implements Store on a MongoDB replica set. Each logical
// collection maps to a Mongo collection; documents are addressed by
// "<owner>/<id>" and carry a _rev counter used for optimistic validation.
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
	retry  RetryPolicy
}

func NewMongoStore(client *mongo.Client, db *mongo.Database, policy RetryPolicy) *MongoStore {
	return &MongoStore{client: client, db: db, retry: policy}
}

func (s *MongoStore) Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}

func (s *MongoStore) Get(ctx context.Context, key Key) (*Snapshot, error) {
	raw, err := s.db.Collection(key.Collection).FindOne(ctx, bson.M{FieldDocID: key.docID()}).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &Snapshot{Key: key}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return &Snapshot{Key: key, exists: true, raw: raw}, nil
}

func (s *MongoStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	txOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())

	return runWithRetry(ctx, s.retry, func(ctx context.Context) error {
		sess, err := s.client.StartSession()
		if err != nil {
			return fmt.Errorf("start session: %w", err)
		}
		defer sess.EndSession(context.Background())

		return mongo.WithSession(ctx, sess, func(sc mongo.SessionContext) error {
			if err := sess.StartTransaction(txOpts); err != nil {
				return fmt.Errorf("start transaction: %w", err)
			}
			tx := &mongoTx{db: s.db, reads: make(map[Key]readState), now: s.Now()}
			if err := fn(sc, tx); err != nil {
				_ = sess.AbortTransaction(context.Background())
				return err
			}
			if err := tx.commit(sc); err != nil {
				_ = sess.AbortTransaction(context.Background())
				return classify(err)
			}
			return classify(sess.CommitTransaction(sc))
		})
	})
}

// classify turns server-side write conflicts into ErrConflict so they are
// retried.
func classify(err error) error {
	if err == nil || errors.Is(err, ErrConflict) {
		return err
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	var se mongo.ServerError
	if errors.As(err, &se) && (se.HasErrorLabel("TransientTransactionError") || se.HasErrorLabel("UnknownTransactionCommitResult")) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func (s *MongoStore) Query(ctx context.Context, q Query) (*Page, error) {
	conds := bson.A{}
	if q.Owner != "" {
		conds = append(conds, bson.M{FieldOwner: q.Owner})
	}
	for _, f := range q.Filters {
		conds = append(conds, bson.M{f.Field: bson.M{mongoOp(f.Op): f.Value}})
	}
	if q.After != nil {
		conds = append(conds, afterFilter(q.OrderBy, q.After))
	}
	filter := bson.M{}
	if len(conds) > 0 {
		filter = bson.M{"$and": conds}
	}

	sortDoc := bson.D{}
	for _, o := range q.OrderBy {
		dir := 1
		if o.Desc {
			dir = -1
		}
		sortDoc = append(sortDoc, bson.E{Key: o.Field, Value: dir})
	}
	sortDoc = append(sortDoc, bson.E{Key: FieldDocID, Value: 1})

	findOpts := options.Find().SetSort(sortDoc)
	if q.Limit > 0 {
		findOpts.SetLimit(int64(q.Limit) + 1)
	}

	cur, err := s.db.Collection(q.Collection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	defer cur.Close(ctx)

	page := &Page{}
	var lastKey Key
	var lastM bson.M
	for cur.Next(ctx) {
		if q.Limit > 0 && len(page.Docs) == q.Limit {
			page.Next = cursorFor(lastKey, lastM, q.OrderBy)
			break
		}
		raw := make(bson.Raw, len(cur.Current))
		copy(raw, cur.Current)
		var m bson.M
		if err := bson.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", q.Collection, err)
		}
		owner, _ := m[FieldOwner].(string)
		id, _ := m[FieldKey].(string)
		lastKey = Key{Collection: q.Collection, Owner: owner, ID: id}
		lastM = m
		page.Docs = append(page.Docs, &Snapshot{Key: lastKey, exists: true, raw: raw})
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	return page, nil
}

func mongoOp(op Op) string {
	switch op {
	case Lt:
		return "$lt"
	case Lte:
		return "$lte"
	case Gt:
		return "$gt"
	case Gte:
		return "$gte"
	}
	return "$eq"
}

// afterFilter expresses "strictly after c" for a compound ordering as a
// disjunction of prefix-equal, next-field-greater conditions.
func afterFilter(orders []Order, c *Cursor) bson.M {
	ors := bson.A{}
	for i := 0; i <= len(orders); i++ {
		cond := bson.M{}
		for j := 0; j < i; j++ {
			cond[orders[j].Field] = cursorValue(c, j)
		}
		if i < len(orders) {
			op := "$gt"
			if orders[i].Desc {
				op = "$lt"
			}
			cond[orders[i].Field] = bson.M{op: cursorValue(c, i)}
		} else {
			cond[FieldDocID] = bson.M{"$gt": c.Owner + "/" + c.ID}
		}
		ors = append(ors, cond)
	}
	return bson.M{"$or": ors}
}

func cursorValue(c *Cursor, i int) any {
	if i < len(c.Values) {
		return c.Values[i]
	}
	return nil
}

type readState struct {
	exists bool
	rev    int64
}

type mongoTx struct {
	db     *mongo.Database
	reads  map[Key]readState
	writes []write
	now    time.Time
}

func (t *mongoTx) Get(ctx context.Context, key Key) (*Snapshot, error) {
	if len(t.writes) > 0 {
		return nil, ErrReadAfterWrite
	}
	raw, err := t.db.Collection(key.Collection).FindOne(ctx, bson.M{FieldDocID: key.docID()}).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		if _, seen := t.reads[key]; !seen {
			t.reads[key] = readState{}
		}
		return &Snapshot{Key: key}, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get %s: %w", key, err))
	}
	if _, seen := t.reads[key]; !seen {
		rev, _ := raw.Lookup(FieldRev).AsInt64OK()
		t.reads[key] = readState{exists: true, rev: rev}
	}
	return &Snapshot{Key: key, exists: true, raw: raw}, nil
}

func (t *mongoTx) Set(key Key, doc any) error {
	t.writes = append(t.writes, write{kind: writeSet, key: key, doc: doc})
	return nil
}

func (t *mongoTx) Update(key Key, fields Fields) error {
	t.writes = append(t.writes, write{kind: writeUpdate, key: key, fields: fields})
	return nil
}

func (t *mongoTx) Merge(key Key, fields Fields) error {
	t.writes = append(t.writes, write{kind: writeMerge, key: key, fields: fields})
	return nil
}

func (t *mongoTx) Delete(key Key) error {
	t.writes = append(t.writes, write{kind: writeDelete, key: key})
	return nil
}

func (t *mongoTx) Now() time.Time {
	return t.now
}

// commit applies the buffered writes inside the session transaction. Every
// write to a document that was read is conditional on the revision seen, and
// documents that were only read get their revision bumped, so any concurrent
// change to the read set surfaces as a conflict.
func (t *mongoTx) commit(ctx context.Context) error {
	written := make(map[Key]bool)
	for _, w := range t.writes {
		if err := t.apply(ctx, w); err != nil {
			return err
		}
		written[w.key] = true
	}
	for key, st := range t.reads {
		if written[key] || !st.exists {
			continue
		}
		res, err := t.db.Collection(key.Collection).UpdateOne(ctx,
			bson.M{FieldDocID: key.docID(), FieldRev: st.rev},
			bson.M{"$inc": bson.M{FieldRev: 1}})
		if err != nil {
			return fmt.Errorf("validate %s: %w", key, err)
		}
		if res.MatchedCount == 0 {
			return fmt.Errorf("%w: %s", ErrConflict, key)
		}
	}
	return nil
}

func (t *mongoTx) apply(ctx context.Context, w write) error {
	col := t.db.Collection(w.key.Collection)
	st, wasRead := t.reads[w.key]

	switch w.kind {
	case writeSet:
		if !wasRead {
			// Blind replace: learn the current revision first.
			raw, err := col.FindOne(ctx, bson.M{FieldDocID: w.key.docID()}).Raw()
			switch {
			case errors.Is(err, mongo.ErrNoDocuments):
				st = readState{}
			case err != nil:
				return fmt.Errorf("set %s: %w", w.key, err)
			default:
				rev, _ := raw.Lookup(FieldRev).AsInt64OK()
				st = readState{exists: true, rev: rev}
			}
		}
		doc, err := withMeta(w.key, w.doc, st.rev+1)
		if err != nil {
			return err
		}
		if !st.exists {
			if _, err := col.InsertOne(ctx, doc); err != nil {
				return fmt.Errorf("insert %s: %w", w.key, err)
			}
		} else {
			res, err := col.ReplaceOne(ctx, bson.M{FieldDocID: w.key.docID(), FieldRev: st.rev}, doc)
			if err != nil {
				return fmt.Errorf("replace %s: %w", w.key, err)
			}
			if res.MatchedCount == 0 {
				return fmt.Errorf("%w: %s", ErrConflict, w.key)
			}
		}
		t.reads[w.key] = readState{exists: true, rev: st.rev + 1}

	case writeUpdate:
		if wasRead && !st.exists {
			return fmt.Errorf("update %s: %w", w.key, ErrNotFound)
		}
		filter := bson.M{FieldDocID: w.key.docID()}
		if wasRead {
			filter[FieldRev] = st.rev
		}
		res, err := col.UpdateOne(ctx, filter, updateDoc(w.key, w.fields, false))
		if err != nil {
			return fmt.Errorf("update %s: %w", w.key, err)
		}
		if res.MatchedCount == 0 {
			if wasRead {
				return fmt.Errorf("%w: %s", ErrConflict, w.key)
			}
			return fmt.Errorf("update %s: %w", w.key, ErrNotFound)
		}
		if wasRead {
			t.reads[w.key] = readState{exists: true, rev: st.rev + 1}
		}

	case writeMerge:
		filter := bson.M{FieldDocID: w.key.docID()}
		if wasRead {
			if st.exists {
				filter[FieldRev] = st.rev
			} else {
				filter[FieldRev] = bson.M{"$exists": false}
			}
		}
		_, err := col.UpdateOne(ctx, filter, updateDoc(w.key, w.fields, true), options.Update().SetUpsert(true))
		if err != nil {
			return fmt.Errorf("merge %s: %w", w.key, err)
		}
		if wasRead {
			t.reads[w.key] = readState{exists: true, rev: st.rev + 1}
		}

	case writeDelete:
		if wasRead && !st.exists {
			return nil
		}
		filter := bson.M{FieldDocID: w.key.docID()}
		if wasRead {
			filter[FieldRev] = st.rev
		}
		res, err := col.DeleteOne(ctx, filter)
		if err != nil {
			return fmt.Errorf("delete %s: %w", w.key, err)
		}
		if wasRead && res.DeletedCount == 0 {
			return fmt.Errorf("%w: %s", ErrConflict, w.key)
		}
		t.reads[w.key] = readState{}
	}
	return nil
}

func withMeta(key Key, doc any, rev int64) (bson.M, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	m := bson.M{}
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("encode %s: %w", key, err)
	}
	m[FieldDocID] = key.docID()
	m[FieldOwner] = key.Owner
	m[FieldKey] = key.ID
	m[FieldRev] = rev
	return m, nil
}

func updateDoc(key Key, fields Fields, upsert bool) bson.M {
	set := bson.M{}
	inc := bson.M{FieldRev: int64(1)}
	onInsert := bson.M{}
	for name, v := range fields {
		switch op := v.(type) {
		case increment:
			inc[name] = op.n
		case onCreate:
			onInsert[name] = op.v
		default:
			set[name] = v
		}
	}
	if upsert {
		onInsert[FieldOwner] = key.Owner
		onInsert[FieldKey] = key.ID
	}
	update := bson.M{"$inc": inc}
	if len(set) > 0 {
		update["$set"] = set
	}
	if upsert && len(onInsert) > 0 {
		update["$setOnInsert"] = onInsert
	}
	return update
}
