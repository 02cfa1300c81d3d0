package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pinbridge/vault/internal/logging"
)

// MongoStore keeps one MongoDB document per owner path. The JSON document is
// stored under the "data" field; _id is "<uid>/<path>".
type MongoStore struct {
	client *mongo.Client
	coll   *mongo.Collection
	log    *logrus.Entry
}

type mongoDoc struct {
	Data bson.Raw `bson:"data"`
}

// NewMongoStore connects to uri and verifies the connection
func NewMongoStore(ctx context.Context, uri, dbName, collName string, logger *logrus.Logger) (*MongoStore, error) {
	if uri == "" {
		return nil, errors.New("mongo uri is empty")
	}
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := cli.Ping(pctx, nil); err != nil {
		_ = cli.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	coll := cli.Database(dbName).Collection(collName)
	_, _ = coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "uid", Value: 1}},
	})

	return &MongoStore{client: cli, coll: coll, log: logging.Component(logger, "remote.mongo")}, nil
}

// Get returns the document at path as relaxed extended JSON
func (m *MongoStore) Get(ctx context.Context, uid, path string) ([]byte, error) {
	id, err := documentID(uid, path)
	if err != nil {
		return nil, err
	}

	var doc mongoDoc
	err = m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rawToJSON(doc.Data)
}

// Set upserts the document. Merge writes only the given top-level fields.
func (m *MongoStore) Set(ctx context.Context, uid, path string, doc []byte, merge bool) error {
	id, err := documentID(uid, path)
	if err != nil {
		return err
	}

	var fields bson.M
	if err := bson.UnmarshalExtJSON(doc, false, &fields); err != nil {
		return fmt.Errorf("document must be a JSON object: %w", err)
	}

	set := bson.M{"updatedAt": time.Now()}
	if merge {
		for k, v := range fields {
			set["data."+k] = v
		}
	} else {
		set["data"] = fields
	}

	_, err = m.coll.UpdateOne(
		ctx,
		bson.M{"_id": id},
		bson.M{
			"$set": set,
			"$setOnInsert": bson.M{
				"uid":       uid,
				"path":      path,
				"createdAt": time.Now(),
			},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Delete removes the document at path
func (m *MongoStore) Delete(ctx context.Context, uid, path string) error {
	id, err := documentID(uid, path)
	if err != nil {
		return err
	}
	if _, err := m.coll.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Subscribe follows the document through a change stream
func (m *MongoStore) Subscribe(ctx context.Context, uid, path string) (<-chan []byte, error) {
	id, err := documentID(uid, path)
	if err != nil {
		return nil, err
	}

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: id}}}},
	}
	stream, err := m.coll.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}

	out := make(chan []byte, 8)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())

		if current, err := m.Get(ctx, uid, path); err == nil {
			select {
			case out <- current:
			case <-ctx.Done():
				return
			}
		}

		for stream.Next(ctx) {
			var event struct {
				FullDocument *mongoDoc `bson:"fullDocument"`
			}
			if err := stream.Decode(&event); err != nil {
				m.log.WithError(err).Warn("failed to decode change event")
				continue
			}
			if event.FullDocument == nil {
				continue
			}
			doc, err := rawToJSON(event.FullDocument.Data)
			if err != nil {
				m.log.WithError(err).Warn("failed to convert change event")
				continue
			}
			select {
			case out <- doc:
			case <-ctx.Done():
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			m.log.WithError(err).WithField("path", path).Warn("change stream ended")
		}
	}()
	return out, nil
}

// Ping checks the primary is reachable
func (m *MongoStore) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

// Close disconnects the client
func (m *MongoStore) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

func rawToJSON(raw bson.Raw) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	var doc bson.D
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	out, err := bson.MarshalExtJSON(doc, false, false)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return out, nil
}
