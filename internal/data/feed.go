package data

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/medlink-chat/internal/chat"
)

// Feed turns message inserts into live events using a change stream on the
// messages collection, one stream per subscription.
type Feed struct {
	coll *mongo.Collection
	log  *zap.Logger
}

// NewFeed returns a Feed watching coll. A nil logger discards output.
func NewFeed(coll *mongo.Collection, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	return &Feed{coll: coll, log: log}
}

// insertEvent is the part of a change event the feed reads.
type insertEvent struct {
	FullDocument messageDoc `bson:"fullDocument"`
}

type streamSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *streamSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// Subscribe opens a change stream filtered to inserts into target and
// delivers them in oplog order until Close.
func (f *Feed) Subscribe(ctx context.Context, target chat.Target, deliver func(chat.Message)) (chat.Subscription, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}
	oid, err := parseID(target.ID)
	if err != nil {
		return nil, err
	}

	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument.conversation_id", Value: oid},
		}}},
	}
	stream, err := f.coll.Watch(ctx, pipeline)
	if err != nil {
		return nil, chat.Transient(err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sub := &streamSubscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		defer stream.Close(context.Background())
		for stream.Next(runCtx) {
			var ev insertEvent
			if err := stream.Decode(&ev); err != nil {
				f.log.Warn("decode change event failed", zap.Stringer("target", target), zap.Error(err))
				continue
			}
			deliver(ev.FullDocument.toChat())
		}
		if err := stream.Err(); err != nil && runCtx.Err() == nil {
			// Reconnecting is up to the caller re-attaching.
			f.log.Error("change stream ended", zap.Stringer("target", target), zap.Error(err))
		}
	}()
	return sub, nil
}
