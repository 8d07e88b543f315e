// Package journal publishes per-mutation action records to Redis for an
// out-of-process historian. It is strictly fire-and-forget: a missing or
// failing Redis never affects the session.
package journal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Record is one auditable game action or state commit.
type Record struct {
	SessionID uuid.UUID      `json:"sessionId"`
	Index     int64          `json:"index"`
	ActorID   uuid.UUID      `json:"actorId"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp int64          `json:"timestamp"`
}

// Journal queues records onto a Redis list. A nil Journal or a Journal
// built with a nil client silently drops records.
type Journal struct {
	rdb *redis.Client
	log *logrus.Entry
	key string
}

// New builds a journal writing to the given list key. rdb may be nil.
func New(rdb *redis.Client, log *logrus.Logger, key string) *Journal {
	if key == "" {
		key = "tabletop:actions"
	}
	return &Journal{rdb: rdb, log: log.WithField("component", "journal"), key: key}
}

// Publish serializes and LPUSHes the record asynchronously.
func (j *Journal) Publish(rec Record) {
	if j == nil || j.rdb == nil {
		return
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		b, err := json.Marshal(rec)
		if err != nil {
			j.log.WithError(err).Warn("failed to marshal action record")
			return
		}
		if err := j.rdb.LPush(ctx, j.key, b).Err(); err != nil {
			j.log.WithError(err).WithField("index", rec.Index).Warn("failed to publish action record")
		}
	}()
}
