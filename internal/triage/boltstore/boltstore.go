// Package boltstore provides a bbolt-backed implementation of triage.DecisionLog
// for single-node deployments that need durability without a database server.
package boltstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/warden/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/warden/internal/triage/boltstore")

var (
	// bucketDecisions maps big-endian seq -> JSON record.
	bucketDecisions = []byte("decisions")

	// bucketAlerts holds one nested bucket per alert id mapping seq -> nothing.
	bucketAlerts = []byte("alerts")
)

// readBatch bounds how many records a single read transaction collects.
const readBatch = 256

// Store persists decision records in a bbolt file. Every Append is fsynced
// before it is acknowledged.
type Store struct {
	db *bbolt.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout:      time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketDecisions, bucketAlerts} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the file lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append commits rec if its From matches the alert's current state.
func (s *Store) Append(ctx context.Context, rec triage.DecisionRecord) (triage.Ack, error) {
	_, span := startSpan(ctx, "boltstore.Append", "INSERT")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return triage.Ack{}, spanErr(span, err)
	}

	var conflict error
	err := s.db.Update(func(tx *bbolt.Tx) error {
		decisions := tx.Bucket(bucketDecisions)
		alerts := tx.Bucket(bucketAlerts)

		current := triage.StatusNew
		if ab := alerts.Bucket([]byte(rec.AlertID)); ab != nil {
			if k, _ := ab.Cursor().Last(); k != nil {
				latest, err := decode(decisions.Get(k))
				if err != nil {
					return err
				}
				current = latest.To
			}
		}
		if rec.From != current {
			conflict = fmt.Errorf("%w: alert %s is %s, append expects %s", triage.ErrConflict, rec.AlertID, current, rec.From)
			return conflict
		}

		seq, err := decisions.NextSequence()
		if err != nil {
			return err
		}
		rec.Seq = seq
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record: %w", err)
		}
		key := seqKey(seq)
		if err := decisions.Put(key, data); err != nil {
			return err
		}
		ab, err := alerts.CreateBucketIfNotExists([]byte(rec.AlertID))
		if err != nil {
			return err
		}
		return ab.Put(key, nil)
	})
	if conflict != nil {
		return triage.Ack{}, spanErr(span, conflict)
	}
	if err != nil {
		return triage.Ack{}, spanErr(span, fmt.Errorf("%w: %w", triage.ErrStorageUnavailable, err))
	}

	span.SetAttributes(attribute.Int64("decision.seq", int64(rec.Seq)))
	return triage.Ack{Seq: rec.Seq, CommittedAt: time.Now()}, nil
}

// ReadAll yields every record in Seq order, reading in bounded batches so no
// transaction is held open while the caller works.
func (s *Store) ReadAll(ctx context.Context) iter.Seq2[triage.DecisionRecord, error] {
	return func(yield func(triage.DecisionRecord, error) bool) {
		var after []byte
		for {
			if err := ctx.Err(); err != nil {
				yield(triage.DecisionRecord{}, err)
				return
			}
			var batch []triage.DecisionRecord
			err := s.db.View(func(tx *bbolt.Tx) error {
				c := tx.Bucket(bucketDecisions).Cursor()
				k, v := seekAfter(c, after)
				for ; k != nil && len(batch) < readBatch; k, v = c.Next() {
					rec, err := decode(v)
					if err != nil {
						return err
					}
					batch = append(batch, rec)
					after = bytes.Clone(k)
				}
				return nil
			})
			if err != nil {
				yield(triage.DecisionRecord{}, fmt.Errorf("%w: %w", triage.ErrStorageUnavailable, err))
				return
			}
			for _, rec := range batch {
				if !yield(rec, nil) {
					return
				}
			}
			if len(batch) < readBatch {
				return
			}
		}
	}
}

// ReadByAlert yields one alert's records in Seq order.
func (s *Store) ReadByAlert(ctx context.Context, alertID string) iter.Seq2[triage.DecisionRecord, error] {
	return func(yield func(triage.DecisionRecord, error) bool) {
		var after []byte
		for {
			if err := ctx.Err(); err != nil {
				yield(triage.DecisionRecord{}, err)
				return
			}
			var batch []triage.DecisionRecord
			err := s.db.View(func(tx *bbolt.Tx) error {
				ab := tx.Bucket(bucketAlerts).Bucket([]byte(alertID))
				if ab == nil {
					return nil
				}
				decisions := tx.Bucket(bucketDecisions)
				c := ab.Cursor()
				k, _ := seekAfter(c, after)
				for ; k != nil && len(batch) < readBatch; k, _ = c.Next() {
					rec, err := decode(decisions.Get(k))
					if err != nil {
						return err
					}
					batch = append(batch, rec)
					after = bytes.Clone(k)
				}
				return nil
			})
			if err != nil {
				yield(triage.DecisionRecord{}, fmt.Errorf("%w: %w", triage.ErrStorageUnavailable, err))
				return
			}
			for _, rec := range batch {
				if !yield(rec, nil) {
					return
				}
			}
			if len(batch) < readBatch {
				return
			}
		}
	}
}

// Latest returns the alert's most recent record.
func (s *Store) Latest(ctx context.Context, alertID string) (triage.DecisionRecord, bool, error) {
	_, span := startSpan(ctx, "boltstore.Latest", "SELECT")
	defer span.End()

	if err := ctx.Err(); err != nil {
		return triage.DecisionRecord{}, false, spanErr(span, err)
	}

	var (
		rec   triage.DecisionRecord
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		ab := tx.Bucket(bucketAlerts).Bucket([]byte(alertID))
		if ab == nil {
			return nil
		}
		k, _ := ab.Cursor().Last()
		if k == nil {
			return nil
		}
		var err error
		rec, err = decode(tx.Bucket(bucketDecisions).Get(k))
		found = err == nil
		return err
	})
	if err != nil {
		return triage.DecisionRecord{}, false, spanErr(span, fmt.Errorf("%w: %w", triage.ErrStorageUnavailable, err))
	}
	return rec, found, nil
}

var errMissingRecord = errors.New("indexed record missing")

func decode(data []byte) (triage.DecisionRecord, error) {
	var rec triage.DecisionRecord
	if data == nil {
		return rec, errMissingRecord
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return rec, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// seekAfter positions c on the first key strictly greater than after.
func seekAfter(c *bbolt.Cursor, after []byte) ([]byte, []byte) {
	if after == nil {
		return c.First()
	}
	k, v := c.Seek(after)
	if k != nil && bytes.Equal(k, after) {
		return c.Next()
	}
	return k, v
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "bbolt"),
		attribute.String("db.operation.name", op),
	))
}

func spanErr(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}
