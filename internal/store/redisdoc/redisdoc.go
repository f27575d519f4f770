// Package redisdoc provides a live document-collection backing store on
// Redis.
//
// Keys, for prefix p:
//
//	p:rec:<id>   hash holding one record
//	p:ids        sorted set of ids scored by creation sequence
//	p:seq        creation sequence counter
//	p:changes    pub/sub channel announcing every write
//
// Multi-record writes WATCH the touched hashes, read them, and commit all
// changes plus the change announcement in one MULTI/EXEC.
package redisdoc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	goRedis "github.com/redis/go-redis/v9"

	"github.com/taskdash/taskdash/internal/record"
	"github.com/taskdash/taskdash/internal/store"
)

// Defaults for RedisOptions fields left empty.
const (
	DefaultURL    = "redis://localhost:6379/0"
	DefaultPrefix = "taskdash"
)

const (
	fieldSeq       = "seq"
	descPrefix     = "f:"
	maxTxAttempts  = 5
	connectTimeout = 5 * time.Second
)

func init() {
	store.Register(store.KindRedis, func(ctx context.Context, opts store.Options) (store.Store, error) {
		s, err := Open(ctx, opts.Redis, opts.Logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Store is the Redis document collection.
type Store struct {
	client *goRedis.Client
	prefix string
	logger *log.Logger
}

// Open connects to Redis and performs a health check.
func Open(ctx context.Context, opts store.RedisOptions, logger *log.Logger) (*Store, error) {
	url := opts.URL
	if url == "" {
		url = DefaultURL
	}
	redisOpts, err := goRedis.ParseURL(url)
	if err != nil {
		return nil, store.WrapError(store.CodeInvalid, "invalid redis url", err)
	}

	client := goRedis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, store.WrapError(store.CodeStore, "failed to connect to redis", err)
	}

	return New(client, opts.Prefix, logger), nil
}

// New wraps an existing client.
func New(client *goRedis.Client, prefix string, logger *log.Logger) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[redisdoc] ", log.LstdFlags)
	}
	return &Store{client: client, prefix: prefix, logger: logger}
}

// Name implements store.Store.
func (s *Store) Name() string { return string(store.KindRedis) }

func (s *Store) recKey(id string) string { return fmt.Sprintf("%s:rec:%s", s.prefix, id) }
func (s *Store) idsKey() string          { return s.prefix + ":ids" }
func (s *Store) seqKey() string          { return s.prefix + ":seq" }
func (s *Store) changesChannel() string  { return s.prefix + ":changes" }

// Query implements store.Store. All hashes are read in one MULTI/EXEC so
// a concurrent batch is seen whole or not at all.
func (s *Store) Query(ctx context.Context) ([]record.Record, error) {
	ids, err := s.client.ZRange(ctx, s.idsKey(), 0, -1).Result()
	if err != nil {
		return nil, store.WrapError(store.CodeStore, "failed to list records", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*goRedis.MapStringStringCmd, len(ids))
	_, err = s.client.TxPipelined(ctx, func(pipe goRedis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.recKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, store.WrapError(store.CodeStore, "failed to read records", err)
	}

	recs := make([]record.Record, 0, len(ids))
	for i, cmd := range cmds {
		h := cmd.Val()
		if len(h) == 0 {
			// removed between ZRANGE and EXEC
			continue
		}
		recs = append(recs, fromHash(ids[i], h))
	}
	return recs, nil
}

func fromHash(id string, h map[string]string) record.Record {
	r := record.Record{
		ID:       id,
		GroupKey: h[record.FieldGroupKey],
		Finished: h[record.FieldFinished],
		Rating:   h[record.FieldRating],
	}
	r.Seq, _ = strconv.ParseInt(h[fieldSeq], 10, 64)
	for k, v := range h {
		name, ok := strings.CutPrefix(k, descPrefix)
		if !ok {
			continue
		}
		if r.Fields == nil {
			r.Fields = make(map[string]string)
		}
		r.Fields[name] = v
	}
	return r
}

// Update implements store.Store.
func (s *Store) Update(ctx context.Context, id string, m record.Mutation) error {
	return s.BatchUpdate(ctx, []string{id}, m)
}

// BatchUpdate implements store.Store.
func (s *Store) BatchUpdate(ctx context.Context, ids []string, m record.Mutation) error {
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			keys = append(keys, s.recKey(id))
		}
	}

	return s.watch(ctx, func(tx *goRedis.Tx) error {
		current := make([]map[string]string, len(keys))
		for i, key := range keys {
			h, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return store.WrapError(store.CodeStore, "failed to read record", err)
			}
			if len(h) == 0 {
				return store.NewError(store.CodeNotFound, "record %s not found", strings.TrimPrefix(key, s.recKey("")))
			}
			current[i] = h
		}

		_, err := tx.TxPipelined(ctx, func(pipe goRedis.Pipeliner) error {
			for i, key := range keys {
				h := current[i]
				writeField(ctx, pipe, key, record.FieldFinished, m.Finished.Apply(h[record.FieldFinished]))
				writeField(ctx, pipe, key, record.FieldRating, m.Rating.Apply(h[record.FieldRating]))
			}
			pipe.Publish(ctx, s.changesChannel(), "update")
			return nil
		})
		return err
	}, keys...)
}

// writeField sets a hash field, or deletes it when the value is empty.
func writeField(ctx context.Context, pipe goRedis.Pipeliner, key, field, value string) {
	if value == "" {
		pipe.HDel(ctx, key, field)
		return
	}
	pipe.HSet(ctx, key, field, value)
}

// watch runs fn under WATCH, retrying when another client touched the
// watched keys before EXEC.
func (s *Store) watch(ctx context.Context, fn func(*goRedis.Tx) error, keys ...string) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err = s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, goRedis.TxFailedErr) {
			break
		}
		s.logger.Printf("Watched keys changed, retrying transaction (attempt %d)", attempt+1)
	}
	if err == nil {
		return nil
	}
	var se *store.Error
	if errors.As(err, &se) {
		return err
	}
	return store.WrapError(store.CodeStore, "redis transaction failed", err)
}

// Add implements store.Store.
func (s *Store) Add(ctx context.Context, r record.Record) (string, error) {
	r = r.Clone()
	r.ID = uuid.NewString()
	if err := r.Validate(); err != nil {
		return "", store.WrapError(store.CodeInvalid, "invalid record", err)
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return "", store.WrapError(store.CodeStore, "failed to allocate sequence", err)
	}

	values := map[string]any{
		record.FieldGroupKey: r.GroupKey,
		fieldSeq:             seq,
	}
	if r.Finished != "" {
		values[record.FieldFinished] = r.Finished
	}
	if r.Rating != "" {
		values[record.FieldRating] = r.Rating
	}
	for k, v := range r.Fields {
		values[descPrefix+k] = v
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goRedis.Pipeliner) error {
		pipe.HSet(ctx, s.recKey(r.ID), values)
		pipe.ZAdd(ctx, s.idsKey(), goRedis.Z{Score: float64(seq), Member: r.ID})
		pipe.Publish(ctx, s.changesChannel(), "add")
		return nil
	})
	if err != nil {
		return "", store.WrapError(store.CodeStore, "failed to add record", err)
	}
	return r.ID, nil
}

// Remove implements store.Store.
func (s *Store) Remove(ctx context.Context, id string) error {
	key := s.recKey(id)
	return s.watch(ctx, func(tx *goRedis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return store.WrapError(store.CodeStore, "failed to check record", err)
		}
		if n == 0 {
			return store.NewError(store.CodeNotFound, "record %s not found", id)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goRedis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, s.idsKey(), id)
			pipe.Publish(ctx, s.changesChannel(), "remove")
			return nil
		})
		return err
	}, key)
}

// ClearAll implements store.Store. The id set is watched so a record
// added mid-way forces a retry.
func (s *Store) ClearAll(ctx context.Context) error {
	return s.watch(ctx, func(tx *goRedis.Tx) error {
		ids, err := tx.ZRange(ctx, s.idsKey(), 0, -1).Result()
		if err != nil {
			return store.WrapError(store.CodeStore, "failed to list records", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goRedis.Pipeliner) error {
			for _, id := range ids {
				pipe.HDel(ctx, s.recKey(id), record.FieldFinished, record.FieldRating)
			}
			pipe.Publish(ctx, s.changesChannel(), "clear")
			return nil
		})
		return err
	}, s.idsKey())
}

// Close implements store.Store.
func (s *Store) Close() error {
	return s.client.Close()
}
