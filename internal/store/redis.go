package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	_ Store = (*Redis)(nil)
	_ Store = (*Memory)(nil)
)

// Writes run as scripts so the document, the ordering index and the change
// notification commit together and subscribers see commit order.
var setScript = redis.NewScript(`
local existed = redis.call('EXISTS', KEYS[1])
redis.call('SET', KEYS[1], ARGV[2])
local kind = 'modified'
if existed == 0 then
  local seq = redis.call('INCR', KEYS[3])
  redis.call('ZADD', KEYS[2], seq, ARGV[1])
  kind = 'added'
end
redis.call('PUBLISH', ARGV[3], cjson.encode({kind = kind, id = ARGV[1], data = ARGV[2]}))
return existed
`)

var deleteScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('PUBLISH', ARGV[2], cjson.encode({kind = 'removed', id = ARGV[1], data = data}))
return 1
`)

// Expired documents leave their id behind in the index; reap them in one step
// so a concurrent Set that recreates the document keeps its index entry.
var reapScript = redis.NewScript(`
local reaped = 0
for _, id in ipairs(ARGV) do
  if redis.call('EXISTS', KEYS[1] .. id) == 0 then
    reaped = reaped + redis.call('ZREM', KEYS[2], id)
  end
end
return reaped
`)

type changeEvent struct {
	Kind ChangeKind `json:"kind"`
	ID   string     `json:"id"`
	Data string     `json:"data"`
}

// Redis stores each document as a JSON string and keeps a sorted set of ids
// scored by insertion sequence. Keys of one collection share a hash tag.
type Redis struct {
	client redis.UniversalClient
	prefix string
	log    *zap.Logger
}

// NewRedis stores collections under prefix. The client may be a cluster client.
func NewRedis(client redis.UniversalClient, prefix string, log *zap.Logger) *Redis {
	return &Redis{client: client, prefix: prefix, log: log}
}

func (r *Redis) base(collection string) string {
	return fmt.Sprintf("%s:{%s}", r.prefix, collection)
}

func (r *Redis) docKey(collection, id string) string {
	return r.base(collection) + ":doc:" + id
}

func (r *Redis) idsKey(collection string) string {
	return r.base(collection) + ":ids"
}

func (r *Redis) seqKey(collection string) string {
	return r.base(collection) + ":seq"
}

func (r *Redis) channel(collection string) string {
	return r.base(collection) + ":changes"
}

// Set upserts the document. SET drops any TTL, so a refresh cancels expiry.
func (r *Redis) Set(ctx context.Context, collection, id string, doc any) error {
	if id == "" {
		return ErrEmptyID
	}
	data, err := encode(doc)
	if err != nil {
		return err
	}

	keys := []string{r.docKey(collection, id), r.idsKey(collection), r.seqKey(collection)}
	if err := setScript.Run(ctx, r.client, keys, id, string(data), r.channel(collection)).Err(); err != nil {
		return fmt.Errorf("set %s/%s: %w", collection, id, err)
	}
	return nil
}

// Add stores doc under a fresh uuid.
func (r *Redis) Add(ctx context.Context, collection string, doc any) (string, error) {
	id := uuid.New().String()
	if err := r.Set(ctx, collection, id, doc); err != nil {
		return "", err
	}
	return id, nil
}

// Delete removes the document. The script returns 1 to exactly one caller.
func (r *Redis) Delete(ctx context.Context, collection, id string) (bool, error) {
	keys := []string{r.docKey(collection, id), r.idsKey(collection)}
	n, err := deleteScript.Run(ctx, r.client, keys, id, r.channel(collection)).Int64()
	if err != nil {
		return false, fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return n == 1, nil
}

// Expire sets a TTL on the document key. Redis does not notify watchers when
// the key lapses; readers skip and reap the stale index entry instead.
func (r *Redis) Expire(ctx context.Context, collection, id string, ttl time.Duration) (bool, error) {
	ok, err := r.client.PExpire(ctx, r.docKey(collection, id), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("expire %s/%s: %w", collection, id, err)
	}
	return ok, nil
}

// Query returns matching documents ordered by first insertion.
func (r *Redis) Query(ctx context.Context, collection string, filter Filter) ([]Document, error) {
	ids, err := r.client.ZRange(ctx, r.idsKey(collection), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.docKey(collection, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", collection, err)
	}

	docs := make([]Document, 0, len(values))
	var stale []any
	for i, v := range values {
		// Expired, or deleted between ZRANGE and MGET
		s, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		if filter.Match([]byte(s)) {
			docs = append(docs, Document{ID: ids[i], Data: json.RawMessage(s)})
		}
	}

	if len(stale) > 0 {
		keys := []string{r.docKey(collection, ""), r.idsKey(collection)}
		if err := reapScript.Run(ctx, r.client, keys, stale...).Err(); err != nil {
			r.log.Warn("could not reap expired ids", zap.String("collection", collection), zap.Error(err))
		}
	}
	return docs, nil
}

// Watch subscribes to the collection's change channel, then reads the snapshot.
func (r *Redis) Watch(ctx context.Context, collection string, filter Filter) (<-chan []Change, error) {
	// Subscribe before taking the snapshot so nothing committed in between is lost
	pubsub := r.client.Subscribe(ctx, r.channel(collection))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	snapshot, err := r.Query(ctx, collection, filter)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	first := make([]Change, len(snapshot))
	for i, doc := range snapshot {
		first[i] = Change{Kind: ChangeAdded, Doc: doc}
	}

	messages := pubsub.Channel()
	out := make(chan []Change)

	go func() {
		defer close(out)
		defer pubsub.Close()

		select {
		case out <- first:
		case <-ctx.Done():
			return
		}

		for {
			var batch []Change
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				batch = r.appendChange(batch, msg, filter)
			}

			// Coalesce notifications that are already waiting
		drain:
			for {
				select {
				case msg, ok := <-messages:
					if !ok {
						break drain
					}
					batch = r.appendChange(batch, msg, filter)
				default:
					break drain
				}
			}

			if len(batch) == 0 {
				continue
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (r *Redis) appendChange(batch []Change, msg *redis.Message, filter Filter) []Change {
	var ev changeEvent
	if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
		r.log.Warn("dropping malformed change notification",
			zap.String("channel", msg.Channel), zap.Error(err))
		return batch
	}
	if !filter.Match([]byte(ev.Data)) {
		return batch
	}
	return append(batch, Change{Kind: ev.Kind, Doc: Document{ID: ev.ID, Data: json.RawMessage(ev.Data)}})
}
