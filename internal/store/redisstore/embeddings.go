package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/store"
)

var _ store.EmbeddingStore = (*Store)(nil)

// insertEmbedding writes the record only if its (model, hash) key is free
// and appends the key to the per-model index in the same step.
var insertEmbedding = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX') then
  redis.call('RPUSH', KEYS[2], KEYS[1])
  return 1
end
return 0
`)

func embeddingKey(textHash, m string) string {
	return fmt.Sprintf("embedding:%s:%s", m, textHash)
}

func embeddingIndexKey(m string) string {
	return fmt.Sprintf("embeddings:%s", m)
}

func (s *Store) FindEmbedding(ctx context.Context, textHash, m string) (*model.EmbeddingRecord, error) {
	var rec model.EmbeddingRecord
	if err := s.getJSON(ctx, embeddingKey(textHash, m), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// InsertEmbedding keeps the first record stored for (textHash, model);
// later inserts from any process get that record back.
func (s *Store) InsertEmbedding(ctx context.Context, rec *model.EmbeddingRecord) (*model.EmbeddingRecord, bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, err
	}
	key := embeddingKey(rec.TextHash, rec.Model)
	created, err := insertEmbedding.Run(ctx, s.redis, []string{key, embeddingIndexKey(rec.Model)}, data).Int()
	if err != nil {
		return nil, false, err
	}
	if created == 1 {
		c := *rec
		return &c, true, nil
	}
	existing, err := s.FindEmbedding(ctx, rec.TextHash, rec.Model)
	if err != nil {
		return nil, false, fmt.Errorf("load existing embedding: %w", err)
	}
	return existing, false, nil
}

// ListEmbeddings returns the records of model in insertion order.
func (s *Store) ListEmbeddings(ctx context.Context, m string) ([]*model.EmbeddingRecord, error) {
	idx := embeddingIndexKey(m)
	var out []*model.EmbeddingRecord
	for start := int64(0); ; start += scanChunk {
		keys, err := s.redis.LRange(ctx, idx, start, start+scanChunk-1).Result()
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return out, nil
		}
		values, err := s.redis.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			raw, ok := v.(string)
			if !ok {
				continue
			}
			var rec model.EmbeddingRecord
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return nil, fmt.Errorf("decode embedding in %s: %w", idx, err)
			}
			out = append(out, &rec)
		}
		if len(keys) < scanChunk {
			return out, nil
		}
	}
}
