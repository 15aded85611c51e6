// Package redisstore keeps jobs, logs and cached artifacts in Redis.
package redisstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/store"
)

const (
	maxTxRetries = 16
	scanChunk    = 200
)

// Store implements the job, search, page, embedding, prompt and generated
// text stores on a single Redis client.
type Store struct {
	redis  *redis.Client
	jobTTL time.Duration
}

var (
	_ store.JobStore           = (*Store)(nil)
	_ store.SearchResultStore  = (*Store)(nil)
	_ store.PageStore          = (*Store)(nil)
	_ store.PromptStore        = (*Store)(nil)
	_ store.GeneratedTextStore = (*Store)(nil)
)

// New returns a Store. Job records and their logs expire after jobTTL;
// zero keeps them forever.
func New(redisClient *redis.Client, jobTTL time.Duration) *Store {
	return &Store{redis: redisClient, jobTTL: jobTTL}
}

func jobKey(id string) string { return fmt.Sprintf("job:%s", id) }

func logKey(id string) string { return fmt.Sprintf("job:%s:logs", id) }

func indexKey(t model.JobType) string {
	if t == "" {
		return "jobs:index"
	}
	return fmt.Sprintf("jobs:index:%s", t)
}

func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	ok, err := s.redis.SetNX(ctx, jobKey(job.ID), data, s.jobTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrConflict
	}
	score := float64(job.CreatedAt.UnixNano())
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, indexKey(""), redis.Z{Score: score, Member: job.ID})
		pipe.ZAdd(ctx, indexKey(job.Type), redis.Z{Score: score, Member: job.ID})
		return nil
	})
	return err
}

func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return getJob(ctx, s.redis, id)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJob(ctx context.Context, c getter, id string) (*model.Job, error) {
	data, err := c.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateJob runs fn under WATCH so concurrent writers retry against the
// newest version instead of overwriting each other.
func (s *Store) UpdateJob(ctx context.Context, id string, fn store.UpdateFunc) (*model.Job, error) {
	key := jobKey(id)
	var updated *model.Job
	txf := func(tx *redis.Tx) error {
		job, err := getJob(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := s.redis.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update job %s: %w", id, store.ErrConflict)
}

// scanJobs walks the index newest first and calls visit for each live job.
func (s *Store) scanJobs(ctx context.Context, t model.JobType, visit func(*model.Job) bool) error {
	idx := indexKey(t)
	for start := int64(0); ; start += scanChunk {
		ids, err := s.redis.ZRevRange(ctx, idx, start, start+scanChunk-1).Result()
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = jobKey(id)
		}
		values, err := s.redis.MGet(ctx, keys...).Result()
		if err != nil {
			return err
		}
		var expired []any
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				expired = append(expired, ids[i])
				continue
			}
			var job model.Job
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				continue
			}
			if !visit(&job) {
				return nil
			}
		}
		if len(expired) > 0 {
			s.redis.ZRem(ctx, idx, expired...)
		}
		if len(ids) < scanChunk {
			return nil
		}
	}
}

func (s *Store) ListJobs(ctx context.Context, f model.JobFilter) ([]*model.Job, int64, error) {
	jobs := []*model.Job{}
	var total int64
	err := s.scanJobs(ctx, f.Type, func(j *model.Job) bool {
		if f.Status != "" && j.Status != f.Status {
			return true
		}
		if total >= int64(f.Offset) && (f.Limit <= 0 || len(jobs) < f.Limit) {
			jobs = append(jobs, j)
		}
		total++
		return true
	})
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[model.JobStatus]int64, error) {
	counts := make(map[model.JobStatus]int64)
	err := s.scanJobs(ctx, "", func(j *model.Job) bool {
		counts[j.Status]++
		return true
	})
	return counts, err
}

func (s *Store) AppendLog(ctx context.Context, entry *model.JobLogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := logKey(entry.JobID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		if s.jobTTL > 0 {
			pipe.Expire(ctx, key, s.jobTTL)
		}
		return nil
	})
	return err
}

func decodeLogs(raw []string) []model.JobLogEntry {
	entries := make([]model.JobLogEntry, 0, len(raw))
	for _, r := range raw {
		var e model.JobLogEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

func (s *Store) ListLogs(ctx context.Context, jobID string, offset, limit int) ([]model.JobLogEntry, int64, error) {
	key := logKey(jobID)
	total, err := s.redis.LLen(ctx, key).Result()
	if err != nil {
		return nil, 0, err
	}
	stop := int64(-1)
	if limit > 0 {
		stop = int64(offset + limit - 1)
	}
	raw, err := s.redis.LRange(ctx, key, int64(offset), stop).Result()
	if err != nil {
		return nil, 0, err
	}
	return decodeLogs(raw), total, nil
}

func (s *Store) RecentLogs(ctx context.Context, jobID string, n int) ([]model.JobLogEntry, error) {
	raw, err := s.redis.LRange(ctx, logKey(jobID), int64(-n), -1).Result()
	if err != nil {
		return nil, err
	}
	entries := decodeLogs(raw)
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func (s *Store) getJSON(ctx context.Context, key string, v any) error {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return store.ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.redis.Set(ctx, key, data, 0).Err()
}

func (s *Store) LatestSearchResult(ctx context.Context, cacheKey string) (*model.SearchResult, error) {
	var r model.SearchResult
	if err := s.getJSON(ctx, "search:"+cacheKey, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// SaveSearchResult overwrites the cached entry; only the newest result of
// a key is ever served.
func (s *Store) SaveSearchResult(ctx context.Context, r *model.SearchResult) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return s.setJSON(ctx, "search:"+r.CacheKey, r)
}

func urlKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "page:url:" + hex.EncodeToString(sum[:])
}

func (s *Store) PageByURL(ctx context.Context, url string) (*model.ScrapedPage, error) {
	id, err := s.redis.Get(ctx, urlKey(url)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return s.PageByID(ctx, id)
}

func (s *Store) PageByID(ctx context.Context, id string) (*model.ScrapedPage, error) {
	var p model.ScrapedPage
	if err := s.getJSON(ctx, "page:"+id, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SavePage upserts by URL, reusing the id already mapped to it.
func (s *Store) SavePage(ctx context.Context, page *model.ScrapedPage) error {
	id, err := s.redis.Get(ctx, urlKey(page.URL)).Result()
	switch {
	case err == nil:
		page.ID = id
	case errors.Is(err, redis.Nil):
		if page.ID == "" {
			page.ID = uuid.New().String()
		}
	default:
		return err
	}
	data, err := json.Marshal(page)
	if err != nil {
		return err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, "page:"+page.ID, data, 0)
		pipe.Set(ctx, urlKey(page.URL), page.ID, 0)
		return nil
	})
	return err
}

func (s *Store) GetPrompt(ctx context.Context, key string, version int) (*model.Prompt, error) {
	all, err := s.redis.HGetAll(ctx, "prompt:"+key).Result()
	if err != nil {
		return nil, err
	}
	var best *model.Prompt
	for field, raw := range all {
		v, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		var p model.Prompt
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue
		}
		if version > 0 {
			if v == version {
				return &p, nil
			}
			continue
		}
		if p.Active && (best == nil || p.Version > best.Version) {
			c := p
			best = &c
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best, nil
}

func (s *Store) SavePrompt(ctx context.Context, p *model.Prompt) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.redis.HSet(ctx, "prompt:"+p.Key, strconv.Itoa(p.Version), data).Err()
}

func (s *Store) SaveGeneratedText(ctx context.Context, t *model.GeneratedText) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, "text:"+t.ID, data, 0)
		pipe.RPush(ctx, fmt.Sprintf("job:%s:texts", t.JobID), t.ID)
		return nil
	})
	return err
}
