// Package memstore is an in-process implementation of every store
// contract. It backs tests and single-process development runs.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zemo/api/internal/model"
	"github.com/zemo/api/internal/store"
)

// Store keeps all records in maps guarded by one mutex.
type Store struct {
	mu         sync.RWMutex
	jobs       map[string]*model.Job
	jobOrder   []string
	logs       map[string][]model.JobLogEntry
	searches   map[string][]*model.SearchResult
	pages      map[string]*model.ScrapedPage
	pagesByURL map[string]string
	embeddings map[string]*model.EmbeddingRecord
	embedOrder []string
	prompts    map[string][]*model.Prompt
	texts      []*model.GeneratedText
}

var (
	_ store.JobStore           = (*Store)(nil)
	_ store.SearchResultStore  = (*Store)(nil)
	_ store.PageStore          = (*Store)(nil)
	_ store.EmbeddingStore     = (*Store)(nil)
	_ store.PromptStore        = (*Store)(nil)
	_ store.GeneratedTextStore = (*Store)(nil)
)

func New() *Store {
	return &Store{
		jobs:       make(map[string]*model.Job),
		logs:       make(map[string][]model.JobLogEntry),
		searches:   make(map[string][]*model.SearchResult),
		pages:      make(map[string]*model.ScrapedPage),
		pagesByURL: make(map[string]string),
		embeddings: make(map[string]*model.EmbeddingRecord),
		prompts:    make(map[string][]*model.Prompt),
	}
}

func copyJob(j *model.Job) *model.Job {
	c := *j
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.LeaseUntil != nil {
		t := *j.LeaseUntil
		c.LeaseUntil = &t
	}
	return &c
}

func (s *Store) CreateJob(_ context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return store.ErrConflict
	}
	s.jobs[job.ID] = copyJob(job)
	s.jobOrder = append(s.jobOrder, job.ID)
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*model.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *Store) UpdateJob(_ context.Context, id string, fn store.UpdateFunc) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	next := copyJob(j)
	if err := fn(next); err != nil {
		return nil, err
	}
	s.jobs[id] = next
	return copyJob(next), nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(_ context.Context, f model.JobFilter) ([]*model.Job, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*model.Job
	for i := len(s.jobOrder) - 1; i >= 0; i-- {
		j := s.jobs[s.jobOrder[i]]
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		matched = append(matched, j)
	}
	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return []*model.Job{}, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	out := make([]*model.Job, len(matched))
	for i, j := range matched {
		out[i] = copyJob(j)
	}
	return out, total, nil
}

func (s *Store) CountByStatus(_ context.Context) (map[model.JobStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[model.JobStatus]int64)
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (s *Store) AppendLog(_ context.Context, entry *model.JobLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[entry.JobID] = append(s.logs[entry.JobID], *entry)
	return nil
}

func (s *Store) ListLogs(_ context.Context, jobID string, offset, limit int) ([]model.JobLogEntry, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.logs[jobID]
	total := int64(len(all))
	if offset >= len(all) {
		return []model.JobLogEntry{}, total, nil
	}
	page := all[offset:]
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	return append([]model.JobLogEntry(nil), page...), total, nil
}

func (s *Store) RecentLogs(_ context.Context, jobID string, n int) ([]model.JobLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.logs[jobID]
	out := make([]model.JobLogEntry, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Store) LatestSearchResult(_ context.Context, key string) (*model.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.searches[key]
	if len(list) == 0 {
		return nil, store.ErrNotFound
	}
	r := *list[len(list)-1]
	return &r, nil
}

func (s *Store) SaveSearchResult(_ context.Context, r *model.SearchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	c := *r
	s.searches[r.CacheKey] = append(s.searches[r.CacheKey], &c)
	return nil
}

func (s *Store) PageByURL(_ context.Context, url string) (*model.ScrapedPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.pagesByURL[url]
	if !ok {
		return nil, store.ErrNotFound
	}
	p := *s.pages[id]
	return &p, nil
}

func (s *Store) PageByID(_ context.Context, id string) (*model.ScrapedPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *p
	return &c, nil
}

// SavePage upserts by URL, keeping the id of an existing page.
func (s *Store) SavePage(_ context.Context, page *model.ScrapedPage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.pagesByURL[page.URL]; ok {
		page.ID = id
	} else if page.ID == "" {
		page.ID = uuid.New().String()
	}
	c := *page
	s.pages[page.ID] = &c
	s.pagesByURL[page.URL] = page.ID
	return nil
}

func embeddingKey(textHash, model string) string {
	return model + "\x00" + textHash
}

func (s *Store) FindEmbedding(_ context.Context, textHash, model string) (*model.EmbeddingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.embeddings[embeddingKey(textHash, model)]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *Store) InsertEmbedding(_ context.Context, rec *model.EmbeddingRecord) (*model.EmbeddingRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := embeddingKey(rec.TextHash, rec.Model)
	if existing, ok := s.embeddings[key]; ok {
		c := *existing
		return &c, false, nil
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	c := *rec
	s.embeddings[key] = &c
	s.embedOrder = append(s.embedOrder, key)
	out := c
	return &out, true, nil
}

func (s *Store) ListEmbeddings(_ context.Context, m string) ([]*model.EmbeddingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.EmbeddingRecord
	for _, key := range s.embedOrder {
		r := s.embeddings[key]
		if r.Model != m {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) GetPrompt(_ context.Context, key string, version int) (*model.Prompt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *model.Prompt
	for _, p := range s.prompts[key] {
		if version > 0 {
			if p.Version == version {
				best = p
				break
			}
			continue
		}
		if p.Active && (best == nil || p.Version > best.Version) {
			best = p
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	c := *best
	return &c, nil
}

func (s *Store) SavePrompt(_ context.Context, p *model.Prompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.prompts[p.Key]
	c := *p
	for i, existing := range list {
		if existing.Version == p.Version {
			list[i] = &c
			return nil
		}
	}
	list = append(list, &c)
	sort.Slice(list, func(i, j int) bool { return list[i].Version < list[j].Version })
	s.prompts[p.Key] = list
	return nil
}

func (s *Store) SaveGeneratedText(_ context.Context, t *model.GeneratedText) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	c := *t
	s.texts = append(s.texts, &c)
	return nil
}

// GeneratedTexts returns every stored generation, oldest first.
func (s *Store) GeneratedTexts() []*model.GeneratedText {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*model.GeneratedText(nil), s.texts...)
}
