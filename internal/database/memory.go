package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/PaulBabatuyi/FileFlow/internal/domain/asset"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/outbox"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/retry"
	"github.com/PaulBabatuyi/FileFlow/internal/domain/session"
)

// MemoryStore keeps everything in process. Transactions hold the store lock for their
// whole duration and restore a snapshot on error.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	singles   map[session.ID]*session.SingleUpload
	multipart map[session.ID]*session.MultipartUpload
	downloads map[session.ID]*session.ExternalDownload
	outbox    map[string]*outbox.Entry
	assets    map[string]*asset.FileAsset
	history   []asset.StatusHistory
}

func newMemState() *memState {
	return &memState{
		singles:   make(map[session.ID]*session.SingleUpload),
		multipart: make(map[session.ID]*session.MultipartUpload),
		downloads: make(map[session.ID]*session.ExternalDownload),
		outbox:    make(map[string]*outbox.Entry),
		assets:    make(map[string]*asset.FileAsset),
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for k, v := range s.singles {
		c.singles[k] = v.Clone()
	}
	for k, v := range s.multipart {
		c.multipart[k] = v.Clone()
	}
	for k, v := range s.downloads {
		c.downloads[k] = v.Clone()
	}
	for k, v := range s.outbox {
		c.outbox[k] = v.Clone()
	}
	for k, v := range s.assets {
		c.assets[k] = v.Clone()
	}
	c.history = append([]asset.StatusHistory(nil), s.history...)
	return c
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: newMemState()}
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

type memRepos struct {
	lock  sync.Locker
	state func() *memState
}

func (m *MemoryStore) view(l sync.Locker) memRepos {
	return memRepos{lock: l, state: func() *memState { return m.state }}
}

func (m *MemoryStore) SingleUploads() SingleUploadRepository       { return memSingles(m.view(&m.mu)) }
func (m *MemoryStore) MultipartUploads() MultipartUploadRepository { return memMultipart(m.view(&m.mu)) }
func (m *MemoryStore) Downloads() DownloadRepository               { return memDownloads(m.view(&m.mu)) }
func (m *MemoryStore) Outbox() OutboxRepository                    { return memOutbox(m.view(&m.mu)) }
func (m *MemoryStore) Assets() AssetRepository                     { return memAssets(m.view(&m.mu)) }

func (m *MemoryStore) InTx(ctx context.Context, fn func(Repositories) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := m.state.clone()
	if err := fn(m.view(noopLocker{})); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }
func (m *MemoryStore) Close() error                   { return nil }

func (r memRepos) SingleUploads() SingleUploadRepository       { return memSingles(r) }
func (r memRepos) MultipartUploads() MultipartUploadRepository { return memMultipart(r) }
func (r memRepos) Downloads() DownloadRepository               { return memDownloads(r) }
func (r memRepos) Outbox() OutboxRepository                    { return memOutbox(r) }
func (r memRepos) Assets() AssetRepository                     { return memAssets(r) }

func clampLimit[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// single uploads

type memSingles memRepos

func (r memSingles) Create(ctx context.Context, s *session.SingleUpload) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	st := r.state()
	if _, ok := st.singles[s.ID]; ok {
		return ErrDuplicate
	}
	s.Version = 1
	st.singles[s.ID] = s.Clone()
	return nil
}

func (r memSingles) Get(ctx context.Context, id session.ID) (*session.SingleUpload, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	s, ok := r.state().singles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (r memSingles) Save(ctx context.Context, s *session.SingleUpload) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	st := r.state()
	cur, ok := st.singles[s.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != s.Version {
		return ErrConflict
	}
	s.Version++
	st.singles[s.ID] = s.Clone()
	return nil
}

func (r memSingles) FindExpirable(ctx context.Context, now time.Time, limit int) ([]*session.SingleUpload, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []*session.SingleUpload
	for _, s := range r.state().singles {
		if s.Status == session.SingleCreated && now.After(s.ExpiresAt) {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return clampLimit(out, limit), nil
}

// multipart uploads

type memMultipart memRepos

func (r memMultipart) Create(ctx context.Context, m *session.MultipartUpload) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	st := r.state()
	if _, ok := st.multipart[m.ID]; ok {
		return ErrDuplicate
	}
	m.Version = 1
	st.multipart[m.ID] = m.Clone()
	return nil
}

func (r memMultipart) Get(ctx context.Context, id session.ID) (*session.MultipartUpload, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	m, ok := r.state().multipart[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (r memMultipart) Save(ctx context.Context, m *session.MultipartUpload) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	st := r.state()
	cur, ok := st.multipart[m.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != m.Version {
		return ErrConflict
	}
	m.Version++
	st.multipart[m.ID] = m.Clone()
	return nil
}

func (r memMultipart) FindExpirable(ctx context.Context, now time.Time, limit int) ([]*session.MultipartUpload, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []*session.MultipartUpload
	for _, m := range r.state().multipart {
		if !m.IsTerminal() && now.After(m.ExpiresAt) {
			out = append(out, m.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return clampLimit(out, limit), nil
}

// external downloads

type memDownloads memRepos

func (r memDownloads) Create(ctx context.Context, d *session.ExternalDownload) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	st := r.state()
	if _, ok := st.downloads[d.ID]; ok {
		return ErrDuplicate
	}
	d.Version = 1
	st.downloads[d.ID] = d.Clone()
	return nil
}

func (r memDownloads) Get(ctx context.Context, id session.ID) (*session.ExternalDownload, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	d, ok := r.state().downloads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (r memDownloads) Save(ctx context.Context, d *session.ExternalDownload) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	st := r.state()
	cur, ok := st.downloads[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != d.Version {
		return ErrConflict
	}
	d.Version++
	st.downloads[d.ID] = d.Clone()
	return nil
}

func (r memDownloads) FindExpirable(ctx context.Context, now time.Time, limit int) ([]*session.ExternalDownload, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []*session.ExternalDownload
	for _, d := range r.state().downloads {
		if !d.IsTerminal() && now.After(d.ExpiresAt) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return clampLimit(out, limit), nil
}

// outbox

type memOutbox memRepos

func (r memOutbox) Create(ctx context.Context, e *outbox.Entry) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	st := r.state()
	if _, ok := st.outbox[e.ID]; ok {
		return ErrDuplicate
	}
	e.Version = 1
	st.outbox[e.ID] = e.Clone()
	return nil
}

func (r memOutbox) Get(ctx context.Context, id string) (*outbox.Entry, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	e, ok := r.state().outbox[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (r memOutbox) Save(ctx context.Context, e *outbox.Entry) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	st := r.state()
	cur, ok := st.outbox[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != e.Version {
		return ErrConflict
	}
	e.Version++
	st.outbox[e.ID] = e.Clone()
	return nil
}

func (r memOutbox) find(limit int, match func(*outbox.Entry) bool, less func(a, b *outbox.Entry) bool) []*outbox.Entry {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []*outbox.Entry
	for _, e := range r.state().outbox {
		if match(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return clampLimit(out, limit)
}

func byCreated(a, b *outbox.Entry) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func byUpdated(a, b *outbox.Entry) bool {
	if a.UpdatedAt.Equal(b.UpdatedAt) {
		return byCreated(a, b)
	}
	return a.UpdatedAt.Before(b.UpdatedAt)
}

func (r memOutbox) FindPending(ctx context.Context, limit int) ([]*outbox.Entry, error) {
	return r.find(limit, func(e *outbox.Entry) bool {
		return e.Status == outbox.StatusPending
	}, byCreated), nil
}

func (r memOutbox) FindRetryable(ctx context.Context, kind outbox.Kind, now time.Time, backoff retry.Policy, limit int) ([]*outbox.Entry, error) {
	return r.find(limit, func(e *outbox.Entry) bool {
		return e.Kind == kind && e.Due(backoff, now)
	}, byUpdated), nil
}

func (r memOutbox) FindStale(ctx context.Context, olderThan time.Time, limit int) ([]*outbox.Entry, error) {
	return r.find(limit, func(e *outbox.Entry) bool {
		return e.Status == outbox.StatusProcessing && e.UpdatedAt.Before(olderThan)
	}, byUpdated), nil
}

func (r memOutbox) FindBySubject(ctx context.Context, subjectID string) ([]*outbox.Entry, error) {
	return r.find(0, func(e *outbox.Entry) bool {
		return e.SubjectID == subjectID
	}, byCreated), nil
}

func (r memOutbox) CountByStatus(ctx context.Context) (map[outbox.Status]int, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	counts := make(map[outbox.Status]int)
	for _, e := range r.state().outbox {
		counts[e.Status]++
	}
	return counts, nil
}

// assets

type memAssets memRepos

func (r memAssets) Create(ctx context.Context, a *asset.FileAsset) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	st := r.state()
	if _, ok := st.assets[a.ID]; ok {
		return ErrDuplicate
	}
	a.Version = 1
	st.assets[a.ID] = a.Clone()
	return nil
}

func (r memAssets) Get(ctx context.Context, id string) (*asset.FileAsset, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	a, ok := r.state().assets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (r memAssets) Save(ctx context.Context, a *asset.FileAsset) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	st := r.state()
	cur, ok := st.assets[a.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != a.Version {
		return ErrConflict
	}
	a.Version++
	st.assets[a.ID] = a.Clone()
	return nil
}

func (r memAssets) AppendHistory(ctx context.Context, h asset.StatusHistory) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	st := r.state()
	for _, existing := range st.history {
		if existing.ID == h.ID {
			return ErrDuplicate
		}
	}
	st.history = append(st.history, h)
	return nil
}

func (r memAssets) History(ctx context.Context, assetID string) ([]asset.StatusHistory, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []asset.StatusHistory
	for _, h := range r.state().history {
		if h.AssetID == assetID {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (r memAssets) FindSLAExceeded(ctx context.Context, threshold time.Duration, status *asset.Status, limit int) ([]asset.StatusHistory, error) {
	r.lock.Lock()
	defer r.lock.Unlock()
	var out []asset.StatusHistory
	for _, h := range r.state().history {
		if !h.Exceeds(threshold) {
			continue
		}
		if status != nil && h.To != *status {
			continue
		}
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool { return *out[i].DurationMillis > *out[j].DurationMillis })
	return clampLimit(out, limit), nil
}
