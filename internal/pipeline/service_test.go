package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imthatdev/swush/internal/store"
	"github.com/imthatdev/swush/pkg/models"
)

// memStore is an in-memory Store for scheduler tests. It mirrors the SQL
// transitions closely enough that the scheduler cannot tell the difference.
type memStore struct {
	mu      sync.Mutex
	jobs    map[string]map[uuid.UUID]*models.Job
	uploads []*models.Upload
	seq     int
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[string]map[uuid.UUID]*models.Job)}
}

func (m *memStore) Ping(ctx context.Context) error { return nil }

func (m *memStore) table(kind string) map[uuid.UUID]*models.Job {
	if m.jobs[kind] == nil {
		m.jobs[kind] = make(map[uuid.UUID]*models.Job)
	}
	return m.jobs[kind]
}

func (m *memStore) CreateJob(ctx context.Context, kind string, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	// Distinct created_at per row so sweep ordering is deterministic.
	cp := *job
	cp.CreatedAt = time.Unix(int64(m.seq), 0).UTC()
	m.table(kind)[job.ID] = &cp
	return nil
}

func (m *memStore) GetJob(ctx context.Context, kind string, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.table(kind)[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memStore) LatestJobForSubject(ctx context.Context, kind string, ownerID uuid.UUID, subjectKey string, isPrefix bool) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *models.Job
	for _, job := range m.table(kind) {
		if job.OwnerID != ownerID || job.SubjectKey != subjectKey || job.IsPrefix != isPrefix {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *memStore) ListQueuedJobs(ctx context.Context, kind string, limit int, now time.Time) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, job := range m.table(kind) {
		if job.Status == models.JobStatusQueued && !job.NextAttemptAt.After(now) {
			cp := *job
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListJobs(ctx context.Context, kind string, limit, offset int) ([]*models.Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, job := range m.table(kind) {
		cp := *job
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if offset >= len(out) {
		return nil, total, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (m *memStore) MarkProcessing(ctx context.Context, kind string, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.table(kind)[id]
	if !ok || job.Status != models.JobStatusQueued {
		return false, nil
	}
	now := time.Now().UTC()
	job.Status = models.JobStatusProcessing
	job.Error = nil
	job.ClaimedAt = &now
	job.UpdatedAt = now
	return true, nil
}

func (m *memStore) MarkReady(ctx context.Context, kind string, id uuid.UUID, result json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.table(kind)[id]
	if !ok {
		return store.ErrNotFound
	}
	job.Status = models.JobStatusReady
	job.Result = result
	job.Error = nil
	job.ClaimedAt = nil
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) MarkRetry(ctx context.Context, kind string, id uuid.UUID, errMsg string, attempts int, nextAttemptAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.table(kind)[id]
	if !ok {
		return store.ErrNotFound
	}
	job.Status = models.JobStatusQueued
	job.Error = &errMsg
	job.Attempts = attempts
	job.NextAttemptAt = nextAttemptAt
	job.ClaimedAt = nil
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) MarkFailed(ctx context.Context, kind string, id uuid.UUID, errMsg string, attempts int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.table(kind)[id]
	if !ok {
		return store.ErrNotFound
	}
	job.Status = models.JobStatusFailed
	job.Error = &errMsg
	job.Attempts = attempts
	job.ClaimedAt = nil
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) ReactivateJob(ctx context.Context, kind string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.table(kind)[id]
	if !ok || job.Status != models.JobStatusFailed {
		return store.ErrNotFound
	}
	job.Status = models.JobStatusQueued
	job.Attempts = 0
	job.Error = nil
	job.NextAttemptAt = time.Now().UTC()
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) ReleaseStaleClaims(ctx context.Context, kind string, lease time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-lease)
	n := 0
	for _, job := range m.table(kind) {
		if job.Status == models.JobStatusProcessing && job.ClaimedAt != nil && job.ClaimedAt.Before(cutoff) {
			job.Status = models.JobStatusQueued
			job.ClaimedAt = nil
			job.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func (m *memStore) CreateUpload(ctx context.Context, upload *models.Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *upload
	m.uploads = append(m.uploads, &cp)
	return nil
}

func (m *memStore) ListUploadsMissingJobs(ctx context.Context, kind string, limit int) ([]*models.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Upload
	for _, u := range m.uploads {
		covered := false
		for _, job := range m.table(kind) {
			if job.OwnerID == u.OwnerID && job.SubjectKey == u.StoredName && job.Driver == u.Driver {
				covered = true
				break
			}
		}
		if !covered {
			cp := *u
			out = append(out, &cp)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// setStatus force-sets a row for scenario setup.
func (m *memStore) setStatus(kind string, id uuid.UUID, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[kind][id].Status = status
}

func (m *memStore) setClaimedAt(kind string, id uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[kind][id].ClaimedAt = &at
}

// scriptedProcessor fails the first failures calls per subject, then succeeds.
type scriptedProcessor struct {
	mu       sync.Mutex
	failures int
	errMsg   string
	calls    map[string]int
	onCall   func(subject string)
}

func newScriptedProcessor(failures int, errMsg string) *scriptedProcessor {
	return &scriptedProcessor{failures: failures, errMsg: errMsg, calls: make(map[string]int)}
}

func (p *scriptedProcessor) Process(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	p.mu.Lock()
	p.calls[job.SubjectKey]++
	n := p.calls[job.SubjectKey]
	hook := p.onCall
	p.mu.Unlock()
	if hook != nil {
		hook(job.SubjectKey)
	}
	if n <= p.failures {
		return nil, errors.New(p.errMsg)
	}
	return json.RawMessage(`{"done":true}`), nil
}

func (p *scriptedProcessor) callCount(subject string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[subject]
}

func newTestService(st store.Store, proc Processor) *Service {
	return New(models.KindTransform, st, proc, Options{
		MaxAttempts: 3,
		Backoff:     ConstantBackoff{},
	}, nil)
}

func enqueue(t *testing.T, svc *Service, subject string, owner uuid.UUID) uuid.UUID {
	t.Helper()
	id, ok, err := svc.Enqueue(context.Background(), EnqueueParams{
		OwnerID:    owner,
		SubjectKey: subject,
		Driver:     "s3",
	})
	require.NoError(t, err)
	require.True(t, ok)
	return id
}

func TestEnqueueIsIdempotentWhileActive(t *testing.T) {
	st := newMemStore()
	svc := newTestService(st, newScriptedProcessor(0, ""))
	owner := uuid.New()

	first := enqueue(t, svc, "photo.jpg", owner)

	// Queued row: same id back, no second row.
	second, ok, err := svc.Enqueue(context.Background(), EnqueueParams{
		OwnerID: owner, SubjectKey: "photo.jpg", Driver: "s3",
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first, second)
	assert.Len(t, st.table(models.KindTransform), 1)

	// Processing row behaves the same.
	st.setStatus(models.KindTransform, first, models.JobStatusProcessing)
	third, ok, err := svc.Enqueue(context.Background(), EnqueueParams{
		OwnerID: owner, SubjectKey: "photo.jpg", Driver: "s3",
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first, third)
}

func TestEnqueueReadySubjectIsNoOp(t *testing.T) {
	st := newMemStore()
	svc := newTestService(st, newScriptedProcessor(0, ""))
	owner := uuid.New()

	id := enqueue(t, svc, "photo.jpg", owner)
	st.setStatus(models.KindTransform, id, models.JobStatusReady)

	got, ok, err := svc.Enqueue(context.Background(), EnqueueParams{
		OwnerID: owner, SubjectKey: "photo.jpg", Driver: "s3",
	})
	require.NoError(t, err)
	assert.False(t, ok, "ready subject must not be re-enqueued")
	assert.Equal(t, uuid.Nil, got)
	assert.Len(t, st.table(models.KindTransform), 1)
}

func TestEnqueueReactivatesFailedRowInPlace(t *testing.T) {
	st := newMemStore()
	proc := newScriptedProcessor(3, "disk on fire")
	svc := newTestService(st, proc)
	owner := uuid.New()

	id := enqueue(t, svc, "photo.jpg", owner)

	// Exhaust the retry budget.
	for i := 0; i < 3; i++ {
		_, err := svc.Kick(context.Background(), KickRequest{SweepLimit: 10})
		require.NoError(t, err)
	}
	job, err := st.GetJob(context.Background(), models.KindTransform, id)
	require.NoError(t, err)
	require.Equal(t, models.JobStatusFailed, job.Status)
	require.Equal(t, 3, job.Attempts)
	require.NotNil(t, job.Error)

	// Re-enqueue resets the same row instead of inserting a new one.
	got, ok, err := svc.Enqueue(context.Background(), EnqueueParams{
		OwnerID: owner, SubjectKey: "photo.jpg", Driver: "s3",
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, got)
	assert.Len(t, st.table(models.KindTransform), 1)

	job, err = st.GetJob(context.Background(), models.KindTransform, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Nil(t, job.Error)
}

func TestRetryCapMarksJobFailed(t *testing.T) {
	st := newMemStore()
	proc := newScriptedProcessor(100, "transcode exploded")
	svc := newTestService(st, proc)
	owner := uuid.New()

	id := enqueue(t, svc, "clip.mp4", owner)

	for i := 0; i < 5; i++ {
		_, err := svc.Kick(context.Background(), KickRequest{SweepLimit: 10})
		require.NoError(t, err)
	}

	job, err := st.GetJob(context.Background(), models.KindTransform, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	require.NotNil(t, job.Error)
	assert.Equal(t, "transcode exploded", *job.Error)
	// Once failed, further sweeps never touch the row.
	assert.Equal(t, 3, proc.callCount("clip.mp4"))
}

func TestFailureReasonTruncatedTo1024(t *testing.T) {
	st := newMemStore()
	long := strings.Repeat("x", 5000)
	proc := newScriptedProcessor(100, long)
	svc := newTestService(st, proc)
	owner := uuid.New()

	id := enqueue(t, svc, "clip.mp4", owner)
	_, err := svc.Kick(context.Background(), KickRequest{SweepLimit: 1})
	require.NoError(t, err)

	job, err := st.GetJob(context.Background(), models.KindTransform, id)
	require.NoError(t, err)
	require.NotNil(t, job.Error)
	assert.Len(t, *job.Error, 1024)
	assert.Equal(t, long[:1024], *job.Error)
}

func TestFailureReasonTruncationKeepsValidUTF8(t *testing.T) {
	st := newMemStore()
	// A snowman straddles the byte cap; a naive byte slice would cut it in
	// half and the stored reason would no longer be valid UTF-8.
	long := strings.Repeat("x", 1023) + strings.Repeat("☃", 50)
	proc := newScriptedProcessor(100, long)
	svc := newTestService(st, proc)
	owner := uuid.New()

	id := enqueue(t, svc, "clip.mp4", owner)
	_, err := svc.Kick(context.Background(), KickRequest{SweepLimit: 1})
	require.NoError(t, err)

	job, err := st.GetJob(context.Background(), models.KindTransform, id)
	require.NoError(t, err)
	require.NotNil(t, job.Error)
	assert.True(t, utf8.ValidString(*job.Error))
	assert.LessOrEqual(t, len(*job.Error), 1024)
	assert.Equal(t, strings.Repeat("x", 1023), *job.Error)
}

func TestTruncateBacksUpToRuneBoundary(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"ab☃", 3, "ab"},
		{"ab☃", 4, "ab"},
		{"ab☃", 5, "ab☃"},
		{"☃", 1, ""},
	}
	for _, tc := range cases {
		got := truncate(tc.in, tc.n)
		assert.Equal(t, tc.want, got)
		assert.True(t, utf8.ValidString(got))
	}
}

func TestKickWhileActiveReturnsZeroAndWorkIsAbsorbed(t *testing.T) {
	st := newMemStore()
	proc := newScriptedProcessor(0, "")
	svc := newTestService(st, proc)
	owner := uuid.New()

	first := enqueue(t, svc, "a.jpg", owner)

	var innerN int
	var innerErr error
	var secondID uuid.UUID
	proc.onCall = func(subject string) {
		if subject != "a.jpg" {
			return
		}
		// Mid-pass: enqueue a second subject and kick for it. The running
		// pass must absorb the work and this nested kick must do nothing.
		id, ok, err := svc.Enqueue(context.Background(), EnqueueParams{
			OwnerID: owner, SubjectKey: "b.jpg", Driver: "s3",
		})
		require.NoError(t, err)
		require.True(t, ok)
		secondID = id
		innerN, innerErr = svc.Kick(context.Background(), KickRequest{JobID: &id})
	}

	n, err := svc.Kick(context.Background(), KickRequest{JobID: &first})
	require.NoError(t, err)
	require.NoError(t, innerErr)
	assert.Equal(t, 0, innerN, "nested kick must return immediately")
	assert.Equal(t, 2, n, "outer kick drains the work the nested kick recorded")

	for _, id := range []uuid.UUID{first, secondID} {
		job, err := st.GetJob(context.Background(), models.KindTransform, id)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusReady, job.Status)
	}
}

func TestSweepDrainsOldestFirstUpToLimit(t *testing.T) {
	st := newMemStore()
	proc := newScriptedProcessor(0, "")
	svc := newTestService(st, proc)
	owner := uuid.New()

	ids := make([]uuid.UUID, 3)
	for i := range ids {
		ids[i] = enqueue(t, svc, fmt.Sprintf("file-%d.jpg", i), owner)
	}

	n, err := svc.Kick(context.Background(), KickRequest{SweepLimit: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	statuses := make([]string, 3)
	for i, id := range ids {
		job, err := st.GetJob(context.Background(), models.KindTransform, id)
		require.NoError(t, err)
		statuses[i] = job.Status
	}
	assert.Equal(t, models.JobStatusReady, statuses[0])
	assert.Equal(t, models.JobStatusReady, statuses[1])
	assert.Equal(t, models.JobStatusQueued, statuses[2], "row past the limit waits for the next sweep")
}

func TestFlakySubjectSucceedsWithinBudget(t *testing.T) {
	st := newMemStore()
	// Fails twice, succeeds on the third attempt.
	proc := newScriptedProcessor(2, "upstream timeout")
	svc := newTestService(st, proc)
	owner := uuid.New()

	id := enqueue(t, svc, "file-42.jpg", owner)

	for i := 0; i < 3; i++ {
		_, err := svc.Kick(context.Background(), KickRequest{SweepLimit: 5})
		require.NoError(t, err)
	}

	job, err := st.GetJob(context.Background(), models.KindTransform, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusReady, job.Status)
	assert.Equal(t, 2, job.Attempts, "attempts reflects the recorded retries before success")
	assert.Nil(t, job.Error)
	assert.JSONEq(t, `{"done":true}`, string(job.Result))
}

func TestExplicitKickBypassesBackoffWindow(t *testing.T) {
	st := newMemStore()
	proc := newScriptedProcessor(1, "first attempt flaked")
	svc := New(models.KindTransform, st, proc, Options{
		MaxAttempts: 3,
		Backoff:     ConstantBackoff{Interval: time.Hour},
	}, nil)
	owner := uuid.New()

	id := enqueue(t, svc, "slow.jpg", owner)

	// First attempt fails; the row is pushed an hour out.
	_, err := svc.Kick(context.Background(), KickRequest{SweepLimit: 1})
	require.NoError(t, err)

	// A sweep cannot see it yet.
	n, err := svc.Kick(context.Background(), KickRequest{SweepLimit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// An explicit kick for the id does not wait for the window.
	n, err = svc.Kick(context.Background(), KickRequest{JobID: &id})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := st.GetJob(context.Background(), models.KindTransform, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusReady, job.Status)
}

func TestKickedJobAlreadyTerminalIsSkipped(t *testing.T) {
	st := newMemStore()
	proc := newScriptedProcessor(0, "")
	svc := newTestService(st, proc)
	owner := uuid.New()

	id := enqueue(t, svc, "done.jpg", owner)
	st.setStatus(models.KindTransform, id, models.JobStatusReady)

	n, err := svc.Kick(context.Background(), KickRequest{JobID: &id})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, proc.callCount("done.jpg"))
}

func TestKickedUnknownJobIsIgnored(t *testing.T) {
	st := newMemStore()
	svc := newTestService(st, newScriptedProcessor(0, ""))

	ghost := uuid.New()
	n, err := svc.Kick(context.Background(), KickRequest{JobID: &ghost})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSweepRecoversStaleClaims(t *testing.T) {
	st := newMemStore()
	proc := newScriptedProcessor(0, "")
	svc := New(models.KindTransform, st, proc, Options{
		MaxAttempts: 3,
		Backoff:     ConstantBackoff{},
		ClaimLease:  time.Minute,
	}, nil)
	owner := uuid.New()

	id := enqueue(t, svc, "stranded.jpg", owner)

	// Simulate a crash mid-pass: claimed long ago, never resolved.
	st.setStatus(models.KindTransform, id, models.JobStatusProcessing)
	st.setClaimedAt(models.KindTransform, id, time.Now().UTC().Add(-time.Hour))

	n, err := svc.Kick(context.Background(), KickRequest{SweepLimit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "stale row is released and drained by the same sweep")

	job, err := st.GetJob(context.Background(), models.KindTransform, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusReady, job.Status)
}

func TestReconcileReleasesStaleClaimsOnly(t *testing.T) {
	st := newMemStore()
	svc := New(models.KindTransform, st, newScriptedProcessor(0, ""), Options{
		ClaimLease: time.Minute,
	}, nil)
	owner := uuid.New()

	stale := enqueue(t, svc, "stale.jpg", owner)
	fresh := enqueue(t, svc, "fresh.jpg", owner)

	st.setStatus(models.KindTransform, stale, models.JobStatusProcessing)
	st.setClaimedAt(models.KindTransform, stale, time.Now().UTC().Add(-time.Hour))
	st.setStatus(models.KindTransform, fresh, models.JobStatusProcessing)
	st.setClaimedAt(models.KindTransform, fresh, time.Now().UTC())

	n, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	staleJob, err := st.GetJob(context.Background(), models.KindTransform, stale)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, staleJob.Status)

	freshJob, err := st.GetJob(context.Background(), models.KindTransform, fresh)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, freshJob.Status, "live claim is left alone")
}
