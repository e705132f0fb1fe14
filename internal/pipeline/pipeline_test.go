package pipeline

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbxvault/pbxvault/internal/config"
	"github.com/pbxvault/pbxvault/internal/models"
	"github.com/pbxvault/pbxvault/internal/repository"
)

// --- fakes ---

type fakeCheckpoints struct {
	mu        sync.Mutex
	positions map[string]time.Time
	statuses  map[string]models.CheckpointStatus
	notes     map[string]string
	lastError map[string]string
	advances  int
	advanceAt []time.Time

	failAdvanceAfter int // fail the nth advance (1-based), 0 = never
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{
		positions: make(map[string]time.Time),
		statuses:  make(map[string]models.CheckpointStatus),
		notes:     make(map[string]string),
		lastError: make(map[string]string),
	}
}

func cpKey(tenantID string, et models.EntityType) string {
	return tenantID + "/" + string(et)
}

func (f *fakeCheckpoints) Get(tenantID string, et models.EntityType) (models.Checkpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := cpKey(tenantID, et)
	return models.Checkpoint{
		TenantID:   tenantID,
		EntityType: et,
		Position:   f.positions[k],
		Status:     f.statuses[k],
	}, nil
}

func (f *fakeCheckpoints) MarkRunning(tenantID string, et models.EntityType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[cpKey(tenantID, et)] = models.CheckpointRunning
	return nil
}

func (f *fakeCheckpoints) AdvancePosition(tenantID string, et models.EntityType, position time.Time, items int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.advances++
	if f.failAdvanceAfter > 0 && f.advances >= f.failAdvanceAfter {
		return fmt.Errorf("advance refused")
	}
	k := cpKey(tenantID, et)
	if position.After(f.positions[k]) {
		f.positions[k] = position
	}
	f.advanceAt = append(f.advanceAt, position)
	return nil
}

func (f *fakeCheckpoints) MarkSuccess(tenantID string, et models.EntityType, items int, note string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := cpKey(tenantID, et)
	f.statuses[k] = models.CheckpointSuccess
	f.notes[k] = note
	return nil
}

func (f *fakeCheckpoints) MarkError(tenantID string, et models.EntityType, errText string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := cpKey(tenantID, et)
	f.statuses[k] = models.CheckpointError
	f.lastError[k] = errText
	return nil
}

func (f *fakeCheckpoints) ListForTenant(tenantID string) ([]models.Checkpoint, error) {
	return nil, nil
}

type fakeQueries struct {
	msgs    []models.SourceMessage
	calls   []models.SourceCall
	exts    []models.SourceExtension
	fetches int
}

func (f *fakeQueries) MessagesSince(_ context.Context, since time.Time, limit int) ([]models.SourceMessage, error) {
	f.fetches++
	var out []models.SourceMessage
	for _, m := range f.msgs {
		if m.SentAt.After(since) {
			out = append(out, m)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeQueries) CallsSince(_ context.Context, since time.Time, limit int) ([]models.SourceCall, error) {
	f.fetches++
	var out []models.SourceCall
	for _, c := range f.calls {
		if c.StartedAt.After(since) {
			out = append(out, c)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeQueries) ExtensionsSince(_ context.Context, since time.Time, limit int) ([]models.SourceExtension, error) {
	f.fetches++
	var out []models.SourceExtension
	for _, e := range f.exts {
		if e.UpdatedAt.After(since) {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type fakeMessageRepo struct {
	conversations map[string]string // source id -> conversation id
	participants  map[string]map[string]bool
	messages      map[string]bool // source id
	activity      map[string]time.Time
	failSourceID  string
	failAll       bool
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{
		conversations: make(map[string]string),
		participants:  make(map[string]map[string]bool),
		messages:      make(map[string]bool),
		activity:      make(map[string]time.Time),
	}
}

func (f *fakeMessageRepo) EnsureConversation(tenantID, sourceID string, subject *string) (string, error) {
	if id, ok := f.conversations[sourceID]; ok {
		return id, nil
	}
	id := "conv-" + sourceID
	f.conversations[sourceID] = id
	return id, nil
}

func (f *fakeMessageRepo) EnsureParticipant(tenantID, conversationID, address string) error {
	if f.participants[conversationID] == nil {
		f.participants[conversationID] = make(map[string]bool)
	}
	f.participants[conversationID][address] = true
	return nil
}

func (f *fakeMessageRepo) UpsertMessage(msg models.Message) (bool, error) {
	if f.failAll || msg.SourceID == f.failSourceID {
		return false, fmt.Errorf("write refused for %s", msg.SourceID)
	}
	if f.messages[msg.SourceID] {
		return false, nil
	}
	f.messages[msg.SourceID] = true
	return true, nil
}

func (f *fakeMessageRepo) BumpActivity(conversationID string, at time.Time) error {
	if at.After(f.activity[conversationID]) {
		f.activity[conversationID] = at
	}
	return nil
}

func (f *fakeMessageRepo) FindDuplicateConversations(tenantID string) ([]repository.ConversationPair, error) {
	return nil, nil
}

func (f *fakeMessageRepo) MergeConversations(tenantID, keepID, duplicateID string) (int64, error) {
	return 0, nil
}

type fakeCallRepo struct {
	records map[string]bool
}

func (f *fakeCallRepo) Upsert(call models.CallRecord) (bool, error) {
	if f.records == nil {
		f.records = make(map[string]bool)
	}
	if f.records[call.SourceID] {
		return false, nil
	}
	f.records[call.SourceID] = true
	return true, nil
}

type fakeExtensionRepo struct {
	exts map[string]models.Extension
}

func (f *fakeExtensionRepo) Upsert(ext models.Extension) (bool, error) {
	if f.exts == nil {
		f.exts = make(map[string]models.Extension)
	}
	prev, ok := f.exts[ext.Number]
	if ok && !prev.UpdatedAt.Before(ext.UpdatedAt) {
		return false, nil
	}
	f.exts[ext.Number] = ext
	return !ok, nil
}

func (f *fakeExtensionRepo) PropagateNames(tenantID string) (int64, error) { return 0, nil }

type fakeFiles struct {
	listing   []models.RemoteFile
	contents  map[string][]byte
	listCalls int
}

func (f *fakeFiles) ListSince(root string, since time.Time) ([]models.RemoteFile, error) {
	f.listCalls++
	var out []models.RemoteFile
	for _, file := range f.listing {
		if file.ModTime.After(since) {
			out = append(out, file)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.Before(out[j].ModTime) })
	return out, nil
}

func (f *fakeFiles) Stat(filePath string) (models.RemoteFile, error) {
	for _, file := range f.listing {
		if file.Path == filePath {
			return file, nil
		}
	}
	return models.RemoteFile{}, fmt.Errorf("no such file %s", filePath)
}

func (f *fakeFiles) Download(filePath string) ([]byte, error) {
	data, ok := f.contents[filePath]
	if !ok {
		return nil, fmt.Errorf("no such file %s", filePath)
	}
	return data, nil
}

func (f *fakeFiles) Open(filePath string) (io.ReadCloser, error) {
	data, err := f.Download(filePath)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(newByteReader(data)), nil
}

type byteReader struct {
	data []byte
	pos  int
}

func newByteReader(data []byte) *byteReader { return &byteReader{data: data} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n := copy(p, r.data[r.pos:])
	r.pos += n
	return n, nil
}

type fakeStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	failPut error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) Put(_ context.Context, key string, body io.Reader, _ int64) error {
	if s.failPut != nil {
		return s.failPut
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = data
	s.puts++
	return nil
}

func (s *fakeStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *fakeStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return io.NopCloser(newByteReader(data)), nil
}

type fakeMediaRepo struct {
	items map[string]models.MediaItem // source path
}

func newFakeMediaRepo() *fakeMediaRepo {
	return &fakeMediaRepo{items: make(map[string]models.MediaItem)}
}

func (f *fakeMediaRepo) Upsert(item models.MediaItem) (bool, error) {
	if _, ok := f.items[item.SourcePath]; ok {
		return false, nil
	}
	f.items[item.SourcePath] = item
	return true, nil
}

func (f *fakeMediaRepo) AttachToMessages(tenantID string) (int64, error) { return 0, nil }

// --- helpers ---

func testSyncConfig() config.SyncConfig {
	return config.SyncConfig{
		PageSize:       100,
		TenantBudget:   10 * time.Minute,
		BufferMaxBytes: 1 << 20,
		StreamMaxBytes: 4 << 20,
	}
}

func testTenant() *models.Tenant {
	return &models.Tenant{
		ID:             "tenant-1",
		Name:           "acme",
		Enabled:        true,
		BackupMessages: true,
	}
}

func genMessages(n int, start time.Time) []models.SourceMessage {
	msgs := make([]models.SourceMessage, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, models.SourceMessage{
			SourceID:           fmt.Sprintf("msg-%04d", i),
			ConversationSource: fmt.Sprintf("conv-%d", i%10),
			Sender:             "101",
			Recipients:         []string{"102"},
			Body:               "hello",
			SentAt:             start.Add(time.Duration(i) * time.Second),
		})
	}
	return msgs
}

// --- tests ---

func TestMessagesPipelinePagesToCompletion(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &fakeQueries{msgs: genMessages(1250, start)}
	cps := newFakeCheckpoints()
	repo := newFakeMessageRepo()

	p := NewMessagesPipeline(cps, repo, nil, testSyncConfig(), zerolog.Nop())
	res, err := p.Run(context.Background(), testTenant(), RunContext{Source: src})
	require.NoError(t, err)

	assert.Equal(t, 1250, res.Synced)
	assert.Equal(t, 0, res.Skipped)
	// 12 full pages plus the final short one.
	assert.Equal(t, 13, src.fetches)
	assert.Equal(t, 13, cps.advances)

	// The checkpoint sits just past the newest message.
	lastSent := start.Add(1249 * time.Second)
	assert.Equal(t, lastSent.Add(time.Millisecond), cps.positions[cpKey("tenant-1", models.EntityMessages)])
	assert.Equal(t, models.CheckpointSuccess, cps.statuses[cpKey("tenant-1", models.EntityMessages)])
}

func TestMessagesPipelineIncrementalRunFetchesNothing(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &fakeQueries{msgs: genMessages(250, start)}
	cps := newFakeCheckpoints()
	repo := newFakeMessageRepo()
	p := NewMessagesPipeline(cps, repo, nil, testSyncConfig(), zerolog.Nop())

	_, err := p.Run(context.Background(), testTenant(), RunContext{Source: src})
	require.NoError(t, err)

	src.fetches = 0
	res, err := p.Run(context.Background(), testTenant(), RunContext{Source: src})
	require.NoError(t, err)

	// Nothing newer than the checkpoint: one probe fetch, zero writes.
	assert.Equal(t, 0, res.Synced)
	assert.Equal(t, 1, src.fetches)
}

func TestMessagesPipelineFullResyncSkipsExisting(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &fakeQueries{msgs: genMessages(1250, start)}
	cps := newFakeCheckpoints()
	repo := newFakeMessageRepo()
	p := NewMessagesPipeline(cps, repo, nil, testSyncConfig(), zerolog.Nop())

	_, err := p.Run(context.Background(), testTenant(), RunContext{Source: src})
	require.NoError(t, err)

	res, err := p.Run(context.Background(), testTenant(), RunContext{Source: src, Full: true})
	require.NoError(t, err)

	assert.Equal(t, 0, res.Synced)
	assert.Equal(t, 1250, res.Skipped)
}

func TestPipelineAdvanceFailureKeepsEarlierPosition(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &fakeQueries{msgs: genMessages(250, start)}
	cps := newFakeCheckpoints()
	cps.failAdvanceAfter = 2
	repo := newFakeMessageRepo()
	p := NewMessagesPipeline(cps, repo, nil, testSyncConfig(), zerolog.Nop())

	_, err := p.Run(context.Background(), testTenant(), RunContext{Source: src})
	require.Error(t, err)

	k := cpKey("tenant-1", models.EntityMessages)
	assert.Equal(t, models.CheckpointError, cps.statuses[k])
	// Only the first page committed; its position survives the failure.
	firstPageLast := start.Add(99 * time.Second)
	assert.Equal(t, firstPageLast.Add(time.Millisecond), cps.positions[k])
}

func TestMessagesPipelineAbortsWhenDestinationRejectsWrites(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &fakeQueries{msgs: genMessages(150, start)}
	cps := newFakeCheckpoints()
	repo := newFakeMessageRepo()
	repo.failAll = true
	p := NewMessagesPipeline(cps, repo, nil, testSyncConfig(), zerolog.Nop())

	res, err := p.Run(context.Background(), testTenant(), RunContext{Source: src})
	require.Error(t, err)

	k := cpKey("tenant-1", models.EntityMessages)
	assert.Equal(t, 0, res.Synced)
	assert.Equal(t, models.CheckpointError, cps.statuses[k])
	// Nothing was committed, so the position must not move at all.
	assert.Equal(t, 0, cps.advances)
	assert.True(t, cps.positions[k].IsZero())
}

func TestMessagesPipelineMidPageWriteFailureResumesWithoutLoss(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &fakeQueries{msgs: genMessages(250, start)}
	cps := newFakeCheckpoints()
	repo := newFakeMessageRepo()
	repo.failSourceID = "msg-0149"
	p := NewMessagesPipeline(cps, repo, nil, testSyncConfig(), zerolog.Nop())

	res, err := p.Run(context.Background(), testTenant(), RunContext{Source: src})
	require.Error(t, err)
	assert.Equal(t, 149, res.Synced)

	// Only the first full page committed; the position sits behind the
	// record that was refused.
	k := cpKey("tenant-1", models.EntityMessages)
	assert.Equal(t, models.CheckpointError, cps.statuses[k])
	firstPageLast := start.Add(99 * time.Second)
	assert.Equal(t, firstPageLast.Add(time.Millisecond), cps.positions[k])

	// Once the destination recovers, the next run re-reads the aborted page
	// and every record lands exactly once.
	repo.failSourceID = ""
	res, err = p.Run(context.Background(), testTenant(), RunContext{Source: src})
	require.NoError(t, err)
	assert.Equal(t, 101, res.Synced)
	assert.Equal(t, 49, res.Skipped)
	assert.Len(t, repo.messages, 250)
	assert.Equal(t, models.CheckpointSuccess, cps.statuses[k])
}

func TestMessagesPipelineMissingAttachmentKeepsRunMoving(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	gone := "/var/lib/pbx/attachments/gone.png"
	msgs := genMessages(10, start)
	msgs[4].AttachmentPath = &gone
	src := &fakeQueries{msgs: msgs}
	cps := newFakeCheckpoints()
	repo := newFakeMessageRepo()
	up := newTestUploader(newFakeStore(), newFakeMediaRepo())
	p := NewMessagesPipeline(cps, repo, up, testSyncConfig(), zerolog.Nop())

	res, err := p.Run(context.Background(), testTenant(), RunContext{Source: src, Files: &fakeFiles{}})
	require.NoError(t, err)

	assert.Equal(t, 10, res.Synced)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "msg-0004", res.Errors[0].SourceID)

	// The run completed past the bad record, but it must not read as a
	// clean success.
	k := cpKey("tenant-1", models.EntityMessages)
	assert.Equal(t, models.CheckpointError, cps.statuses[k])
	assert.Equal(t, start.Add(9*time.Second).Add(time.Millisecond), cps.positions[k])
}

func TestMessageDirectionClassification(t *testing.T) {
	cases := []struct {
		name string
		msg  models.SourceMessage
		want models.MessageDirection
	}{
		{"external sender flag", models.SourceMessage{Sender: "101", SenderExternal: true}, models.DirectionInbound},
		{"e164 sender", models.SourceMessage{Sender: "+15550100"}, models.DirectionInbound},
		{"external recipient", models.SourceMessage{Sender: "101", Recipients: []string{"bob@example.com"}}, models.DirectionOutbound},
		{"between extensions", models.SourceMessage{Sender: "101", Recipients: []string{"102", "103"}}, models.DirectionInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, messageDirection(tc.msg))
		})
	}
}

func TestCallsPipelineClassifiesAndDeduplicates(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &fakeQueries{calls: []models.SourceCall{
		{SourceID: "c1", Caller: "+15550100", Callee: "101", StartedAt: start, Duration: 60, Answered: true},
		{SourceID: "c2", Caller: "101", Callee: "+15550199", StartedAt: start.Add(time.Second), Duration: 30, Answered: true},
		{SourceID: "c3", Caller: "101", Callee: "102", StartedAt: start.Add(2 * time.Second)},
	}}
	cps := newFakeCheckpoints()
	calls := &fakeCallRepo{}
	p := NewCallsPipeline(cps, calls, testSyncConfig(), zerolog.Nop())

	res, err := p.Run(context.Background(), testTenant(), RunContext{Source: src})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Synced)

	res, err = p.Run(context.Background(), testTenant(), RunContext{Source: src, Full: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Synced)
	assert.Equal(t, 3, res.Skipped)
}

func TestDirectoryPipelineRefreshesStaleNames(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	src := &fakeQueries{exts: []models.SourceExtension{
		{Number: "101", DisplayName: "Alice Chen", UpdatedAt: start},
		{Number: "102", DisplayName: "Bob Osei", UpdatedAt: start.Add(time.Second)},
	}}
	cps := newFakeCheckpoints()
	exts := &fakeExtensionRepo{}
	p := NewDirectoryPipeline(cps, exts, testSyncConfig(), zerolog.Nop())

	res, err := p.Run(context.Background(), testTenant(), RunContext{Source: src})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Synced)

	// A rename bumps the row's timestamp past the checkpoint.
	src.exts[0].DisplayName = "Alice Chen-Park"
	src.exts[0].UpdatedAt = start.Add(time.Hour)
	res, err = p.Run(context.Background(), testTenant(), RunContext{Source: src})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Synced)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, "Alice Chen-Park", exts.exts["101"].DisplayName)
}
