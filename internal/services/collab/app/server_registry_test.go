package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/fracturing-collab/internal/platform/errors"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/document"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/storage"
)

type fakeSnapshotStore struct {
	mu          sync.Mutex
	snapshots   map[string][]byte
	loads       int
	saves       int
	loadErr     error
	loadDelay   time.Duration
	onLoad      func(documentID string)
	saveGate    chan struct{}
	saveStarted chan struct{}
	saveErrs    []error
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{snapshots: make(map[string][]byte)}
}

func (f *fakeSnapshotStore) LoadSnapshot(_ context.Context, documentID string) ([]byte, bool, error) {
	if f.loadDelay > 0 {
		time.Sleep(f.loadDelay)
	}
	if f.onLoad != nil {
		f.onLoad(documentID)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, false, f.loadErr
	}
	snapshot, ok := f.snapshots[documentID]
	return snapshot, ok, nil
}

func (f *fakeSnapshotStore) SaveSnapshot(ctx context.Context, documentID string, snapshot []byte) error {
	if f.saveStarted != nil {
		select {
		case f.saveStarted <- struct{}{}:
		default:
		}
	}
	if f.saveGate != nil {
		select {
		case <-f.saveGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.saveErrs) > 0 {
		err := f.saveErrs[0]
		f.saveErrs = f.saveErrs[1:]
		return err
	}
	f.saves++
	f.snapshots[documentID] = append([]byte(nil), snapshot...)
	return nil
}

func (f *fakeSnapshotStore) SnapshotInfo(_ context.Context, documentID string) (storage.SnapshotInfo, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot, ok := f.snapshots[documentID]
	if !ok {
		return storage.SnapshotInfo{}, false, nil
	}
	return storage.SnapshotInfo{DocumentID: documentID, Compression: "none", StoredSize: len(snapshot), UncompressedSize: len(snapshot)}, true, nil
}

func (f *fakeSnapshotStore) counts() (loads, saves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads, f.saves
}

func (f *fakeSnapshotStore) snapshot(documentID string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot, ok := f.snapshots[documentID]
	return snapshot, ok
}

func newTestRegistry(store *fakeSnapshotStore, config roomConfig) *registry {
	if store == nil {
		return newRegistry(nil, config, newInstruments(nil))
	}
	return newRegistry(store, config, newInstruments(nil))
}

func (g *registry) lookup(documentID string) (*room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[documentID]
	return r, ok
}

func currentGeneration(r *room) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func seedRoomText(t *testing.T, r *room, s *session, text string) {
	t.Helper()
	f := editFragment(t)(document.NewEditor("client-"+s.id, document.New()).Insert(0, text))
	if err := r.receiveUpdate(s, f); err != nil {
		t.Fatalf("receive update: %v", err)
	}
}

func TestRegistryFindOrCreateNeverDuplicatesRooms(t *testing.T) {
	store := newFakeSnapshotStore()
	store.loadDelay = 20 * time.Millisecond
	g := newTestRegistry(store, testRoomConfig())

	const callers = 32
	rooms := make([]*room, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := g.findOrCreate(context.Background(), "doc-1")
			if err != nil {
				t.Errorf("find or create: %v", err)
				return
			}
			rooms[i] = r
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		if rooms[i] != rooms[0] {
			t.Fatalf("caller %d got a different room", i)
		}
	}
	if loads, _ := store.counts(); loads != 1 {
		t.Fatalf("store loads = %d, want 1", loads)
	}
	if got := g.stats(context.Background()).Rooms; got != 1 {
		t.Fatalf("rooms = %d, want 1", got)
	}
}

func TestRegistrySeedsRoomFromStore(t *testing.T) {
	source := document.New()
	if _, err := document.NewEditor("client", source).Insert(0, "persisted"); err != nil {
		t.Fatalf("edit: %v", err)
	}
	store := newFakeSnapshotStore()
	store.snapshots["doc-1"] = source.Snapshot()
	g := newTestRegistry(store, testRoomConfig())

	r, err := g.findOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	if got := r.doc.Text(); got != "persisted" {
		t.Fatalf("seeded text = %q", got)
	}
}

func TestRegistrySeedFailureIsSnapshotUnavailable(t *testing.T) {
	store := newFakeSnapshotStore()
	store.loadErr = errors.New("disk on fire")
	g := newTestRegistry(store, testRoomConfig())

	_, err := g.findOrCreate(context.Background(), "doc-1")
	if apperrors.CodeOf(err) != apperrors.CodeSnapshotUnavailable {
		t.Fatalf("err = %v, want snapshot unavailable", err)
	}
	if _, ok := g.lookup("doc-1"); ok {
		t.Fatal("failed seed must not register a room")
	}
}

func TestRegistryEvictsEmptyRoomAfterGracePeriod(t *testing.T) {
	store := newFakeSnapshotStore()
	config := testRoomConfig()
	config.gracePeriod = 10 * time.Millisecond
	g := newTestRegistry(store, config)

	r, err := g.findOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	s := newTestSession("a", 16)
	if err := r.register(s, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	seedRoomText(t, r, s, "kept")
	r.unregister(s)

	waitFor(t, "eviction", func() bool {
		_, ok := g.lookup("doc-1")
		_, saved := store.snapshot("doc-1")
		return !ok && saved
	})

	next, err := g.findOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("find or create after eviction: %v", err)
	}
	if next == r {
		t.Fatal("evicted room was reused")
	}
	if got := next.doc.Text(); got != "kept" {
		t.Fatalf("reseeded text = %q, want %q", got, "kept")
	}
}

func TestRegistryEvictionSkipsRoomThatGainedASession(t *testing.T) {
	g := newTestRegistry(newFakeSnapshotStore(), testRoomConfig())
	r, err := g.findOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	a := newTestSession("a", 16)
	if err := r.register(a, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	r.unregister(a)
	stale := currentGeneration(r)

	b := newTestSession("b", 16)
	if err := r.register(b, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	g.evict(r, stale)
	if got, ok := g.lookup("doc-1"); !ok || got != r {
		t.Fatal("room with a live session was evicted")
	}

	r.unregister(b)
	g.evict(r, currentGeneration(r))
	if _, ok := g.lookup("doc-1"); ok {
		t.Fatal("empty room with current generation should be evicted")
	}
	if err := r.register(newTestSession("c", 16), nil); !errors.Is(err, errRoomClosed) {
		t.Fatalf("register on evicted room err = %v, want room closed", err)
	}
}

func TestRegistryLookupWaitsForEvictionSave(t *testing.T) {
	store := newFakeSnapshotStore()
	store.saveGate = make(chan struct{})
	g := newTestRegistry(store, testRoomConfig())

	r, err := g.findOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	s := newTestSession("a", 16)
	if err := r.register(s, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	seedRoomText(t, r, s, "draft")
	r.unregister(s)

	evicted := make(chan struct{})
	go func() {
		defer close(evicted)
		g.evict(r, currentGeneration(r))
	}()
	waitFor(t, "eviction to start", func() bool {
		g.mu.Lock()
		defer g.mu.Unlock()
		_, ok := g.evicting["doc-1"]
		return ok
	})

	found := make(chan *room, 1)
	go func() {
		next, err := g.findOrCreate(context.Background(), "doc-1")
		if err != nil {
			t.Errorf("find or create: %v", err)
		}
		found <- next
	}()
	select {
	case <-found:
		t.Fatal("lookup returned before the eviction snapshot was saved")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.saveGate)
	<-evicted
	select {
	case next := <-found:
		if next == nil || next == r {
			t.Fatal("expected a fresh room")
		}
		if got := next.doc.Text(); got != "draft" {
			t.Fatalf("reseeded text = %q, want %q", got, "draft")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("lookup never completed")
	}
}

func TestRegistryLookupHonorsContextWhileWaiting(t *testing.T) {
	g := newTestRegistry(nil, testRoomConfig())
	g.mu.Lock()
	g.evicting["doc-1"] = make(chan struct{})
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := g.findOrCreate(ctx, "doc-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestRegistryDuplicateRoomPanics(t *testing.T) {
	store := newFakeSnapshotStore()
	g := newTestRegistry(store, testRoomConfig())
	store.onLoad = func(documentID string) {
		g.mu.Lock()
		g.rooms[documentID] = newRoom(documentID, document.New(), testRoomConfig(), g.metrics, g.evict)
		g.mu.Unlock()
	}

	defer func() {
		recovered := recover()
		err, ok := recovered.(error)
		if !ok || !errors.Is(err, apperrors.ErrRegistryRaceDetected) {
			t.Fatalf("recovered %v, want registry race detected", recovered)
		}
	}()
	_, _ = g.seed(context.Background(), "doc-1")
	t.Fatal("expected panic")
}

func TestRegistryFlushAllSavesOnlyChangedRooms(t *testing.T) {
	store := newFakeSnapshotStore()
	g := newTestRegistry(store, testRoomConfig())

	changed, err := g.findOrCreate(context.Background(), "doc-changed")
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	if _, err := g.findOrCreate(context.Background(), "doc-idle"); err != nil {
		t.Fatalf("find or create: %v", err)
	}
	s := newSession("a", "user-a", "doc-changed", 16)
	if err := changed.register(s, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	seedRoomText(t, changed, s, "flush me")

	if err := g.flushAll(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, ok := store.snapshot("doc-changed"); !ok {
		t.Fatal("changed room was not flushed")
	}
	if _, ok := store.snapshot("doc-idle"); ok {
		t.Fatal("unchanged room was flushed")
	}

	if err := g.flushAll(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if _, saves := store.counts(); saves != 1 {
		t.Fatalf("saves = %d, want 1", saves)
	}
}

func TestRegistryEvictionWaitsForInFlightFlush(t *testing.T) {
	store := newFakeSnapshotStore()
	store.saveGate = make(chan struct{})
	store.saveStarted = make(chan struct{}, 1)
	g := newTestRegistry(store, testRoomConfig())

	r, err := g.findOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	s := newTestSession("a", 16)
	if err := r.register(s, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	seedRoomText(t, r, s, "flushed")

	flushed := make(chan error, 1)
	go func() { flushed <- g.flushAll(context.Background()) }()
	select {
	case <-store.saveStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("flush never started saving")
	}

	r.unregister(s)
	evicted := make(chan struct{})
	go func() {
		defer close(evicted)
		g.evict(r, currentGeneration(r))
	}()
	select {
	case <-evicted:
		t.Fatal("eviction finished while a flush of the room was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.saveGate)
	if err := <-flushed; err != nil {
		t.Fatalf("flush: %v", err)
	}
	<-evicted
	if _, ok := g.lookup("doc-1"); ok {
		t.Fatal("room should be evicted")
	}
	if _, saves := store.counts(); saves != 2 {
		t.Fatalf("saves = %d, want flush and eviction saves", saves)
	}

	next, err := g.findOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("find or create after eviction: %v", err)
	}
	if got := next.doc.Text(); got != "flushed" {
		t.Fatalf("reseeded text = %q, want %q", got, "flushed")
	}
}

func TestRegistryEvictionSavesAfterFailedFlush(t *testing.T) {
	store := newFakeSnapshotStore()
	store.saveErrs = []error{errors.New("disk full")}
	g := newTestRegistry(store, testRoomConfig())

	r, err := g.findOrCreate(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("find or create: %v", err)
	}
	s := newTestSession("a", 16)
	if err := r.register(s, nil); err != nil {
		t.Fatalf("register: %v", err)
	}
	seedRoomText(t, r, s, "kept")

	if err := g.flushAll(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	r.unregister(s)
	g.evict(r, currentGeneration(r))

	snapshot, ok := store.snapshot("doc-1")
	if !ok {
		t.Fatal("eviction did not save the snapshot")
	}
	restored := document.New()
	if err := restored.Restore(snapshot); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got := restored.Text(); got != "kept" {
		t.Fatalf("saved text = %q, want %q", got, "kept")
	}
}

func TestRegistryStatsIncludePersistedSnapshot(t *testing.T) {
	store := newFakeSnapshotStore()
	store.snapshots["doc-saved"] = document.New().Snapshot()
	g := newTestRegistry(store, testRoomConfig())
	for _, id := range []string{"doc-saved", "doc-new"} {
		if _, err := g.findOrCreate(context.Background(), id); err != nil {
			t.Fatalf("find or create %s: %v", id, err)
		}
	}

	stats := g.stats(context.Background())
	if stats.Rooms != 2 || len(stats.Details) != 2 {
		t.Fatalf("stats = %+v", stats)
	}
	// Details are sorted by document id.
	if stats.Details[0].DocumentID != "doc-new" || stats.Details[0].Persisted != nil {
		t.Fatalf("unsaved room details = %+v", stats.Details[0])
	}
	persisted := stats.Details[1].Persisted
	if persisted == nil || persisted.DocumentID != "doc-saved" {
		t.Fatalf("saved room persisted = %+v", persisted)
	}
}
