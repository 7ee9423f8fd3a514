package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/louisbranch/fracturing-collab/internal/platform/errors"
	"github.com/louisbranch/fracturing-collab/internal/platform/timeouts"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/document"
	"github.com/louisbranch/fracturing-collab/internal/services/collab/storage"
)

const maxConcurrentFlushes = 4

var errEvictionInFlight = errors.New("room eviction in flight")

// registry owns every live room. Rooms are created on first lookup, seeded
// from the snapshot store, and removed by their own eviction timer.
//
// Lock order is registry before room; rooms never call into the registry
// while holding their own lock.
type registry struct {
	store   storage.SnapshotStore
	config  roomConfig
	metrics *instruments

	seeds singleflight.Group

	mu       sync.Mutex
	rooms    map[string]*room
	evicting map[string]chan struct{}
}

func newRegistry(store storage.SnapshotStore, config roomConfig, metrics *instruments) *registry {
	return &registry{
		store:    store,
		config:   config,
		metrics:  metrics,
		rooms:    make(map[string]*room),
		evicting: make(map[string]chan struct{}),
	}
}

// findOrCreate returns the room for documentID, creating and seeding it when
// none exists. A lookup that races an eviction waits for the eviction's
// snapshot save so the new room starts from it.
func (g *registry) findOrCreate(ctx context.Context, documentID string) (*room, error) {
	for {
		g.mu.Lock()
		if r, ok := g.rooms[documentID]; ok {
			g.mu.Unlock()
			return r, nil
		}
		wait := g.evicting[documentID]
		g.mu.Unlock()

		if wait != nil {
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err, _ := g.seeds.Do(documentID, func() (any, error) {
			return g.seed(ctx, documentID)
		})
		if errors.Is(err, errEvictionInFlight) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result.(*room), nil
	}
}

func (g *registry) seed(ctx context.Context, documentID string) (*room, error) {
	g.mu.Lock()
	if r, ok := g.rooms[documentID]; ok {
		g.mu.Unlock()
		return r, nil
	}
	if _, ok := g.evicting[documentID]; ok {
		g.mu.Unlock()
		return nil, errEvictionInFlight
	}
	g.mu.Unlock()

	doc := document.New(document.WithPendingLimit(g.config.maxPending))
	if g.store != nil {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeouts.SnapshotIO)
		snapshot, found, err := g.store.LoadSnapshot(loadCtx, documentID)
		cancel()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeSnapshotUnavailable, "load snapshot", err)
		}
		if found {
			if err := doc.Restore(snapshot); err != nil {
				return nil, apperrors.Wrap(apperrors.CodeSnapshotUnavailable,
					fmt.Sprintf("restore snapshot for %q", documentID), err)
			}
		}
	}

	r := newRoom(documentID, doc, g.config, g.metrics, g.evict)
	g.mu.Lock()
	if _, dup := g.rooms[documentID]; dup {
		g.mu.Unlock()
		panic(apperrors.WithMetadata(apperrors.CodeRegistryRaceDetected,
			"second room created for document", map[string]string{"document_id": documentID}))
	}
	g.rooms[documentID] = r
	g.mu.Unlock()
	g.metrics.roomOpened(context.Background())
	return r, nil
}

// evict removes r when it is still registered, still empty and its eviction
// generation is current, then saves its final snapshot. Lookups for the same
// document wait until the save finishes. The save is unconditional: a flush
// that was in flight may have cleared the dirty mark, and the store skips
// identical content.
func (g *registry) evict(r *room, generation uint64) {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	g.mu.Lock()
	if g.rooms[r.documentID] != r {
		g.mu.Unlock()
		return
	}
	snapshot, ok := r.closeIfIdle(generation)
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.rooms, r.documentID)
	done := make(chan struct{})
	g.evicting[r.documentID] = done
	g.mu.Unlock()
	g.metrics.roomClosed(context.Background())

	if err := g.save(context.Background(), r.documentID, snapshot); err != nil {
		log.Printf("collab: save snapshot on eviction document=%q: %v", r.documentID, err)
	}

	g.mu.Lock()
	delete(g.evicting, r.documentID)
	g.mu.Unlock()
	close(done)
}

func (g *registry) save(ctx context.Context, documentID string, snapshot []byte) error {
	if g.store == nil {
		return nil
	}
	saveCtx, cancel := context.WithTimeout(ctx, timeouts.SnapshotIO)
	defer cancel()
	if err := g.store.SaveSnapshot(saveCtx, documentID, snapshot); err != nil {
		return err
	}
	g.metrics.snapshotsSaved.Add(ctx, 1, documentAttr(documentID))
	return nil
}

func (g *registry) liveRooms() []*room {
	g.mu.Lock()
	defer g.mu.Unlock()
	rooms := make([]*room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}

// flushAll saves every room whose content changed since its last flush.
func (g *registry) flushAll(ctx context.Context) error {
	if g.store == nil {
		return nil
	}
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentFlushes)
	for _, r := range g.liveRooms() {
		group.Go(func() error {
			r.saveMu.Lock()
			defer r.saveMu.Unlock()
			snapshot, changed := r.snapshotIfDirty()
			if !changed {
				return nil
			}
			if err := g.save(groupCtx, r.documentID, snapshot); err != nil {
				r.markDirty()
				return fmt.Errorf("flush %q: %w", r.documentID, err)
			}
			return nil
		})
	}
	return group.Wait()
}

// runFlusher flushes on every interval tick until ctx ends.
func (g *registry) runFlusher(ctx context.Context, interval time.Duration) {
	if interval <= 0 || g.store == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.flushAll(ctx); err != nil {
				log.Printf("collab: periodic snapshot flush: %v", err)
			}
		}
	}
}

// disconnectAll closes every session in every room.
func (g *registry) disconnectAll(cause error) {
	for _, r := range g.liveRooms() {
		r.disconnectAll(cause)
	}
}

type registryStats struct {
	Rooms    int         `json:"rooms"`
	Sessions int         `json:"sessions"`
	Evicting int         `json:"evicting"`
	Details  []roomStats `json:"details"`
}

// stats reports live rooms. When the store can describe stored snapshots,
// each room also carries its last persisted snapshot metadata.
func (g *registry) stats(ctx context.Context) registryStats {
	g.mu.Lock()
	evicting := len(g.evicting)
	g.mu.Unlock()

	inspector, _ := g.store.(storage.SnapshotInspector)
	out := registryStats{Evicting: evicting, Details: []roomStats{}}
	for _, r := range g.liveRooms() {
		s := r.stats()
		if inspector != nil {
			infoCtx, cancel := context.WithTimeout(ctx, timeouts.SnapshotIO)
			info, found, err := inspector.SnapshotInfo(infoCtx, r.documentID)
			cancel()
			if err != nil {
				log.Printf("collab: snapshot info document=%q: %v", r.documentID, err)
			} else if found {
				s.Persisted = &info
			}
		}
		out.Rooms++
		out.Sessions += s.Sessions
		out.Details = append(out.Details, s)
	}
	sort.Slice(out.Details, func(i, j int) bool { return out.Details[i].DocumentID < out.Details[j].DocumentID })
	return out
}
