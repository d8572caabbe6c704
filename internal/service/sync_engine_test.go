package service

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/contextfs/syncd/internal/algorithm"
	"github.com/contextfs/syncd/internal/errors"
	"github.com/contextfs/syncd/internal/model"
	"github.com/contextfs/syncd/internal/store"
	"github.com/contextfs/syncd/internal/validation"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTenant = "tenant-1"

var engineStart = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type engineFixture struct {
	engine *SyncEngine
	store  store.SyncStore
	clock  clockwork.FakeClock
}

func newEngineFixture(t *testing.T, s store.SyncStore) *engineFixture {
	t.Helper()
	logger := zap.NewNop()
	clock := clockwork.NewFakeClockAt(engineStart)
	validator := validation.NewValidator()

	cache := store.NewInMemoryCache(100, clock, logger)
	t.Cleanup(cache.Stop)

	tx := NewTxRunner(s, RetryPolicy{MaxRetries: 50}, clock, nil, logger)
	registry := NewDeviceRegistry(s, tx, cache, time.Minute, validator, clock, nil, logger)
	resolver := NewConflictResolver(algorithm.NewVectorClockOps(), logger)
	engine := NewSyncEngine(s, registry, tx, resolver, validator, EngineOptions{
		MaxBatchSize:     10,
		PushConcurrency:  4,
		PullDefaultLimit: 2,
		PullMaxLimit:     5,
	}, clock, nil, logger)

	return &engineFixture{engine: engine, store: s, clock: clock}
}

func engineStores() map[string]func(t *testing.T) store.SyncStore {
	return map[string]func(t *testing.T) store.SyncStore{
		"memory": func(t *testing.T) store.SyncStore { return store.NewMemoryStore() },
		"sqlite": func(t *testing.T) store.SyncStore {
			s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "sync.db"), zap.NewNop())
			require.NoError(t, err)
			require.NoError(t, s.Migrate(context.Background()))
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func (f *engineFixture) register(t *testing.T, deviceIDs ...string) {
	t.Helper()
	for _, id := range deviceIDs {
		_, err := f.engine.Register(context.Background(), testTenant, &model.RegisterRequest{DeviceID: id, Name: id})
		require.NoError(t, err)
	}
}

func (f *engineFixture) push(t *testing.T, deviceID string, force bool, envs ...model.RecordEnvelope) *model.PushResult {
	t.Helper()
	result, err := f.engine.Push(context.Background(), testTenant, &model.PushRequest{
		DeviceID: deviceID,
		Records:  envs,
		Force:    force,
	})
	require.NoError(t, err)
	require.Len(t, result.Outcomes, len(envs))
	return result
}

func (f *engineFixture) pullAll(t *testing.T, deviceID string, since *time.Time) []*model.Record {
	t.Helper()
	result, err := f.engine.Pull(context.Background(), testTenant, &model.PullRequest{
		DeviceID: deviceID,
		Since:    since,
		Limit:    5,
	})
	require.NoError(t, err)
	return result.Records
}

func memoryEnv(id, payload string, clock model.VectorClock) model.RecordEnvelope {
	return model.RecordEnvelope{
		ID:          id,
		Kind:        model.KindMemory,
		Payload:     json.RawMessage(payload),
		VectorClock: clock,
	}
}

func TestSyncEngine_ConcurrentWritesConflictThenForce(t *testing.T) {
	for name, newStore := range engineStores() {
		t.Run(name, func(t *testing.T) {
			f := newEngineFixture(t, newStore(t))
			ctx := context.Background()
			f.register(t, "A", "B")

			res := f.push(t, "A", false, memoryEnv("r1", `{"content":"from A"}`, model.VectorClock{"A": 1}))
			assert.Equal(t, model.PushApplied, res.Outcomes[0].Status)
			assert.Equal(t, 1, res.Applied)

			f.clock.Advance(time.Second)
			res = f.push(t, "B", false, memoryEnv("r1", `{"content":"from B"}`, model.VectorClock{"B": 1}))
			assert.Equal(t, model.PushConflict, res.Outcomes[0].Status)
			assert.Equal(t, model.VectorClock{"A": 1}, res.Outcomes[0].VectorClock)
			assert.Equal(t, 1, res.Conflicts)

			status, err := f.engine.Status(ctx, testTenant, "B")
			require.NoError(t, err)
			assert.Equal(t, int64(1), status.PendingConflictCount)

			stored := f.pullAll(t, "A", nil)
			require.Len(t, stored, 1)
			assert.JSONEq(t, `{"content":"from A"}`, string(stored[0].Payload))

			f.clock.Advance(time.Second)
			res = f.push(t, "B", true, memoryEnv("r1", `{"content":"from B"}`, model.VectorClock{"B": 1}))
			assert.Equal(t, model.PushApplied, res.Outcomes[0].Status)
			assert.Equal(t, model.VectorClock{"A": 1, "B": 1}, res.Outcomes[0].VectorClock)

			stored = f.pullAll(t, "A", nil)
			require.Len(t, stored, 1)
			assert.JSONEq(t, `{"content":"from B"}`, string(stored[0].Payload))
			assert.Equal(t, model.VectorClock{"A": 1, "B": 1}, stored[0].VectorClock)
			assert.Equal(t, "B", stored[0].LastDeviceID)

			status, err = f.engine.Status(ctx, testTenant, "B")
			require.NoError(t, err)
			assert.Zero(t, status.PendingConflictCount)
			assert.Equal(t, int64(1), status.RecordCount)
		})
	}
}

func TestSyncEngine_RepushIsIdempotent(t *testing.T) {
	for name, newStore := range engineStores() {
		t.Run(name, func(t *testing.T) {
			f := newEngineFixture(t, newStore(t))
			f.register(t, "A")
			env := memoryEnv("r1", `{"content":"hello"}`, model.VectorClock{"A": 1})

			first := f.push(t, "A", false, env)
			assert.Equal(t, model.PushApplied, first.Outcomes[0].Status)
			updatedAt := f.pullAll(t, "A", nil)[0].UpdatedAt

			f.clock.Advance(time.Minute)
			for i := 0; i < 2; i++ {
				again := f.push(t, "A", false, env)
				assert.Equal(t, model.PushUnchanged, again.Outcomes[0].Status)
				assert.Equal(t, model.ReasonIdentical, again.Outcomes[0].Reason)
				assert.Equal(t, model.VectorClock{"A": 1}, again.Outcomes[0].VectorClock)
				assert.Equal(t, first.Outcomes[0].ContentHash, again.Outcomes[0].ContentHash)
			}

			records := f.pullAll(t, "A", nil)
			require.Len(t, records, 1)
			assert.True(t, records[0].UpdatedAt.Equal(updatedAt))
		})
	}
}

func TestSyncEngine_IdenticalContentAbsorbsClock(t *testing.T) {
	f := newEngineFixture(t, store.NewMemoryStore())
	f.register(t, "A", "B")

	f.push(t, "A", false, memoryEnv("r1", `{"content":"same"}`, model.VectorClock{"A": 1}))
	res := f.push(t, "B", false, memoryEnv("r1", `{ "content" : "same" }`, model.VectorClock{"B": 1}))

	assert.Equal(t, model.PushUnchanged, res.Outcomes[0].Status)
	assert.Equal(t, model.ReasonIdentical, res.Outcomes[0].Reason)
	assert.Equal(t, model.VectorClock{"A": 1, "B": 1}, res.Outcomes[0].VectorClock)

	records := f.pullAll(t, "A", nil)
	require.Len(t, records, 1)
	assert.Equal(t, model.VectorClock{"A": 1, "B": 1}, records[0].VectorClock)
}

func TestSyncEngine_StaleAndDominatingWrites(t *testing.T) {
	f := newEngineFixture(t, store.NewMemoryStore())
	f.register(t, "A", "B")

	f.push(t, "A", false, memoryEnv("r1", `{"v":2}`, model.VectorClock{"A": 2}))

	res := f.push(t, "A", false, memoryEnv("r1", `{"v":1}`, model.VectorClock{"A": 1}))
	assert.Equal(t, model.PushUnchanged, res.Outcomes[0].Status)
	assert.Equal(t, model.ReasonStale, res.Outcomes[0].Reason)

	res = f.push(t, "B", false, memoryEnv("r1", `{"v":3}`, model.VectorClock{"A": 2, "B": 1}))
	assert.Equal(t, model.PushApplied, res.Outcomes[0].Status)

	records := f.pullAll(t, "A", nil)
	require.Len(t, records, 1)
	assert.JSONEq(t, `{"v":3}`, string(records[0].Payload))
	assert.Equal(t, model.VectorClock{"A": 2, "B": 1}, records[0].VectorClock)
}

func TestSyncEngine_TombstonesArePulled(t *testing.T) {
	for name, newStore := range engineStores() {
		t.Run(name, func(t *testing.T) {
			f := newEngineFixture(t, newStore(t))
			ctx := context.Background()
			f.register(t, "A")

			f.push(t, "A", false, memoryEnv("r1", `{"content":"doomed"}`, model.VectorClock{"A": 1}))
			f.clock.Advance(time.Second)

			deletedAt := f.clock.Now()
			res := f.push(t, "A", false, model.RecordEnvelope{
				ID:          "r1",
				Kind:        model.KindMemory,
				VectorClock: model.VectorClock{"A": 2},
				DeletedAt:   &deletedAt,
			})
			assert.Equal(t, model.PushApplied, res.Outcomes[0].Status)
			assert.Equal(t, algorithm.TombstoneHash, res.Outcomes[0].ContentHash)

			records := f.pullAll(t, "A", nil)
			require.Len(t, records, 1)
			require.NotNil(t, records[0].DeletedAt)
			assert.True(t, records[0].DeletedAt.Equal(deletedAt))
			assert.Empty(t, records[0].Payload)
			assert.Equal(t, algorithm.TombstoneHash, records[0].ContentHash)

			status, err := f.engine.Status(ctx, testTenant, "A")
			require.NoError(t, err)
			assert.Zero(t, status.RecordCount)
			assert.Equal(t, int64(1), status.TombstoneCount)

			// re-sending the delete is a no-op
			res = f.push(t, "A", false, model.RecordEnvelope{
				ID:          "r1",
				Kind:        model.KindMemory,
				VectorClock: model.VectorClock{"A": 2},
				DeletedAt:   &deletedAt,
			})
			assert.Equal(t, model.PushUnchanged, res.Outcomes[0].Status)
		})
	}
}

func TestSyncEngine_PullSince(t *testing.T) {
	for name, newStore := range engineStores() {
		t.Run(name, func(t *testing.T) {
			f := newEngineFixture(t, newStore(t))
			ctx := context.Background()
			f.register(t, "A")

			f.push(t, "A", false, memoryEnv("r1", `{"n":1}`, model.VectorClock{"A": 1}))
			f.clock.Advance(time.Second)
			f.push(t, "A", false,
				memoryEnv("r3", `{"n":3}`, model.VectorClock{"A": 1}),
				memoryEnv("r2", `{"n":2}`, model.VectorClock{"A": 1}),
			)

			all := f.pullAll(t, "A", nil)
			assert.Equal(t, []string{"r1", "r2", "r3"}, ids(all))

			since := all[0].UpdatedAt
			after := f.pullAll(t, "A", &since)
			assert.Equal(t, []string{"r2", "r3"}, ids(after))
			for _, r := range after {
				assert.True(t, r.UpdatedAt.After(since))
			}

			latest := all[len(all)-1].UpdatedAt
			assert.Empty(t, f.pullAll(t, "A", &latest))

			// default limit of two pages through the rest with has_more
			page, err := f.engine.Pull(ctx, testTenant, &model.PullRequest{DeviceID: "A"})
			require.NoError(t, err)
			assert.Equal(t, []string{"r1", "r2"}, ids(page.Records))
			assert.True(t, page.HasMore)

			page, err = f.engine.Pull(ctx, testTenant, &model.PullRequest{DeviceID: "A", Offset: 2})
			require.NoError(t, err)
			assert.Equal(t, []string{"r3"}, ids(page.Records))
			assert.False(t, page.HasMore)
		})
	}
}

func TestSyncEngine_PullFilters(t *testing.T) {
	f := newEngineFixture(t, store.NewMemoryStore())
	ctx := context.Background()
	f.register(t, "A")

	session := memoryEnv("s1", `{}`, model.VectorClock{"A": 1})
	session.Kind = model.KindSession
	scoped := memoryEnv("m2", `{}`, model.VectorClock{"A": 1})
	scoped.NamespaceID = "repo-x"
	f.push(t, "A", false, memoryEnv("m1", `{}`, model.VectorClock{"A": 1}), session, scoped)

	res, err := f.engine.Pull(ctx, testTenant, &model.PullRequest{DeviceID: "A", Kinds: []model.RecordKind{model.KindSession}})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids(res.Records))

	res, err = f.engine.Pull(ctx, testTenant, &model.PullRequest{DeviceID: "A", NamespaceIDs: []string{"repo-x"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"m2"}, ids(res.Records))

	_, err = f.engine.Pull(ctx, testTenant, &model.PullRequest{DeviceID: "A", Kinds: []model.RecordKind{"note"}})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	_, err = f.engine.Pull(ctx, testTenant, &model.PullRequest{DeviceID: "A", Offset: -1})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func TestSyncEngine_DiffIsAPartition(t *testing.T) {
	for name, newStore := range engineStores() {
		t.Run(name, func(t *testing.T) {
			f := newEngineFixture(t, newStore(t))
			ctx := context.Background()
			f.register(t, "A")

			res := f.push(t, "A", false,
				memoryEnv("same", `{"v":"same"}`, model.VectorClock{"A": 1}),
				memoryEnv("changed", `{"v":"server"}`, model.VectorClock{"A": 1}),
				memoryEnv("server-only", `{"v":"x"}`, model.VectorClock{"A": 1}),
			)
			sameHash := res.Outcomes[0].ContentHash

			diff, err := f.engine.Diff(ctx, testTenant, &model.DiffRequest{
				DeviceID: "A",
				Manifest: []model.ManifestEntry{
					{ID: "same", ContentHash: sameHash},
					{ID: "changed", ContentHash: "stale-hash"},
					{ID: "client-only", ContentHash: "h"},
					{ID: "client-only", ContentHash: "h"},
				},
			})
			require.NoError(t, err)

			assert.Equal(t, []string{"server-only"}, diff.MissingOnClient)
			assert.Equal(t, []string{"client-only"}, diff.MissingOnServer)
			assert.Equal(t, []string{"changed"}, diff.Updated)

			empty, err := f.engine.Diff(ctx, testTenant, &model.DiffRequest{DeviceID: "A"})
			require.NoError(t, err)
			assert.Equal(t, []string{"changed", "same", "server-only"}, empty.MissingOnClient)
			assert.Empty(t, empty.MissingOnServer)
			assert.Empty(t, empty.Updated)
		})
	}
}

func TestSyncEngine_DiffLooksUpIdsOutsideTheFilter(t *testing.T) {
	f := newEngineFixture(t, store.NewMemoryStore())
	f.register(t, "A")

	other := memoryEnv("elsewhere", `{}`, model.VectorClock{"A": 1})
	other.NamespaceID = "other"
	res := f.push(t, "A", false, other)

	diff, err := f.engine.Diff(context.Background(), testTenant, &model.DiffRequest{
		DeviceID:     "A",
		NamespaceIDs: []string{model.DefaultNamespace},
		Manifest:     []model.ManifestEntry{{ID: "elsewhere", ContentHash: res.Outcomes[0].ContentHash}},
	})
	require.NoError(t, err)
	assert.Empty(t, diff.MissingOnServer)
	assert.Empty(t, diff.MissingOnClient)
	assert.Empty(t, diff.Updated)
}

func TestSyncEngine_UnknownDevice(t *testing.T) {
	f := newEngineFixture(t, store.NewMemoryStore())
	ctx := context.Background()

	_, err := f.engine.Push(ctx, testTenant, &model.PushRequest{DeviceID: "ghost"})
	assert.Equal(t, errors.ErrCodeDeviceNotRegistered, errors.GetCode(err))

	_, err = f.engine.Pull(ctx, testTenant, &model.PullRequest{DeviceID: "ghost"})
	assert.Equal(t, errors.ErrCodeDeviceNotRegistered, errors.GetCode(err))

	_, err = f.engine.Diff(ctx, testTenant, &model.DiffRequest{DeviceID: "ghost"})
	assert.Equal(t, errors.ErrCodeDeviceNotRegistered, errors.GetCode(err))

	_, err = f.engine.Status(ctx, testTenant, "ghost")
	assert.Equal(t, errors.ErrCodeDeviceNotRegistered, errors.GetCode(err))

	_, err = f.engine.Fetch(ctx, testTenant, &model.FetchRequest{DeviceID: "ghost"})
	assert.Equal(t, errors.ErrCodeDeviceNotRegistered, errors.GetCode(err))

	// devices are scoped to their tenant
	f.register(t, "A")
	_, err = f.engine.Status(ctx, "tenant-2", "A")
	assert.Equal(t, errors.ErrCodeDeviceNotRegistered, errors.GetCode(err))
}

func TestSyncEngine_InvalidRecordsDoNotAbortTheBatch(t *testing.T) {
	f := newEngineFixture(t, store.NewMemoryStore())
	f.register(t, "A")

	res := f.push(t, "A", false,
		memoryEnv("", `{}`, model.VectorClock{"A": 1}),
		memoryEnv("no-own-increment", `{}`, model.VectorClock{"B": 1}),
		memoryEnv("bad-json", `{nope`, model.VectorClock{"A": 1}),
		memoryEnv("good", `{}`, model.VectorClock{"A": 1}),
	)

	assert.Equal(t, model.PushRejected, res.Outcomes[0].Status)
	assert.Equal(t, model.PushRejected, res.Outcomes[1].Status)
	assert.Contains(t, res.Outcomes[1].Error, "increment")
	assert.Equal(t, model.PushRejected, res.Outcomes[2].Status)
	assert.Equal(t, model.PushApplied, res.Outcomes[3].Status)
	assert.Equal(t, 3, res.Rejected)
	assert.Equal(t, 1, res.Applied)
}

func TestSyncEngine_BatchTooLarge(t *testing.T) {
	f := newEngineFixture(t, store.NewMemoryStore())
	f.register(t, "A")

	envs := make([]model.RecordEnvelope, 11)
	for i := range envs {
		envs[i] = memoryEnv(fmt.Sprintf("r%d", i), `{}`, model.VectorClock{"A": 1})
	}
	_, err := f.engine.Push(context.Background(), testTenant, &model.PushRequest{DeviceID: "A", Records: envs})
	assert.Equal(t, errors.ErrCodeBatchTooLarge, errors.GetCode(err))
}

func TestSyncEngine_KindMismatchIsRejected(t *testing.T) {
	f := newEngineFixture(t, store.NewMemoryStore())
	f.register(t, "A")

	f.push(t, "A", false, memoryEnv("r1", `{}`, model.VectorClock{"A": 1}))

	edge := memoryEnv("r1", `{"from":"a","to":"b"}`, model.VectorClock{"A": 2})
	edge.Kind = model.KindEdge
	res := f.push(t, "A", false, edge)

	assert.Equal(t, model.PushRejected, res.Outcomes[0].Status)
	assert.Contains(t, res.Outcomes[0].Error, "edge")
}

func TestSyncEngine_ServerComputedFingerprint(t *testing.T) {
	f := newEngineFixture(t, store.NewMemoryStore())
	f.register(t, "A")

	env := memoryEnv("r1", `{"b":1,"a":[1,2]}`, model.VectorClock{"A": 1})
	env.Tags = []string{"y", "x"}
	res := f.push(t, "A", false, env)

	want, err := algorithm.ContentFingerprint(json.RawMessage(`{"a":[1,2],"b":1}`), []string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, want, res.Outcomes[0].ContentHash)

	// a client-supplied hash is trusted as-is
	withHash := memoryEnv("r2", `{}`, model.VectorClock{"A": 1})
	withHash.ContentHash = "client-hash"
	res = f.push(t, "A", false, withHash)
	assert.Equal(t, "client-hash", res.Outcomes[0].ContentHash)
}

func TestSyncEngine_DefaultsKindAndNamespace(t *testing.T) {
	f := newEngineFixture(t, store.NewMemoryStore())
	f.register(t, "A")

	f.push(t, "A", false, model.RecordEnvelope{ID: "r1", Payload: json.RawMessage(`{}`), VectorClock: model.VectorClock{"A": 1}})

	records := f.pullAll(t, "A", nil)
	require.Len(t, records, 1)
	assert.Equal(t, model.KindMemory, records[0].Kind)
	assert.Equal(t, model.DefaultNamespace, records[0].NamespaceID)
	assert.True(t, records[0].CreatedAt.Equal(engineStart))
}

func TestSyncEngine_Fetch(t *testing.T) {
	f := newEngineFixture(t, store.NewMemoryStore())
	f.register(t, "A")
	f.push(t, "A", false,
		memoryEnv("r1", `{}`, model.VectorClock{"A": 1}),
		memoryEnv("r2", `{}`, model.VectorClock{"A": 1}),
	)

	records, err := f.engine.Fetch(context.Background(), testTenant, &model.FetchRequest{
		DeviceID: "A",
		IDs:      []string{"r2", "missing", "r1", "r2"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2", "r1"}, ids(records))
}

func TestSyncEngine_CancelledPushLeavesNoPartialWrite(t *testing.T) {
	f := newEngineFixture(t, store.NewMemoryStore())
	f.register(t, "A")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.engine.Push(ctx, testTenant, &model.PushRequest{
		DeviceID: "A",
		Records:  []model.RecordEnvelope{memoryEnv("r1", `{}`, model.VectorClock{"A": 1})},
	})
	assert.ErrorIs(t, err, context.Canceled)

	records, err := f.store.GetRecords(context.Background(), testTenant, []string{"r1"})
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSyncEngine_RacingDevicesProduceOneWinner(t *testing.T) {
	f := newEngineFixture(t, store.NewMemoryStore())
	devices := []string{"d0", "d1", "d2", "d3", "d4", "d5"}
	f.register(t, devices...)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[model.PushStatus]int{}
	)
	for _, d := range devices {
		wg.Add(1)
		go func(device string) {
			defer wg.Done()
			res, err := f.engine.Push(context.Background(), testTenant, &model.PushRequest{
				DeviceID: device,
				Records:  []model.RecordEnvelope{memoryEnv("shared", `{"by":"`+device+`"}`, model.VectorClock{device: 1})},
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			statuses[res.Outcomes[0].Status]++
			mu.Unlock()
		}(d)
	}
	wg.Wait()

	assert.Equal(t, 1, statuses[model.PushApplied])
	assert.Equal(t, len(devices)-1, statuses[model.PushConflict])
}

func TestDeviceRegistry_RegisterTwiceKeepsOneRow(t *testing.T) {
	for name, newStore := range engineStores() {
		t.Run(name, func(t *testing.T) {
			f := newEngineFixture(t, newStore(t))
			ctx := context.Background()

			first, err := f.engine.Register(ctx, testTenant, &model.RegisterRequest{DeviceID: "A", Name: "old", Platform: "linux"})
			require.NoError(t, err)

			f.clock.Advance(time.Hour)
			second, err := f.engine.Register(ctx, testTenant, &model.RegisterRequest{DeviceID: "A", Name: "new"})
			require.NoError(t, err)

			assert.Equal(t, "new", second.Name)
			assert.Equal(t, "linux", second.Platform)
			assert.True(t, second.RegisteredAt.Equal(first.RegisteredAt))
			assert.True(t, second.LastSeenAt.After(first.LastSeenAt))

			stored, err := f.store.GetDevice(ctx, testTenant, "A")
			require.NoError(t, err)
			assert.Equal(t, "new", stored.Name)
		})
	}
}

func TestDeviceRegistry_ConcurrentFirstRegistration(t *testing.T) {
	f := newEngineFixture(t, store.NewMemoryStore())

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Register(context.Background(), testTenant, &model.RegisterRequest{
				DeviceID: "laptop",
				Name:     fmt.Sprintf("name-%d", i),
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	_, err := f.store.GetDevice(context.Background(), testTenant, "laptop")
	assert.NoError(t, err)
}

func TestDeviceRegistry_RejectsInvalidRegistration(t *testing.T) {
	f := newEngineFixture(t, store.NewMemoryStore())

	_, err := f.engine.Register(context.Background(), testTenant, &model.RegisterRequest{DeviceID: ""})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))

	_, err = f.engine.Register(context.Background(), "", &model.RegisterRequest{DeviceID: "A"})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.GetCode(err))
}

func ids(records []*model.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
