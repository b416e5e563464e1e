package dedup

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func queryRecord(at time.Time) *audit.Record {
	return &audit.Record{
		OccurredAt:    at,
		ActorID:       "42",
		ActionCode:    "user.list",
		ModuleKey:     "user",
		OperationKind: audit.KindQuery,
		RequestURI:    "/api/users",
		Summary:       "List users",
		ClientIP:      "10.0.0.1",
	}
}

func TestMemoryGate_Window(t *testing.T) {
	ctx := context.Background()

	t.Run("within window suppressed", func(t *testing.T) {
		g := NewMemoryGate(DefaultConfig())
		suppress, err := g.Check(ctx, queryRecord(t0))
		require.NoError(t, err)
		assert.False(t, suppress)

		suppress, err = g.Check(ctx, queryRecord(t0.Add(1500*time.Millisecond)))
		require.NoError(t, err)
		assert.True(t, suppress)
	})

	t.Run("ten windows apart both kept", func(t *testing.T) {
		g := NewMemoryGate(DefaultConfig())
		suppress, _ := g.Check(ctx, queryRecord(t0))
		assert.False(t, suppress)
		suppress, _ = g.Check(ctx, queryRecord(t0.Add(20*time.Second)))
		assert.False(t, suppress)
	})

	t.Run("out of order candidate inside window", func(t *testing.T) {
		g := NewMemoryGate(DefaultConfig())
		g.Check(ctx, queryRecord(t0))
		suppress, _ := g.Check(ctx, queryRecord(t0.Add(-time.Second)))
		assert.True(t, suppress)
	})

	t.Run("suppressed reads do not extend the window", func(t *testing.T) {
		g := NewMemoryGate(DefaultConfig())
		g.Check(ctx, queryRecord(t0))
		suppress, _ := g.Check(ctx, queryRecord(t0.Add(1900*time.Millisecond)))
		assert.True(t, suppress)
		suppress, _ = g.Check(ctx, queryRecord(t0.Add(3*time.Second)))
		assert.False(t, suppress)
	})
}

func TestMemoryGate_OnlyQueries(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGate(DefaultConfig())

	for _, kind := range []audit.OperationKind{audit.KindCreate, audit.KindUpdate, audit.KindDelete, audit.KindExport} {
		rec := queryRecord(t0)
		rec.OperationKind = kind
		for i := 0; i < 3; i++ {
			suppress, err := g.Check(ctx, rec)
			require.NoError(t, err)
			assert.False(t, suppress, "%s must never be suppressed", kind)
		}
	}
	assert.Zero(t, g.Len())
}

func TestMemoryGate_FingerprintFields(t *testing.T) {
	ctx := context.Background()

	t.Run("different ip not collapsed", func(t *testing.T) {
		g := NewMemoryGate(DefaultConfig())
		g.Check(ctx, queryRecord(t0))
		other := queryRecord(t0)
		other.ClientIP = "10.0.0.2"
		suppress, _ := g.Check(ctx, other)
		assert.False(t, suppress)
	})

	t.Run("metadata ignored by default", func(t *testing.T) {
		g := NewMemoryGate(DefaultConfig())
		a := queryRecord(t0)
		a.Metadata = map[string]string{"page": "1"}
		b := queryRecord(t0)
		b.Metadata = map[string]string{"page": "2"}
		g.Check(ctx, a)
		suppress, _ := g.Check(ctx, b)
		assert.True(t, suppress)
	})

	t.Run("metadata opt in", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Fields = append(cfg.Fields, FieldMetadata)
		g := NewMemoryGate(cfg)
		a := queryRecord(t0)
		a.Metadata = map[string]string{"page": "1"}
		b := queryRecord(t0)
		b.Metadata = map[string]string{"page": "2"}
		g.Check(ctx, a)
		suppress, _ := g.Check(ctx, b)
		assert.False(t, suppress)
	})
}

func TestMemoryGate_Pruning(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGate(Config{Window: time.Second, MaxEntries: 10, Retention: time.Minute})

	for i := 0; i < 10; i++ {
		rec := queryRecord(t0)
		rec.ActorID = fmt.Sprint(i)
		g.Check(ctx, rec)
	}
	assert.Equal(t, 10, g.Len())

	// the 11th insert, two minutes later, prunes everything older than a minute
	late := queryRecord(t0.Add(2 * time.Minute))
	late.ActorID = "late"
	g.Check(ctx, late)
	assert.Equal(t, 1, g.Len())
}

func TestMemoryGate_EvictsOldestWhenFull(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGate(Config{Window: time.Second, MaxEntries: 3, Retention: time.Minute})

	for i := 0; i < 5; i++ {
		rec := queryRecord(t0.Add(time.Duration(i) * time.Millisecond))
		rec.ActorID = fmt.Sprint(i)
		suppress, _ := g.Check(ctx, rec)
		assert.False(t, suppress)
	}
	assert.Equal(t, 3, g.Len())

	// actors 0 and 1 were evicted, 4 is still tracked
	evicted := queryRecord(t0.Add(10 * time.Millisecond))
	evicted.ActorID = "0"
	suppress, _ := g.Check(ctx, evicted)
	assert.False(t, suppress)

	kept := queryRecord(t0.Add(10 * time.Millisecond))
	kept.ActorID = "4"
	suppress, _ = g.Check(ctx, kept)
	assert.True(t, suppress)
	assert.Equal(t, 3, g.Len())
}

func TestMemoryGate_Release(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGate(DefaultConfig())

	suppress, _ := g.Check(ctx, queryRecord(t0))
	require.False(t, suppress)
	require.NoError(t, g.Release(ctx, queryRecord(t0)))

	suppress, _ = g.Check(ctx, queryRecord(t0.Add(500*time.Millisecond)))
	assert.False(t, suppress, "released fingerprint must not suppress the retry")

	// a stale release leaves the newer claim in place
	require.NoError(t, g.Release(ctx, queryRecord(t0)))
	suppress, _ = g.Check(ctx, queryRecord(t0.Add(time.Second)))
	assert.True(t, suppress)
}

func TestMemoryGate_Concurrent(t *testing.T) {
	ctx := context.Background()
	g := NewMemoryGate(DefaultConfig())

	var wg sync.WaitGroup
	var mu sync.Mutex
	kept := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			suppress, err := g.Check(ctx, queryRecord(t0))
			require.NoError(t, err)
			if !suppress {
				mu.Lock()
				kept++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, kept)
}

func TestParseFields(t *testing.T) {
	fields, err := ParseFields("")
	require.NoError(t, err)
	assert.Equal(t, DefaultFields, fields)

	fields, err = ParseFields("actor, URI ,metadata")
	require.NoError(t, err)
	assert.Equal(t, []Field{FieldActor, FieldURI, FieldMetadata}, fields)

	_, err = ParseFields("actor,colour")
	assert.Error(t, err)
}

func TestFingerprint_MetadataOrderStable(t *testing.T) {
	a := queryRecord(t0)
	a.Metadata = map[string]string{"b": "2", "a": "1", "c": "3"}
	fields := []Field{FieldMetadata}
	first := Fingerprint(a, fields)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Fingerprint(a, fields))
	}
	assert.Equal(t, `{"a":"1","b":"2","c":"3"}`, first)
}

func TestFingerprint_MetadataSeparatorsInValues(t *testing.T) {
	fields := []Field{FieldMetadata}
	a := queryRecord(t0)
	a.Metadata = map[string]string{"a": "b;c=d"}
	b := queryRecord(t0)
	b.Metadata = map[string]string{"a": "b", "c": "d"}
	assert.NotEqual(t, Fingerprint(a, fields), Fingerprint(b, fields))
}

func setupRedisGate(t *testing.T) (*RedisGate, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return NewRedisGate(client, DefaultConfig()), mr
}

func TestRedisGate(t *testing.T) {
	ctx := context.Background()
	g, mr := setupRedisGate(t)

	suppress, err := g.Check(ctx, queryRecord(t0))
	require.NoError(t, err)
	assert.False(t, suppress)

	suppress, err = g.Check(ctx, queryRecord(t0))
	require.NoError(t, err)
	assert.True(t, suppress)

	mr.FastForward(3 * time.Second)

	suppress, err = g.Check(ctx, queryRecord(t0))
	require.NoError(t, err)
	assert.False(t, suppress)

	mutating := queryRecord(t0)
	mutating.OperationKind = audit.KindDelete
	suppress, err = g.Check(ctx, mutating)
	require.NoError(t, err)
	assert.False(t, suppress)
}

func TestRedisGate_Release(t *testing.T) {
	ctx := context.Background()
	g, _ := setupRedisGate(t)

	suppress, err := g.Check(ctx, queryRecord(t0))
	require.NoError(t, err)
	require.False(t, suppress)

	// another instance's claim is not released by a stale record
	require.NoError(t, g.Release(ctx, queryRecord(t0.Add(time.Second))))
	suppress, err = g.Check(ctx, queryRecord(t0))
	require.NoError(t, err)
	assert.True(t, suppress)

	require.NoError(t, g.Release(ctx, queryRecord(t0)))
	suppress, err = g.Check(ctx, queryRecord(t0))
	require.NoError(t, err)
	assert.False(t, suppress)
}

func TestRedisGate_FailsOpen(t *testing.T) {
	ctx := context.Background()
	g, mr := setupRedisGate(t)
	mr.Close()

	suppress, err := g.Check(ctx, queryRecord(t0))
	assert.Error(t, err)
	assert.False(t, suppress)
}
