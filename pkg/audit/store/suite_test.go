package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

var base = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func sampleRecord(i int) *audit.Record {
	return &audit.Record{
		OccurredAt:    base.Add(time.Duration(i) * time.Minute),
		SourceSystem:  "admin",
		ChainID:       "admin",
		ActorID:       "u-1",
		ActorName:     "Alice Admin",
		ActorRoles:    []string{"admin", "auditor"},
		ModuleKey:     "user",
		ModuleName:    "User Management",
		ActionCode:    "user.update",
		OperationCode: "update",
		OperationName: "Update user",
		OperationKind: audit.KindUpdate,
		Result:        audit.ResultSuccess,
		Summary:       fmt.Sprintf("Update user %d", i),
		ClientIP:      "10.1.2.3",
		ClientAgent:   "curl/8",
		RequestURI:    fmt.Sprintf("/api/users/%d", i),
		HTTPMethod:    "PUT",
		Metadata:      map[string]string{"request_id": fmt.Sprint(i)},
		Targets: []audit.Target{
			{Table: "sys_user", ID: fmt.Sprint(i), Label: "user"},
			{Table: "sys_user_role", ID: fmt.Sprintf("%d-1", i)},
		},
		Details:              []audit.Detail{{Key: "field", Value: "email"}},
		Signature:            fmt.Sprintf("%064d", i),
		PreviousSignatureRef: fmt.Sprintf("%064d", i-1),
	}
}

// runStoreSuite checks behavior every Store implementation must share
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("append and get round trip", func(t *testing.T) {
		s := newStore(t)
		rec := sampleRecord(1)
		rec.ExtraAttributes = map[string]string{"tenant": "t1"}
		rec.EncryptedPayload = []byte{1, 2, 3}
		rec.PayloadIV = []byte{4, 5, 6}
		rec.ChangeRequestRef = "CR-7"

		require.NoError(t, s.Append(ctx, rec))
		require.NotZero(t, rec.ID)

		got, err := s.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, rec.OccurredAt.Equal(got.OccurredAt))
		got.OccurredAt = rec.OccurredAt
		assert.Equal(t, rec, got)

		// the signed payload survives storage
		want, err := audit.CanonicalPayload(rec)
		require.NoError(t, err)
		have, err := audit.CanonicalPayload(got)
		require.NoError(t, err)
		assert.Equal(t, string(want), string(have))
	})

	t.Run("ids increase", func(t *testing.T) {
		s := newStore(t)
		a, b := sampleRecord(1), sampleRecord(2)
		require.NoError(t, s.Append(ctx, a))
		require.NoError(t, s.Append(ctx, b))
		assert.Greater(t, b.ID, a.ID)
	})

	t.Run("get unknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, 999)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("search filters", func(t *testing.T) {
		s := newStore(t)

		r1 := sampleRecord(1)
		r2 := sampleRecord(2)
		r2.ActorID, r2.ActorName = "u-2", "Bob Builder"
		r2.ModuleKey = "role"
		r2.OperationKind = audit.KindGrant
		r2.Targets = []audit.Target{{Table: "sys_role", ID: "9"}}
		r2.ClientIP = "192.168.0.5"
		r3 := sampleRecord(3)
		r3.OperationKind = audit.KindQuery
		r3.Result = audit.ResultFailed
		r3.Summary = "100% done"
		r3.Targets = nil
		r4 := sampleRecord(4)
		r4.Summary = "1000 done"
		r4.RequestURI = "/api/a_b"
		r4.ChainID = "platform"
		r5 := sampleRecord(5)
		r5.RequestURI = "/api/axb"
		for _, r := range []*audit.Record{r1, r2, r3, r4, r5} {
			require.NoError(t, s.Append(ctx, r))
		}

		start, end := base.Add(2*time.Minute), base.Add(4*time.Minute)
		tests := []struct {
			name   string
			filter Filter
			want   []int64
		}{
			{"no filter newest first", Filter{}, []int64{r5.ID, r4.ID, r3.ID, r2.ID, r1.ID}},
			{"actor id exact", Filter{Actor: "u-2"}, []int64{r2.ID}},
			{"actor name substring any case", Filter{Actor: "bob"}, []int64{r2.ID}},
			{"module", Filter{ModuleKey: "role"}, []int64{r2.ID}},
			{"kinds", Filter{Kinds: []audit.OperationKind{audit.KindGrant, audit.KindQuery}}, []int64{r3.ID, r2.ID}},
			{"result", Filter{Result: audit.ResultFailed}, []int64{r3.ID}},
			{"target table any case", Filter{TargetTable: "SYS_ROLE"}, []int64{r2.ID}},
			{"target table and id", Filter{TargetTable: "sys_user", TargetID: "4"}, []int64{r4.ID}},
			{"target id only", Filter{TargetID: "9"}, []int64{r2.ID}},
			{"client ip substring", Filter{ClientIP: "192.168"}, []int64{r2.ID}},
			{"keyword percent is literal", Filter{Keyword: "100%"}, []int64{r3.ID}},
			{"keyword underscore is literal", Filter{Keyword: "a_b"}, []int64{r4.ID}},
			{"keyword case insensitive", Filter{Keyword: "UPDATE USER 5"}, []int64{r5.ID}},
			{"chain", Filter{ChainID: "platform"}, []int64{r4.ID}},
			{"inclusive time range", Filter{Start: &start, End: &end}, []int64{r4.ID, r3.ID, r2.ID}},
			{"conjunctive", Filter{Actor: "u-1", Kinds: []audit.OperationKind{audit.KindUpdate}, Start: &start}, []int64{r5.ID, r4.ID}},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				records, total, err := s.Search(ctx, tt.filter)
				require.NoError(t, err)
				assert.Equal(t, int64(len(tt.want)), total)
				ids := make([]int64, len(records))
				for i, r := range records {
					ids[i] = r.ID
				}
				assert.Equal(t, tt.want, ids)
			})
		}
	})

	t.Run("search targets loaded in order", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Append(ctx, sampleRecord(1)))
		records, _, err := s.Search(ctx, Filter{})
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, sampleRecord(1).Targets, records[0].Targets)
	})

	t.Run("pagination and ties", func(t *testing.T) {
		s := newStore(t)
		var ids []int64
		for i := 0; i < 7; i++ {
			r := sampleRecord(0) // identical timestamps, ordered by id
			require.NoError(t, s.Append(ctx, r))
			ids = append(ids, r.ID)
		}

		page, total, err := s.Search(ctx, Filter{Limit: 3, Offset: 3})
		require.NoError(t, err)
		assert.Equal(t, int64(7), total)
		require.Len(t, page, 3)
		assert.Equal(t, []int64{ids[3], ids[2], ids[1]}, []int64{page[0].ID, page[1].ID, page[2].ID})

		page, _, err = s.Search(ctx, Filter{Limit: 3, Offset: 6})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, ids[0], page[0].ID)
	})

	t.Run("cursor paging ignores new writes", func(t *testing.T) {
		s := newStore(t)
		var ids []int64
		for i := 0; i < 5; i++ {
			r := sampleRecord(0)
			require.NoError(t, s.Append(ctx, r))
			ids = append(ids, r.ID)
		}

		page, _, err := s.Search(ctx, Filter{Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, []int64{ids[4], ids[3]}, []int64{page[0].ID, page[1].ID})

		// a newer record arrives between pages
		require.NoError(t, s.Append(ctx, sampleRecord(0)))

		page, _, err = s.Search(ctx, Filter{Limit: 2, Before: CursorAfter(page[1])})
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, []int64{ids[2], ids[1]}, []int64{page[0].ID, page[1].ID})

		page, _, err = s.Search(ctx, Filter{Limit: 2, Before: CursorAfter(page[1])})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, ids[0], page[0].ID)
	})

	t.Run("purge all", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 4; i++ {
			require.NoError(t, s.Append(ctx, sampleRecord(i)))
		}

		n, err := s.PurgeAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(4), n)

		records, total, err := s.Search(ctx, Filter{})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, records)

		n, err = s.PurgeAll(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("chain access", func(t *testing.T) {
		s := newStore(t)

		head, err := s.LastInChain(ctx, "admin")
		require.NoError(t, err)
		assert.Nil(t, head)

		var want []int64
		for i := 0; i < 5; i++ {
			r := sampleRecord(i)
			if i == 2 {
				r.ChainID = "platform"
			}
			require.NoError(t, s.Append(ctx, r))
			if r.ChainID == "admin" {
				want = append(want, r.ID)
			}
		}

		head, err = s.LastInChain(ctx, "admin")
		require.NoError(t, err)
		require.NotNil(t, head)
		assert.Equal(t, want[len(want)-1], head.ID)
		assert.Len(t, head.Targets, 2)

		var got []int64
		require.NoError(t, s.Chain(ctx, "admin", func(r *audit.Record) error {
			got = append(got, r.ID)
			return nil
		}))
		assert.Equal(t, want, got)

		stop := fmt.Errorf("stop")
		calls := 0
		err = s.Chain(ctx, "admin", func(*audit.Record) error {
			calls++
			return stop
		})
		assert.ErrorIs(t, err, stop)
		assert.Equal(t, 1, calls)

		chains, err := s.Chains(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"admin", "platform"}, chains)
	})

	t.Run("stats", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 3; i++ {
			require.NoError(t, s.Append(ctx, sampleRecord(i)))
		}
		failed := sampleRecord(10)
		failed.Result = audit.ResultFailed
		failed.ModuleKey = "role"
		require.NoError(t, s.Append(ctx, failed))

		stats, err := s.Stats(ctx, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(4), stats.Total)
		assert.Equal(t, int64(3), stats.ByResult[audit.ResultSuccess])
		assert.Equal(t, int64(1), stats.ByResult[audit.ResultFailed])
		assert.Equal(t, int64(1), stats.ByModule["role"])
		assert.Equal(t, int64(4), stats.ByKind[audit.KindUpdate])

		since := base.Add(5 * time.Minute)
		stats, err = s.Stats(ctx, &since, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stats.Total)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}
