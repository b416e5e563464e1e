package contextkeys

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/platinummonkey/auditledger/pkg/audit"
)

func TestScope(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, Scope(ctx))
	// a missing scope swallows reports
	Reporter(ctx).ReportChange("sys_user", "1", "")

	scope := audit.NewScope()
	ctx = WithScope(ctx, scope)
	Reporter(ctx).ReportChange("sys_user", "1", "alice")
	assert.Same(t, scope, Scope(ctx))
	assert.Len(t, scope.Targets(), 1)
}

func TestActor(t *testing.T) {
	_, ok := Actor(context.Background())
	assert.False(t, ok)

	_, ok = Actor(WithActor(context.Background(), audit.Actor{}))
	assert.False(t, ok)

	actor, ok := Actor(WithActor(context.Background(), audit.Actor{ID: "u-1", Name: "Alice"}))
	assert.True(t, ok)
	assert.Equal(t, "Alice", actor.Name)
}

func TestRequestStartTime(t *testing.T) {
	assert.True(t, RequestStartTime(context.Background()).IsZero())
	now := time.Now()
	assert.Equal(t, now, RequestStartTime(WithRequestStartTime(context.Background(), now)))
}
