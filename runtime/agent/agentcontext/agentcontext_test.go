package agentcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForkIsolation(t *testing.T) {
	parent := New()
	parent.Put("tenant", "acme")

	child := New()
	snap := parent.Fork(nil)
	_, errs := child.Init(context.Background(), snap)
	require.Empty(t, errs)

	parent.Put("tenant", "other")
	assert.Equal(t, "acme", child.Fetch("tenant", nil))
	assert.Equal(t, "other", parent.Fetch("tenant", nil))

	child.Put("trace", "xyz")
	assert.Nil(t, parent.Fetch("trace", nil))
}

func TestInitPopsAndRunsRestoreFns(t *testing.T) {
	snap := map[string]any{"tenant": "acme"}
	var restored map[string]any
	snap = AddRestoreFn(snap, func(clean map[string]any) { restored = clean })

	c := New()
	_, errs := c.Init(context.Background(), snap)
	require.Empty(t, errs)
	assert.Equal(t, "acme", restored["tenant"])
	_, hasReserved := c.Get()["__restore_fns__"]
	assert.False(t, hasReserved)
}

func TestRestoreFnPanicIsReportedNotFatal(t *testing.T) {
	snap := AddRestoreFn(map[string]any{}, func(map[string]any) { panic("boom") })
	c := New()
	_, errs := c.Init(context.Background(), snap)
	require.Len(t, errs, 1)
}

func TestForkWithMiddlewareFoldsInOrder(t *testing.T) {
	parent := New()
	parent.Put("a", 1)
	out := parent.ForkWithMiddleware(func(m map[string]any) map[string]any {
		m["b"] = 2
		return m
	})
	assert.Equal(t, 1, out["a"])
	assert.Equal(t, 2, out["b"])
}
