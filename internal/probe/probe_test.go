package probe

import (
	"context"
	"testing"

	"github.com/fxnlabs/resource-group/internal/gpu"
	"github.com/fxnlabs/resource-group/internal/resource"
	"github.com/fxnlabs/resource-group/internal/topology"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newGroup(t *testing.T, devices ...int) *resource.Group {
	t.Helper()
	topo, err := topology.SingleProcess(devices...)
	require.NoError(t, err)
	g, err := resource.New(context.Background(), topo, gpu.NewSimDriver(4), resource.WithAffinity(resource.NoAffinity))
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, g.Close()) })
	return g
}

func TestRun(t *testing.T) {
	g := newGroup(t, 1, 3)

	results, err := Run(context.Background(), g, Options{Rounds: 25, Size: 8, Seed: 1}, zap.NewNop())
	require.NoError(t, err)
	require.Len(t, results, 2)

	for lane, r := range results {
		assert.Equal(t, lane, r.Lane)
		assert.Equal(t, 25, r.Rounds)
		assert.True(t, r.InOrder, "lane %d ran out of order", lane)
		assert.GreaterOrEqual(t, r.Mean, 0.0)
		assert.GreaterOrEqual(t, r.StdDev, 0.0)
	}
	assert.Equal(t, 1, results[0].DeviceID)
	assert.Equal(t, 3, results[1].DeviceID)
}

func TestRun_InvalidOptions(t *testing.T) {
	g := newGroup(t, 0)

	_, err := Run(context.Background(), g, Options{Rounds: 0, Size: 4}, zap.NewNop())
	assert.Error(t, err)
	_, err = Run(context.Background(), g, Options{Rounds: 1, Size: 0}, zap.NewNop())
	assert.Error(t, err)
}

func TestInOrder(t *testing.T) {
	assert.True(t, inOrder(nil))
	assert.True(t, inOrder([]int{0, 1, 2}))
	assert.False(t, inOrder([]int{0, 2, 1}))
}
