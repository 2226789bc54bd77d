package phruntime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/phineas/pkg/phconfig"
	"github.com/cuemby/phineas/pkg/queue"
)

func TestRuntimeStateTransitions(t *testing.T) {
	tree, err := phconfig.Parse([]byte("Phineas:\n  Organization: Acme\n"))
	require.NoError(t, err)
	root, _ := tree.Sub("Phineas")
	cfg := phconfig.New(root)

	rt := New(cfg, queue.NewRegistry(), nil)
	assert.Equal(t, StateInit, rt.State())
	assert.False(t, rt.ShuttingDown())

	rt.SetState(StateRunning)
	assert.False(t, rt.ShuttingDown())

	rt.SetState(StateShutdown)
	assert.True(t, rt.ShuttingDown())
}

func TestRuntimePoolIsMemoizedByName(t *testing.T) {
	tree, _ := phconfig.Parse([]byte("Phineas:\n  Organization: Acme\n"))
	root, _ := tree.Sub("Phineas")
	cfg := phconfig.New(root)
	rt := New(cfg, queue.NewRegistry(), nil)

	a := rt.Pool("receiver", 4, time.Second)
	b := rt.Pool("receiver", 99, time.Hour)
	assert.Same(t, a, b)

	rt.StopAllPools()
}

func TestRuntimeShutdownClosesQueues(t *testing.T) {
	tree, _ := phconfig.Parse([]byte("Phineas:\n  Organization: Acme\n"))
	root, _ := tree.Sub("Phineas")
	cfg := phconfig.New(root)
	rt := New(cfg, queue.NewRegistry(), nil)

	rt.Pool("p1", 2, time.Second)
	require.NoError(t, rt.Shutdown())
	assert.Equal(t, StateShutdown, rt.State())
}
