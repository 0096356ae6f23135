package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate_SharedChildSplitAcrossOwners(t *testing.T) {
	root := New("root", nil)
	taskA := New("task-a", root)
	taskB := New("task-b", root)

	// un noeud de téléchargement partagé par deux tâches
	shared := New("chunk", taskA)
	taskB.AddChild(shared)

	shared.UseDownstream(1000)
	taskA.UseDownstream(100)

	now := time.Now().Add(time.Second)
	root.Aggregate(now)

	assert.Equal(t, uint64(600), taskA.Total().Downstream)
	assert.Equal(t, uint64(500), taskB.Total().Downstream)
	assert.Equal(t, uint64(1100), root.Total().Downstream)
	assert.Equal(t, uint64(1000), shared.Total().Downstream)
	assert.Greater(t, root.LatestUsage().Downstream, uint64(0))
}

func TestAggregate_SameInstantIsIdempotent(t *testing.T) {
	parent := New("parent", nil)
	child := New("child", parent)
	child.UseUpstream(300)

	now := time.Now().Add(time.Second)
	parent.Aggregate(now)
	parent.Aggregate(now)
	assert.Equal(t, uint64(300), parent.Total().Upstream)
}

func TestRemoveChild(t *testing.T) {
	parent := New("parent", nil)
	child := New("child", parent)
	require.Equal(t, 1, parent.Children())

	assert.True(t, parent.RemoveChild(child))
	assert.False(t, parent.RemoveChild(child))
	child.UseDownstream(50)
	parent.Aggregate(time.Now().Add(time.Second))
	assert.Equal(t, uint64(0), parent.Total().Downstream)
}

func TestAvgUsage_IncludesPending(t *testing.T) {
	m := New("m", nil)
	m.UseDownstream(2000)
	avg := m.AvgUsage(m.created.Add(2 * time.Second))
	assert.Equal(t, uint64(1000), avg.Downstream)
}
