package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	m := New()
	families, err := m.Registry.Gather()
	assert.NoError(t, err)
	assert.Len(t, families, 7)
}

func TestSnapshotReflectsIncrements(t *testing.T) {
	m := New()
	m.Elections.Add(2)
	m.ElectionsWon.Inc()
	m.QuorumFailures.Inc()
	m.WritesTotal.Add(5)
	m.SearchesPartial.Inc()
	m.DirectoryUpdates.Add(3)

	snap := m.Snapshot()
	assert.Equal(t, 2.0, snap.Elections)
	assert.Equal(t, 1.0, snap.ElectionsWon)
	assert.Equal(t, 1.0, snap.QuorumFailures)
	assert.Equal(t, 5.0, snap.WritesTotal)
	assert.Equal(t, 1.0, snap.SearchesPartial)
	assert.Equal(t, 3.0, snap.DirectoryUpdates)
}

func TestSnapshotStartsAtZero(t *testing.T) {
	m := New()
	snap := m.Snapshot()
	assert.Zero(t, snap.Elections)
	assert.Zero(t, snap.ElectionsWon)
	assert.Zero(t, snap.QuorumFailures)
	assert.Zero(t, snap.WritesTotal)
	assert.Zero(t, snap.SearchesPartial)
	assert.Zero(t, snap.DirectoryUpdates)
}
