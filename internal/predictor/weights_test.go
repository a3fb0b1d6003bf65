package predictor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeightStore_SaveLoadLatestAndPurge(t *testing.T) {
	dir := t.TempDir()
	store := NewWeightStore(dir, 2, nil)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return clock }

	var last *Network
	for i := 0; i < 4; i++ {
		last = NewNetwork(2, 4, 3, OutputSoftmax, int64(i))
		_, err := store.Save(last)
		require.NoError(t, err)
		clock = clock.Add(time.Minute)
	}

	versions, err := store.Versions()
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, filepath.Join(dir, "20240301T120300.000Z"), versions[1])

	loaded := NewNetwork(2, 4, 3, OutputSoftmax, 42)
	path, err := store.LoadLatest(loaded)
	require.NoError(t, err)
	assert.Equal(t, versions[1], path)

	x := [][]float64{{0.3, -0.2}}
	want, _ := last.Predict(x)
	got, _ := loaded.Predict(x)
	assert.InDeltaSlice(t, want[0], got[0], 1e-12)
}

func TestWeightStore_IgnoresIncompleteAndForeignFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "20240301T120000.000Z.index"), []byte("inputs: 1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.index"), nil, 0o644))

	store := NewWeightStore(dir, 1, nil)
	versions, err := store.Versions()
	require.NoError(t, err)
	assert.Empty(t, versions)

	_, err = store.LoadLatest(NewNetwork(1, 1, 1, OutputLinear, 1))
	assert.ErrorIs(t, err, ErrNoWeights)
}

func TestWeightStore_MissingDirIsEmpty(t *testing.T) {
	store := NewWeightStore(filepath.Join(t.TempDir(), "absent"), 1, nil)
	versions, err := store.Versions()
	require.NoError(t, err)
	assert.Empty(t, versions)
}
