package persistence

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewBadgerStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestObjectRoundTrip(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SaveObjects(map[ObjectType][]byte{
		ObjectTradesOpen: []byte(`[{"id":"t1"}]`),
		ObjectStrategies: []byte(`{}`),
	}))

	blob, err := store.LoadObject(ObjectTradesOpen)
	require.NoError(t, err)
	assert.Equal(t, []byte(`[{"id":"t1"}]`), blob)
}

func TestLoadObjectAbsentReturnsNil(t *testing.T) {
	store := openTestStore(t)

	blob, err := store.LoadObject(ObjectVirtualBalances)
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestSaveObjectsOverwrites(t *testing.T) {
	store := openTestStore(t)

	require.NoError(t, store.SaveObjects(map[ObjectType][]byte{ObjectStrategies: []byte("v1")}))
	require.NoError(t, store.SaveObjects(map[ObjectType][]byte{ObjectStrategies: []byte("v2")}))

	blob, err := store.LoadObject(ObjectStrategies)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), blob)
}

func TestRecordsAppendInOrder(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendRecord(RecordTransactions, []byte(fmt.Sprintf("row-%d", i)), 0))
	}

	rows, err := store.LoadRecords(RecordTransactions, 0)
	require.NoError(t, err)
	require.Len(t, rows, 5)
	assert.Equal(t, []byte("row-0"), rows[0])
	assert.Equal(t, []byte("row-4"), rows[4])
}

func TestLoadRecordsLimitKeepsNewest(t *testing.T) {
	store := openTestStore(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, store.AppendRecord(RecordTransactions, []byte(fmt.Sprintf("row-%d", i)), 0))
	}

	rows, err := store.LoadRecords(RecordTransactions, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []byte("row-3"), rows[0])
	assert.Equal(t, []byte("row-4"), rows[1])
}

func TestAppendRecordPrunesOldestBeyondMax(t *testing.T) {
	store := openTestStore(t)

	const maxRows = 20
	for i := 0; i < maxRows+5; i++ {
		require.NoError(t, store.AppendRecord(RecordTransactions, []byte(fmt.Sprintf("row-%d", i)), maxRows))
	}

	rows, err := store.LoadRecords(RecordTransactions, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(rows), maxRows)
	// The newest row always survives pruning.
	assert.Equal(t, []byte(fmt.Sprintf("row-%d", maxRows+4)), rows[len(rows)-1])
}
