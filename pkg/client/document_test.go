package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/roomsync/pkg/replica"
)

func seedSnapshot(t *testing.T) []byte {
	t.Helper()
	doc, err := replica.NewDocument()
	require.NoError(t, err)
	return doc.Save()
}

func TestDocumentsExchangeDeltas(t *testing.T) {
	t.Parallel()

	seed := seedSnapshot(t)
	a, err := LoadDocument(seed)
	require.NoError(t, err)
	b, err := LoadDocument(seed)
	require.NoError(t, err)

	delta, err := a.Insert(0, "hello")
	require.NoError(t, err)
	require.NoError(t, b.Apply(delta))

	delta, err = b.Delete(0, 1)
	require.NoError(t, err)
	require.NoError(t, a.Apply(delta))

	for _, d := range []*Document{a, b} {
		text, err := d.Text()
		require.NoError(t, err)
		assert.Equal(t, "ello", text)
	}
	assert.Equal(t, a.Heads(), b.Heads())
}

func TestMergeSnapshotKeepsLocalEdits(t *testing.T) {
	t.Parallel()

	seed := seedSnapshot(t)
	local, err := LoadDocument(seed)
	require.NoError(t, err)
	remote, err := LoadDocument(seed)
	require.NoError(t, err)

	_, err = local.Insert(0, "mine")
	require.NoError(t, err)
	_, err = remote.Insert(0, "theirs")
	require.NoError(t, err)

	require.NoError(t, local.MergeSnapshot(remote.Save()))
	text, err := local.Text()
	require.NoError(t, err)
	assert.Len(t, text, len("minetheirs"))
	assert.Contains(t, []string{"minetheirs", "theirsmine"}, text)
}

func TestApplyRejectsGarbage(t *testing.T) {
	t.Parallel()

	d, err := LoadDocument(seedSnapshot(t))
	require.NoError(t, err)
	require.ErrorIs(t, d.Apply([]byte("not a change")), replica.ErrMalformedDelta)
}
