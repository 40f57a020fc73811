package ingest

import (
	"testing"
	"time"

	"fabric/internal/pack"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	at := time.Unix(1700000000, 0)

	require.True(t, r.Add(2, "10.0.0.2:4000", nil, at))
	require.True(t, r.Add(1, "10.0.0.1:4000", nil, at))
	assert.False(t, r.Add(1, "dup", nil, at))
	assert.Equal(t, 2, r.Len())

	sess, ok := r.Get(1)
	require.True(t, ok)
	assert.False(t, sess.Identified())
	assert.Empty(t, sess.Account)

	login := pack.Login{
		Account:       pack.NewStr16("ACC1"),
		Credential:    pack.NewStr32("secret"),
		ClientType:    pack.NewStr16("api"),
		CorrelationID: pack.NewStr32("corr-7"),
	}
	sess, ok = r.Identify(1, login, at.Add(time.Second))
	require.True(t, ok)
	assert.True(t, sess.Identified())
	assert.Equal(t, "ACC1", sess.Account)
	assert.Equal(t, "secret", sess.Credential)
	assert.Equal(t, "api", sess.ClientType)
	assert.Equal(t, "corr-7", sess.CorrelationID)

	_, ok = r.Identify(9, login, at)
	assert.False(t, ok)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, ConnID(1), snap[0].ID)
	assert.Equal(t, ConnID(2), snap[1].ID)

	removed, ok := r.Remove(1)
	require.True(t, ok)
	assert.Equal(t, "ACC1", removed.Account)
	_, ok = r.Remove(1)
	assert.False(t, ok)

	r.Clear()
	assert.Zero(t, r.Len())
}
