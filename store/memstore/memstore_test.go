package memstore_test

import (
	"context"
	"testing"

	"github.com/canturgay/p2pEditor/store"
	"github.com/canturgay/p2pEditor/store/memstore"
	"github.com/stretchr/testify/assert"
)

func TestPutOnce(t *testing.T) {
	m := memstore.New()
	ctx := context.Background()

	node := m.Get("documents", "doc1", "title")
	assert.NoError(t, node.Put(ctx, store.Val("My Doc")))

	val, err := node.Once(ctx)
	assert.NoError(t, err)
	assert.NotNil(t, val)
	assert.Equal(t, "My Doc", *val)
}

func TestOnce_Missing(t *testing.T) {
	m := memstore.New()
	val, err := m.Get("nope").Once(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, val)
}

func TestPut_Tombstone(t *testing.T) {
	m := memstore.New()
	ctx := context.Background()

	node := m.Get("documents", "doc1", "text")
	assert.NoError(t, node.Put(ctx, store.Val("ciphertext")))
	assert.NoError(t, node.Put(ctx, nil))

	val, err := node.Once(ctx)
	assert.NoError(t, err)
	assert.Nil(t, val)
}

func TestOn_DeliversInApplyOrder(t *testing.T) {
	m := memstore.New()
	ctx := context.Background()
	node := m.Get("k")

	var seen []string
	unsub := node.On(func(v *string) {
		if v != nil {
			seen = append(seen, *v)
		}
	})
	defer unsub()

	assert.NoError(t, node.Put(ctx, store.Val("a")))
	assert.NoError(t, node.Put(ctx, store.Val("b")))
	assert.NoError(t, node.Put(ctx, store.Val("c")))

	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestOn_Unsubscribe(t *testing.T) {
	m := memstore.New()
	ctx := context.Background()
	node := m.Get("k")

	calls := 0
	unsub := node.On(func(*string) { calls++ })

	assert.NoError(t, node.Put(ctx, store.Val("a")))
	unsub()
	unsub() // idempotent
	assert.NoError(t, node.Put(ctx, store.Val("b")))

	assert.Equal(t, 1, calls)
}

func TestMerge_LastWriterWins(t *testing.T) {
	m := memstore.New()
	ctx := context.Background()
	path := []string{"documents", "d", "text"}

	applied, err := m.Merge(ctx, path, store.Val("new"), 100)
	assert.NoError(t, err)
	assert.True(t, applied)

	// Older state loses.
	applied, err = m.Merge(ctx, path, store.Val("stale"), 50)
	assert.NoError(t, err)
	assert.False(t, applied)

	val, _ := m.Get(path...).Once(ctx)
	assert.Equal(t, "new", *val)

	state, err := m.State(ctx, path)
	assert.NoError(t, err)
	assert.Equal(t, int64(100), state)
}

func TestMap_EnumeratesBranchChildren(t *testing.T) {
	m := memstore.New()
	ctx := context.Background()

	// Branch children ("documents/<id>") carry no scalar value themselves.
	assert.NoError(t, m.Get("documents", "d1", "title").Put(ctx, store.Val("One")))
	assert.NoError(t, m.Get("documents", "d2", "title").Put(ctx, store.Val("Two")))
	assert.NoError(t, m.Get("documents", "d1", "roles", "pubA").Put(ctx, store.Val("editor")))

	keys := map[string]bool{}
	err := m.Get("documents").Map(ctx, func(key string, value *string) {
		keys[key] = true
		assert.Nil(t, value)
	})
	assert.NoError(t, err)
	assert.Equal(t, map[string]bool{"d1": true, "d2": true}, keys)
}

func TestMap_ScalarChildren(t *testing.T) {
	m := memstore.New()
	ctx := context.Background()

	assert.NoError(t, m.Get("documents", "d1", "keys", "pubA").Put(ctx, store.Val("wrappedA")))
	assert.NoError(t, m.Get("documents", "d1", "keys", "pubB").Put(ctx, store.Val("wrappedB")))

	got := map[string]string{}
	err := m.Get("documents", "d1", "keys").Map(ctx, func(key string, value *string) {
		if value != nil {
			got[key] = *value
		}
	})
	assert.NoError(t, err)
	assert.Equal(t, map[string]string{"pubA": "wrappedA", "pubB": "wrappedB"}, got)
}

func TestWatch_MirrorsAppliedWrites(t *testing.T) {
	m := memstore.New()
	ctx := context.Background()

	type write struct {
		path  string
		value *string
	}
	var writes []write
	unsub := m.Watch(func(path []string, value *string, state int64) {
		writes = append(writes, write{path: store.JoinPath(path), value: value})
		assert.Positive(t, state)
	})
	defer unsub()

	assert.NoError(t, m.Get("a", "b").Put(ctx, store.Val("v")))
	// A losing merge must not reach watchers.
	applied, err := m.Merge(ctx, []string{"a", "b"}, store.Val("stale"), 1)
	assert.NoError(t, err)
	assert.False(t, applied)

	assert.Len(t, writes, 1)
	assert.Equal(t, "a/b", writes[0].path)
	assert.Equal(t, "v", *writes[0].value)
}
