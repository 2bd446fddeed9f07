package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canturgay/p2pEditor/models"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

func TestCatalogDiscoversOwnedDocuments(t *testing.T) {
	svc, _, _, mgr := setupService(t)
	ctx := context.Background()
	alice := newIdentity(t, mgr, "alice")

	first, err := svc.CreateDocument(ctx, alice, "First")
	require.NoError(t, err)
	second, err := svc.CreateDocument(ctx, alice, "Second")
	require.NoError(t, err)

	catalog := svc.NewCatalog(alice)
	defer catalog.Close()
	catalog.Load(ctx)

	// Both discovery paths race to the same two entries; duplicates
	// collapse by document id.
	require.Eventually(t, func() bool {
		return len(catalog.Documents()) == 2
	}, waitFor, tick)

	byId := map[string]models.DocumentMeta{}
	for _, meta := range catalog.Documents() {
		byId[meta.Id] = meta
	}
	assert.Equal(t, "First", byId[first.Id].Title)
	assert.Equal(t, "Second", byId[second.Id].Title)
	assert.True(t, byId[first.Id].IsOwner)
	assert.True(t, byId[second.Id].IsOwner)
}

func TestCatalogDiscoversSharedDocuments(t *testing.T) {
	svc, _, _, mgr := setupService(t)
	ctx := context.Background()
	alice := newIdentity(t, mgr, "alice")
	bob := newIdentity(t, mgr, "bob")

	doc, err := svc.CreateDocument(ctx, alice, "Shared")
	require.NoError(t, err)
	require.NoError(t, svc.ShareKey(ctx, alice, doc.Id, "bob", models.RoleEditor))

	// Sharing writes no back-reference on the recipient's profile; the
	// scan path has to find it.
	catalog := svc.NewCatalog(bob)
	defer catalog.Close()
	catalog.Load(ctx)

	require.Eventually(t, func() bool {
		docs := catalog.Documents()
		return len(docs) == 1 && docs[0].Role == models.RoleEditor
	}, waitFor, tick)

	docs := catalog.Documents()
	assert.Equal(t, doc.Id, docs[0].Id)
	assert.Equal(t, "Shared", docs[0].Title)
	assert.False(t, docs[0].IsOwner)
}

func TestCatalogTracksRoleChangesLive(t *testing.T) {
	svc, _, _, mgr := setupService(t)
	ctx := context.Background()
	alice := newIdentity(t, mgr, "alice")
	bob := newIdentity(t, mgr, "bob")

	doc, err := svc.CreateDocument(ctx, alice, "Shared")
	require.NoError(t, err)
	require.NoError(t, svc.ShareKey(ctx, alice, doc.Id, "bob", models.RoleEditor))

	catalog := svc.NewCatalog(bob)
	defer catalog.Close()

	changed := make(chan struct{}, 16)
	catalog.OnChange(func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	catalog.Load(ctx)

	require.Eventually(t, func() bool {
		return len(catalog.Documents()) == 1
	}, waitFor, tick)

	require.NoError(t, svc.SetRole(ctx, doc.Id, bob.Pub(), models.RoleViewer))
	require.Eventually(t, func() bool {
		docs := catalog.Documents()
		return len(docs) == 1 && docs[0].Role == models.RoleViewer
	}, waitFor, tick)
	assert.NotEmpty(t, changed)
}

func TestCatalogCloseStopsUpdates(t *testing.T) {
	svc, _, _, mgr := setupService(t)
	ctx := context.Background()
	alice := newIdentity(t, mgr, "alice")
	bob := newIdentity(t, mgr, "bob")

	doc, err := svc.CreateDocument(ctx, alice, "Shared")
	require.NoError(t, err)
	require.NoError(t, svc.ShareKey(ctx, alice, doc.Id, "bob", models.RoleEditor))

	catalog := svc.NewCatalog(bob)
	catalog.Load(ctx)
	require.Eventually(t, func() bool {
		return len(catalog.Documents()) == 1
	}, waitFor, tick)

	catalog.Close()
	require.NoError(t, svc.SetRole(ctx, doc.Id, bob.Pub(), models.RoleViewer))
	time.Sleep(50 * time.Millisecond)

	docs := catalog.Documents()
	require.Len(t, docs, 1)
	assert.Equal(t, models.RoleEditor, docs[0].Role)
}
