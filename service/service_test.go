package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freehandle/ledger/chain"
	"github.com/freehandle/ledger/schema"
)

type post struct {
	Author uint32
	Title  string
}

var postMapper = Mapper[post]{
	To: func(p post) schema.Values {
		return schema.Values{"author": p.Author, "title": p.Title}
	},
	From: func(v schema.Values) (post, error) {
		return post{Author: uint32(v["author"].(uint64)), Title: v["title"].(string)}, nil
	},
}

func newServices(t *testing.T) (*Service[post], *Service[schema.Values]) {
	registry := schema.NewRegistry()
	postDef := registry.MustRegister("post", schema.Uint("author", 32), schema.String("title"))
	tagDef := registry.MustRegister("tag", schema.String("name"))
	c, err := chain.Open(chain.Config{ID: 1, Name: "content", Writer: 1, Server: 1, Registry: registry})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	posts, err := New(c, postDef, postMapper)
	require.NoError(t, err)
	tags, err := New(c, tagDef, Values())
	require.NoError(t, err)
	return posts, tags
}

func TestCreateGetUpdate(t *testing.T) {
	posts, _ := newServices(t)
	ctx := context.Background()

	created, err := posts.Create(ctx, post{Author: 3, Title: "draft"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), created.ID)
	assert.Equal(t, uint64(1), created.Sequence)

	updated, err := posts.Update(ctx, created.ID, post{Author: 3, Title: "final"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), updated.Sequence)

	got, err := posts.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, updated, got)

	_, err = posts.Update(ctx, 99, post{Title: "nobody"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteHidesEntity(t *testing.T) {
	posts, _ := newServices(t)
	ctx := context.Background()

	created, err := posts.Create(ctx, post{Author: 1, Title: "gone soon"})
	require.NoError(t, err)
	require.NoError(t, posts.Delete(ctx, created.ID))

	_, err = posts.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, posts.Delete(ctx, created.ID), ErrNotFound)
	_, err = posts.Update(ctx, created.ID, post{Title: "again"})
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := posts.List(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestServicesShareChain(t *testing.T) {
	posts, tags := newServices(t)
	ctx := context.Background()

	first, err := posts.Create(ctx, post{Author: 1, Title: "a"})
	require.NoError(t, err)
	tag, err := tags.Create(ctx, schema.Values{"name": "go"})
	require.NoError(t, err)
	second, err := posts.Create(ctx, post{Author: 2, Title: "b"})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, []uint64{first.ID, tag.ID, second.ID})

	_, err = posts.Get(ctx, tag.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := posts.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Value.Title)
	assert.Equal(t, "b", all[1].Value.Title)

	byAuthor, err := posts.List(ctx, func(e Entity[post]) bool { return e.Value.Author == 2 })
	require.NoError(t, err)
	require.Len(t, byAuthor, 1)
	assert.Equal(t, second.ID, byAuthor[0].ID)

	names, err := tags.List(ctx, nil)
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Equal(t, "go", names[0].Value["name"])
}

func TestCreateRejectsInvalidValues(t *testing.T) {
	_, tags := newServices(t)
	_, err := tags.Create(context.Background(), schema.Values{"name": 12})
	assert.Error(t, err)
}

func TestReplicaRejectsWrites(t *testing.T) {
	registry := schema.NewRegistry()
	def := registry.MustRegister("tag", schema.String("name"))
	c, err := chain.Open(chain.Config{ID: 1, Name: "content", Writer: 2, Server: 1, Registry: registry})
	require.NoError(t, err)
	defer c.Close()
	tags, err := New(c, def, Values())
	require.NoError(t, err)

	_, err = tags.Create(context.Background(), schema.Values{"name": "go"})
	assert.ErrorIs(t, err, chain.ErrNotWriter)
}
