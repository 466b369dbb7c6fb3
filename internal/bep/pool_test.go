package bep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_AddGetRemove(t *testing.T) {
	p := NewPool()
	id := testDevice("peer")
	s := stubSession(id)

	assert.Nil(t, p.Add(s))
	assert.Same(t, s, p.Get(id))
	assert.Len(t, p.Sessions(), 1)

	assert.True(t, p.Remove(s))
	assert.False(t, p.Remove(s))
	assert.Nil(t, p.Get(id))

	s.Close()
}

func TestPool_AddReplaces(t *testing.T) {
	p := NewPool()
	id := testDevice("peer")
	first, second := stubSession(id), stubSession(id)

	p.Add(first)
	assert.Same(t, first, p.Add(second))

	first.Close()
	assert.False(t, p.Remove(first), "stale session does not evict its replacement")
	assert.Same(t, second, p.Get(id))

	second.Close()
}

func TestPool_RemovedWhenSessionEnds(t *testing.T) {
	p := NewPool()
	id := testDevice("peer")
	s := stubSession(id)
	p.Add(s)

	s.Close()

	require.Eventually(t, func() bool { return p.Get(id) == nil }, time.Second, time.Millisecond)
}

func TestPool_Usable(t *testing.T) {
	p := NewPool()
	a := stubSession(testDevice("a"), FolderShare{Folder: "docs", Announced: true, Whitelisted: true})
	b := stubSession(testDevice("b"), FolderShare{Folder: "docs", Announced: true})
	c := stubSession(testDevice("c"), FolderShare{Folder: "music", Announced: true, Whitelisted: true})

	for _, s := range []*Session{a, b, c} {
		p.Add(s)
	}
	defer p.CloseAll()

	usable := p.Usable("docs")
	require.Len(t, usable, 1)
	assert.Same(t, a, usable[0])
	assert.Empty(t, p.Usable("photos"))
}

func TestPool_Wait(t *testing.T) {
	p := NewPool()
	id := testDevice("peer")
	s := stubSession(id)
	defer s.Close()

	got := make(chan *Session, 1)

	go func() {
		sess, err := p.Wait(context.Background(), id)
		assert.NoError(t, err)
		got <- sess
	}()

	p.Add(s)

	select {
	case sess := <-got:
		assert.Same(t, s, sess)
	case <-time.After(5 * time.Second):
		t.Fatal("Wait did not return")
	}
}

func TestPool_WaitCancelled(t *testing.T) {
	p := NewPool()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Wait(ctx, testDevice("nobody"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_CloseAll(t *testing.T) {
	p := NewPool()
	a, b := stubSession(testDevice("a")), stubSession(testDevice("b"))
	p.Add(a)
	p.Add(b)

	p.CloseAll()

	assert.Equal(t, StateClosed, a.State())
	assert.Equal(t, StateClosed, b.State())
}
