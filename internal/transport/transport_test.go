package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlainTextFallback_StripsTagsAndDecodesMinimalEntities(t *testing.T) {
	html := `<p>Hello&nbsp;<b>World</b> &amp; friends &lt;3&gt; &quot;quoted&quot;</p>`
	got := PlainTextFallback(html)
	require.Equal(t, `Hello World & friends <3> "quoted"`, got)
}

func TestFromHeader_OmitsQuotesWhenNameEmpty(t *testing.T) {
	require.Equal(t, "a@b.com", FromHeader("", "a@b.com"))
	require.Equal(t, `"Jane Doe" <a@b.com>`, FromHeader("Jane Doe", "a@b.com"))
}

type fakeAdapter struct {
	closed bool
}

func (f *fakeAdapter) Send(ctx context.Context, env Envelope) (Result, error) {
	return Result{Success: true, MessageID: "fake-id"}, nil
}

func (f *fakeAdapter) Close() error {
	f.closed = true
	return nil
}

func TestPool_ReusesAdapterForSameKey(t *testing.T) {
	builds := 0
	var built []*fakeAdapter
	pool := NewPool(func(ctx context.Context, cfg SenderConfig) (Adapter, error) {
		builds++
		a := &fakeAdapter{}
		built = append(built, a)
		return a, nil
	})

	cfg := SenderConfig{Host: "smtp.example.com", Port: 587, User: "u1"}
	a1, err := pool.Get(context.Background(), cfg)
	require.NoError(t, err)
	a2, err := pool.Get(context.Background(), cfg)
	require.NoError(t, err)

	require.Same(t, a1, a2)
	require.Equal(t, 1, builds)

	require.NoError(t, pool.Close())
	require.True(t, built[0].closed)
}

func TestPool_DifferentTuplesGetDifferentAdapters(t *testing.T) {
	pool := NewPool(func(ctx context.Context, cfg SenderConfig) (Adapter, error) {
		return &fakeAdapter{}, nil
	})

	a1, err := pool.Get(context.Background(), SenderConfig{Host: "a", Port: 587, User: "u1"})
	require.NoError(t, err)
	a2, err := pool.Get(context.Background(), SenderConfig{Host: "b", Port: 587, User: "u1"})
	require.NoError(t, err)
	require.NotSame(t, a1, a2)
}
