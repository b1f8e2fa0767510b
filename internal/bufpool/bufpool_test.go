package bufpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type scratch struct {
	buf []byte
}

func newPool(n int) *Pool[scratch] {
	return New(n, func() *scratch { return &scratch{buf: make([]byte, 0, 16)} },
		func(s *scratch) { s.buf = s.buf[:0] })
}

func TestGetPutReuses(t *testing.T) {
	p := newPool(2)
	ctx := context.Background()
	a, err := p.Get(ctx)
	require.NoError(t, err)
	a.buf = append(a.buf, 1, 2, 3)
	p.Put(a)

	b, err := p.Get(ctx)
	require.NoError(t, err)
	require.Same(t, a, b)
	require.Empty(t, b.buf)
	p.Put(b)
	require.Equal(t, int64(1), p.Stats().Created)
	require.Equal(t, int64(0), p.Stats().InUse)
}

func TestGetBlocksUntilPut(t *testing.T) {
	p := newPool(1)
	ctx := context.Background()
	a, err := p.Get(ctx)
	require.NoError(t, err)

	got := make(chan *scratch)
	go func() {
		b, err := p.Get(ctx)
		if err != nil {
			close(got)
			return
		}
		got <- b
	}()

	select {
	case <-got:
		t.Fatal("Get returned while pool exhausted")
	case <-time.After(20 * time.Millisecond):
	}
	p.Put(a)
	select {
	case b := <-got:
		require.Same(t, a, b)
	case <-time.After(5 * time.Second):
		t.Fatal("Get did not unblock")
	}
	require.Equal(t, int64(1), p.Stats().Waits)
}

func TestGetContextCancelled(t *testing.T) {
	p := newPool(1)
	_, err := p.Get(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = p.Get(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBounded(t *testing.T) {
	p := newPool(3)
	var wg sync.WaitGroup
	var mu sync.Mutex
	peak, cur := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := p.Get(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			cur++
			peak = max(peak, cur)
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			cur--
			mu.Unlock()
			p.Put(s)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, peak, 3)
	require.LessOrEqual(t, p.Stats().Created, int64(3))
}
