package window

import (
	"context"
	"sync"
	"testing"

	"github.com/matheus3301/msglist/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func seq(from, to int64) []int64 {
	var out []int64
	for k := from; k <= to; k++ {
		out = append(out, k)
	}
	return out
}

func windowKeys(s Snapshot) []int64 {
	out := make([]int64, len(s.Messages))
	for i, m := range s.Messages {
		out[i] = m.OrderKey
	}
	return out
}

func TestInitSplitsAroundReadPosition(t *testing.T) {
	src := newMemSource("r", seq(1, 50)...)
	w := New("r", src, Options{PageSize: 10})

	idx, err := w.Init(context.Background(), 45)
	require.NoError(t, err)

	snap := w.Snapshot()
	assert.Equal(t, seq(41, 50), windowKeys(snap))
	assert.Equal(t, 5, idx, "index of first unread")
	assert.True(t, snap.HasMoreBefore)
	assert.False(t, snap.HasMoreAfter)
	require.NotNil(t, snap.AnchorBefore)
	assert.Equal(t, int64(40), snap.AnchorBefore.OrderKey)
	assert.Equal(t, Exhausted, snap.After)
	assert.Equal(t, Idle, snap.Before)
}

func TestInitAllReadPointsAtLast(t *testing.T) {
	src := newMemSource("r", seq(1, 5)...)
	w := New("r", src, Options{PageSize: 10})

	idx, err := w.Init(context.Background(), 99)
	require.NoError(t, err)
	assert.Equal(t, 4, idx)
	snap := w.Snapshot()
	assert.False(t, snap.HasMoreBefore)
	assert.False(t, snap.HasMoreAfter)
}

func TestInitManyUnread(t *testing.T) {
	src := newMemSource("r", seq(1, 50)...)
	w := New("r", src, Options{PageSize: 10})

	idx, err := w.Init(context.Background(), 5)
	require.NoError(t, err)
	snap := w.Snapshot()
	assert.Equal(t, seq(6, 15), windowKeys(snap))
	assert.Equal(t, 0, idx)
	assert.True(t, snap.HasMoreAfter)
	assert.Equal(t, int64(16), snap.AnchorAfter.OrderKey)
	assert.True(t, snap.HasMoreBefore)
	assert.Equal(t, int64(5), snap.AnchorBefore.OrderKey)
}

func TestLoadForwardAndBackward(t *testing.T) {
	ctx := context.Background()
	src := newMemSource("r", seq(1, 30)...)
	w := New("r", src, Options{PageSize: 10})
	_, err := w.Init(ctx, 15)
	require.NoError(t, err)
	assert.Equal(t, seq(16, 25), windowKeys(w.Snapshot()))

	res, err := w.LoadForward(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Count)
	assert.False(t, w.Snapshot().HasMoreAfter)

	res, err = w.LoadForward(ctx)
	require.NoError(t, err)
	assert.Equal(t, LoadResult{}, res, "exhausted edge loads nothing")

	res, err = w.LoadBackward(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Count)
	assert.Equal(t, seq(6, 30), windowKeys(w.Snapshot()))
}

func TestLoadFailureWrapsStoreUnavailable(t *testing.T) {
	src := newMemSource("r", seq(1, 30)...)
	w := New("r", src, Options{PageSize: 10})
	_, err := w.Init(context.Background(), 5)
	require.NoError(t, err)

	src.setErr(errDown)
	_, err = w.LoadForward(context.Background())
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.ErrorIs(t, err, errDown)
	assert.Equal(t, Failed, w.Snapshot().After)

	src.setErr(nil)
	_, err = w.LoadForward(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Idle, w.Snapshot().After)
}

func TestConcurrentLoadForwardQueriesOnce(t *testing.T) {
	src := newMemSource("r", seq(1, 40)...)
	w := New("r", src, Options{PageSize: 10})
	_, err := w.Init(context.Background(), 0)
	require.NoError(t, err)
	base := src.queryCount()

	gate := make(chan struct{})
	src.setGate(gate)
	var wg sync.WaitGroup
	var first LoadResult
	wg.Add(1)
	go func() {
		defer wg.Done()
		first, _ = w.LoadForward(context.Background())
	}()
	require.Eventually(t, func() bool { return src.queryCount() == base+1 }, timeout, tick)

	second, err := w.LoadForward(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Skipped)

	close(gate)
	wg.Wait()
	assert.Equal(t, 10, first.Count)
	assert.Equal(t, base+1, src.queryCount(), "one store query for two concurrent loads")
}

func TestStaleLoadIsDiscarded(t *testing.T) {
	src := newMemSource("r", seq(1, 40)...)
	w := New("r", src, Options{PageSize: 10})
	_, err := w.Init(context.Background(), 20)
	require.NoError(t, err)

	base := src.queryCount()
	gate := make(chan struct{})
	src.setGate(gate)
	done := make(chan LoadResult)
	go func() {
		res, _ := w.LoadBackward(context.Background())
		done <- res
	}()
	require.Eventually(t, func() bool { return src.queryCount() == base+1 }, timeout, tick)
	assert.Equal(t, Loading, w.Snapshot().Before)

	// A jump resets the window while the backward query is still blocked.
	src.setGate(nil)
	_, err = w.JumpToBottom(context.Background())
	require.NoError(t, err)
	want := windowKeys(w.Snapshot())
	close(gate)

	res := <-done
	assert.True(t, res.Stale)
	assert.Equal(t, want, windowKeys(w.Snapshot()))
}

func TestLiveMessages(t *testing.T) {
	ctx := context.Background()
	src := newMemSource("r", seq(1, 30)...)
	w := New("r", src, Options{PageSize: 10})
	_, err := w.JumpToBottom(ctx)
	require.NoError(t, err)

	live := store.Message{ID: "new", RoomID: "r", OrderKey: 31}
	assert.True(t, w.OnLiveMessage(live), "tail is exhausted, live message extends it")
	assert.False(t, w.OnLiveMessage(live), "identical replay is a no-op")

	edited := live
	edited.Body = "edited"
	assert.True(t, w.OnLiveMessage(edited))

	assert.False(t, w.OnLiveMessage(store.Message{ID: "x", RoomID: "other", OrderKey: 40}))
	assert.False(t, w.OnLiveMessage(store.Message{ID: "old", RoomID: "r", OrderKey: 2}),
		"before the loaded range with more history")

	_, err = w.JumpTo(ctx, 5)
	require.NoError(t, err)
	assert.False(t, w.OnLiveMessage(store.Message{ID: "far", RoomID: "r", OrderKey: 32}),
		"tail has more history, live message is not adjacent")
}

func TestJumpTo(t *testing.T) {
	ctx := context.Background()
	src := newMemSource("r", seq(1, 100)...)
	w := New("r", src, Options{PageSize: 10})

	idx, err := w.JumpTo(ctx, 50)
	require.NoError(t, err)
	snap := w.Snapshot()
	assert.Equal(t, int64(50), snap.Messages[idx].OrderKey)
	assert.Equal(t, uint64(1), snap.Version)

	_, err = w.JumpTo(ctx, 1000)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMaxSizeTrims(t *testing.T) {
	ctx := context.Background()
	src := newMemSource("r", seq(1, 100)...)
	w := New("r", src, Options{PageSize: 10, MaxSize: 20})
	_, err := w.Init(ctx, 0)
	require.NoError(t, err)

	for range 3 {
		_, err := w.LoadForward(ctx)
		require.NoError(t, err)
	}
	snap := w.Snapshot()
	assert.Equal(t, seq(21, 40), windowKeys(snap))
	assert.True(t, snap.HasMoreBefore)
	assert.Equal(t, int64(20), snap.AnchorBefore.OrderKey)
}

func TestOnDeleted(t *testing.T) {
	src := newMemSource("r", seq(1, 5)...)
	w := New("r", src, Options{PageSize: 10})
	_, err := w.JumpToBottom(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, w.OnDeleted([]string{idFor(2), idFor(4), "missing"}))
	assert.Equal(t, []int64{1, 3, 5}, windowKeys(w.Snapshot()))
}

func TestDeletedAnchorIsRefetched(t *testing.T) {
	ctx := context.Background()
	src := newMemSource("r", seq(1, 30)...)
	w := New("r", src, Options{PageSize: 10})
	_, err := w.JumpToBottom(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(20), w.Snapshot().AnchorBefore.OrderKey)

	src.remove(idFor(20))
	assert.Zero(t, w.OnDeleted([]string{idFor(20)}))
	changed, err := w.RefreshAnchors(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	snap := w.Snapshot()
	require.NotNil(t, snap.AnchorBefore)
	assert.Equal(t, int64(19), snap.AnchorBefore.OrderKey)
	assert.True(t, snap.HasMoreBefore)

	var older []string
	for k := int64(1); k <= 19; k++ {
		older = append(older, idFor(k))
	}
	src.remove(older...)
	w.OnDeleted(older)
	_, err = w.RefreshAnchors(ctx)
	require.NoError(t, err)
	snap = w.Snapshot()
	assert.Nil(t, snap.AnchorBefore)
	assert.False(t, snap.HasMoreBefore, "nothing left before the window")
	assert.Equal(t, Exhausted, snap.Before)

	changed, err = w.RefreshAnchors(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestEmptiedWindowContinuesFromItsRange(t *testing.T) {
	ctx := context.Background()
	src := newMemSource("r", seq(1, 30)...)
	w := New("r", src, Options{PageSize: 10})
	_, err := w.JumpTo(ctx, 11)
	require.NoError(t, err)
	require.Equal(t, seq(11, 20), windowKeys(w.Snapshot()))

	var loaded []string
	for k := int64(11); k <= 20; k++ {
		loaded = append(loaded, idFor(k))
	}
	src.remove(loaded...)
	assert.Equal(t, 10, w.OnDeleted(loaded))

	res, err := w.LoadForward(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Count)
	snap := w.Snapshot()
	assert.Equal(t, seq(21, 30), windowKeys(snap))
	assert.True(t, snap.HasMoreBefore)

	_, err = w.LoadBackward(ctx)
	require.NoError(t, err)
	assert.Equal(t, append(seq(1, 10), seq(21, 30)...), windowKeys(w.Snapshot()))
}

// The loaded slice always equals a contiguous run of the store, whatever
// sequence of loads, live inserts, trims and jumps produced it.
func TestWindowStaysContiguous(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		n := rapid.IntRange(0, 80).Draw(t, "n")
		var keys []int64
		for i := 1; i <= n; i++ {
			keys = append(keys, int64(i*10))
		}
		src := newMemSource("r", keys...)
		page := rapid.IntRange(1, 12).Draw(t, "page")
		maxSize := rapid.SampledFrom([]int{0, page, 2 * page, 3 * page}).Draw(t, "max")
		w := New("r", src, Options{PageSize: page, MaxSize: maxSize})
		next := int64(n*10 + 10)

		ops := rapid.SliceOfN(rapid.IntRange(0, 7), 1, 40).Draw(t, "ops")
		for _, op := range ops {
			switch op {
			case 0:
				_, _ = w.LoadForward(ctx)
			case 1:
				_, _ = w.LoadBackward(ctx)
			case 2:
				m := store.Message{ID: idFor(next), RoomID: "r", OrderKey: next}
				next += 10
				src.add(m)
				w.OnLiveMessage(m)
			case 3:
				k := rapid.Int64Range(1, next).Draw(t, "mid")
				if k%10 == 0 {
					k++
				}
				m := store.Message{ID: idFor(k) + "-mid", RoomID: "r", OrderKey: k}
				if !containsKey(src.keys(), k) {
					src.add(m)
					w.OnLiveMessage(m)
				}
			case 4:
				_, _ = w.JumpToBottom(ctx)
			case 5:
				_, _ = w.Init(ctx, rapid.Int64Range(0, next).Draw(t, "read"))
			case 6:
				all := src.keys()
				if len(all) > 0 {
					_, _ = w.JumpTo(ctx, rapid.SampledFrom(all).Draw(t, "jump"))
				}
			case 7:
				all := src.keys()
				if len(all) > 0 {
					k := rapid.SampledFrom(all).Draw(t, "delete")
					id := src.idOf(k)
					src.remove(id)
					w.OnDeleted([]string{id})
					_, _ = w.RefreshAnchors(ctx)
				}
			}
			checkContiguous(t, w.Snapshot(), src.keys(), maxSize)
		}
	})
}

func containsKey(keys []int64, k int64) bool {
	for _, v := range keys {
		if v == k {
			return true
		}
	}
	return false
}

func checkContiguous(t *rapid.T, snap Snapshot, all []int64, maxSize int) {
	got := windowKeys(snap)
	if maxSize > 0 && len(got) > maxSize {
		t.Fatalf("window has %d rows, max %d", len(got), maxSize)
	}
	if len(got) == 0 {
		return
	}
	start := -1
	for i, k := range all {
		if k == got[0] {
			start = i
			break
		}
	}
	if start < 0 || start+len(got) > len(all) {
		t.Fatalf("window %v not inside store %v", got, all)
	}
	for i, k := range got {
		if all[start+i] != k {
			t.Fatalf("window %v is not a contiguous run of %v", got, all)
		}
	}
	if !snap.HasMoreBefore && start != 0 {
		t.Fatalf("HasMoreBefore=false but %d older rows exist", start)
	}
	if !snap.HasMoreAfter && start+len(got) != len(all) {
		t.Fatalf("HasMoreAfter=false but newer rows exist: window %v store %v", got, all)
	}
}
