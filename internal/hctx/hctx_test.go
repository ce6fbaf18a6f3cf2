package hctx

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestState_NewAndWithFrom(t *testing.T) {
	st := New()
	require.NotNil(t, st)
	st.SetResult([]byte("x"))

	ctx := WithState(context.Background(), st)
	got, ok := From(ctx)
	require.True(t, ok, "From should find state")
	require.Same(t, st, got, "should retrieve the same pointer")
	require.Equal(t, []byte("x"), got.Result())
}

func TestState_From_Absent(t *testing.T) {
	ctx := context.Background()
	st, ok := From(ctx)
	require.False(t, ok)
	require.Nil(t, st)
}

func TestState_ResultIsCopied(t *testing.T) {
	st := New()
	b := []byte("abc")
	st.SetResult(b)
	b[0] = 'z'
	out := st.Result()
	require.Equal(t, "abc", string(out))
	out[0] = 'q'
	require.Equal(t, "abc", string(st.Result()))
}

func TestState_ConcurrentLogs(t *testing.T) {
	st := New()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			st.AppendLog("line")
		}()
	}
	wg.Wait()
	require.Len(t, st.Logs(), 20)
}
