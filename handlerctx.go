package fleetq

import (
	"context"
	"fmt"

	"github.com/UniQw/fleetq/internal/hctx"
)

// SetResult encodes the provided value using the default JSON encoder and
// attaches it as the handler result. It is safe to call multiple times; last wins.
// It is a no-op if the context was not created by an Executor.
func SetResult(ctx context.Context, v any) error {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return nil
	}
	var enc Encoder = &JSONEncoder{}
	b, err := enc.Encode(v)
	if err != nil {
		return err
	}
	st.SetResult(b)
	return nil
}

// SetResultBytes attaches raw JSON bytes as the handler result without encoding.
// It is a no-op if the context was not created by an Executor.
func SetResultBytes(ctx context.Context, b []byte) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	st.SetResult(b)
}

// Logf appends a line to the task's result logs.
// It is a no-op if the context was not created by an Executor.
func Logf(ctx context.Context, format string, args ...any) {
	st, ok := hctx.From(ctx)
	if !ok || st == nil {
		return
	}
	st.AppendLog(fmt.Sprintf(format, args...))
}
