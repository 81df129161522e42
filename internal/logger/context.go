package logger

import "context"

type ctxKey string

const (
	traceIDKey        ctxKey = "trace_id"
	tillIDKey         ctxKey = "till_id"
	actionIDKey       ctxKey = "action_id"
	confirmationIDKey ctxKey = "confirmation_id"
	workerIDKey       ctxKey = "worker_id"
)

var fieldKeys = []ctxKey{traceIDKey, tillIDKey, actionIDKey, confirmationIDKey}

// WithTraceID 注入 trace_id。
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// WithTillID 注入 till_id。
func WithTillID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, tillIDKey, id)
}

// WithActionID 注入 action_id。
func WithActionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, actionIDKey, id)
}

// WithConfirmationID 注入 confirmation_id。
func WithConfirmationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, confirmationIDKey, id)
}

// WithWorkerID 注入 worker_id。
func WithWorkerID(ctx context.Context, id int) context.Context {
	return context.WithValue(ctx, workerIDKey, id)
}

// TraceID 读取 trace_id；未设置返回空串。
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}
