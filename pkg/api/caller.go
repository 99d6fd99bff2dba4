package api

import "context"

type callerKey struct{}

// WithCaller records the authenticated caller's subject on the context.
// Set by the auth middleware; empty for unauthenticated requests.
func WithCaller(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, callerKey{}, subject)
}

// CallerFrom returns the authenticated subject, or "".
func CallerFrom(ctx context.Context) string {
	subject, _ := ctx.Value(callerKey{}).(string)
	return subject
}
