package server

import "context"

func contextWithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func identityFrom(ctx context.Context) string {
	v, _ := ctx.Value(identityKey).(string)
	return v
}
