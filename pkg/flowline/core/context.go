package core

type ctxKey string

const (
	CtxKeyTenant ctxKey = ctxKey("tenant")
	CtxKeyUserID ctxKey = ctxKey("userId")
)
