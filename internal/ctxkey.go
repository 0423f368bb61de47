package internal

import (
	"context"
	"fmt"
)

// CtxKey is a context key bound to the type of the value it stores, so that lookups need no type assertion at the
// call site. Two keys are equal only if both their type and name match.
// See: https://adithayyil.tech/posts/go-type-safe-contexts/
type CtxKey[T any] struct {
	name string
}

func NewCtxKey[T any](name string) CtxKey[T] {
	return CtxKey[T]{name: name}
}

func (k CtxKey[T]) String() string {
	return fmt.Sprintf("CtxKey[%T](%s)", *new(T), k.name)
}

// SetCtxKey returns a copy of ctx carrying value under key
func SetCtxKey[T any](ctx context.Context, key CtxKey[T], value T) context.Context {
	return context.WithValue(ctx, key, value)
}

// GetCtxKey returns the value stored under key. The second result is false when ctx carries no such value.
func GetCtxKey[T any](ctx context.Context, key CtxKey[T]) (T, bool) {
	value, ok := ctx.Value(key).(T)
	return value, ok
}
