// Package testutil provides shared fixtures for package tests: a store on
// miniredis and scripted serial instruments.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/MazinLab/picturec/pkg/store"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// Env is an isolated store for one test.
type Env struct {
	T      *testing.T
	Redis  *miniredis.Miniredis
	Ctx    context.Context
	cancel context.CancelFunc
}

// NewEnv starts miniredis and registers cleanup. The context is cancelled
// when the test ends.
func NewEnv(t *testing.T) *Env {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start(), "Failed to start miniredis")

	ctx, cancel := context.WithCancel(context.Background())
	env := &Env{T: t, Redis: mr, Ctx: ctx, cancel: cancel}

	t.Cleanup(func() {
		cancel()
		mr.Close()
	})
	return env
}

// Client returns a new store client on the environment's Redis, tagged with
// source.
func (env *Env) Client(source string, opts ...store.Option) *store.Client {
	opts = append([]store.Option{store.WithSource(source)}, opts...)
	c, err := store.NewClient(&redis.Options{Addr: env.Redis.Addr()}, opts...)
	require.NoError(env.T, err, "Failed to create store client")
	env.T.Cleanup(func() { c.Close() })
	return c
}

// Options returns Redis options for the environment.
func (env *Env) Options() *redis.Options {
	return &redis.Options{Addr: env.Redis.Addr()}
}

// WaitForValue polls key until it holds want or the timeout passes.
func (env *Env) WaitForValue(c *store.Client, key store.Key, want string, timeout time.Duration) {
	env.T.Helper()
	require.Eventually(env.T, func() bool {
		e, err := c.Get(env.Ctx, key)
		return err == nil && e.Value == want
	}, timeout, 10*time.Millisecond, "key %s never became %q", key, want)
}

// Value reads key, failing the test if it is unset.
func (env *Env) Value(c *store.Client, key store.Key) string {
	env.T.Helper()
	e, err := c.Get(env.Ctx, key)
	require.NoError(env.T, err, "key %s", key)
	return e.Value
}
