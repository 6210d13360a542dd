package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/lotledger/pkg/config"
)

func TestSetNXAndCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	fake := newFakeCommands()
	client := &Client{cmd: fake}

	ok, err := client.SetNX(ctx, "k", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.SetNX(ctx, "k", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err := client.CompareAndDelete(ctx, "k", "owner-b")
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.Equal(t, "owner-a", fake.data["k"])

	deleted, err = client.CompareAndDelete(ctx, "k", "owner-a")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NotContains(t, fake.data, "k")
}

func TestCompareAndDeletePropagatesErrors(t *testing.T) {
	fake := newFakeCommands()
	fake.evalErr = errors.New("NOSCRIPT")
	client := &Client{cmd: fake}

	_, err := client.CompareAndDelete(context.Background(), "k", "v")
	assert.EqualError(t, err, "NOSCRIPT")
}

func TestUninitializedClient(t *testing.T) {
	client := &Client{}
	assert.ErrorIs(t, client.Ping(context.Background()), errNotInitialized)
	_, err := client.SetNX(context.Background(), "k", "v", time.Second)
	assert.ErrorIs(t, err, errNotInitialized)
	assert.NoError(t, client.Close())
}

func TestKeys(t *testing.T) {
	client := &Client{}
	assert.Equal(t, "lotledger:lock:reservation-expiry", client.LockKey("reservation-expiry"))
	assert.Equal(t, "lotledger:lock", client.LockKey(" "))
	assert.Equal(t, "lotledger:a:b", Key("a", "", " b "))
}

func TestOptionsFromConfig(t *testing.T) {
	_, err := optionsFromConfig(config.RedisConfig{})
	require.Error(t, err)

	opts, err := optionsFromConfig(config.RedisConfig{URL: "redis://localhost:6379/2", PoolSize: 7, DialTimeout: time.Second})
	require.NoError(t, err)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)
	assert.Equal(t, time.Second, opts.DialTimeout)

	opts, err = optionsFromConfig(config.RedisConfig{Address: "cache:6379", DB: 3})
	require.NoError(t, err)
	assert.Equal(t, "cache:6379", opts.Addr)
	assert.Equal(t, 3, opts.DB)
}

type fakeCommands struct {
	data    map[string]string
	evalErr error
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{data: make(map[string]string)}
}

func (f *fakeCommands) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeCommands) SetNX(_ context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	if _, exists := f.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

// Eval only understands the compare-and-delete script.
func (f *fakeCommands) Eval(_ context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	if f.evalErr != nil {
		return redis.NewCmdResult(nil, f.evalErr)
	}
	if v, ok := f.data[keys[0]]; ok && v == fmt.Sprint(args[0]) {
		delete(f.data, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}
