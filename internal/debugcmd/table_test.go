package debugcmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/pulsefit/internal/circuit"
	"github.com/rcourtman/pulsefit/internal/platform"
	"github.com/rcourtman/pulsefit/internal/requests"
	"github.com/rcourtman/pulsefit/internal/subscription"
	"github.com/rcourtman/pulsefit/internal/versionguard"
)

type memoryStore struct {
	records map[string]*subscription.Record
}

func (m *memoryStore) ReadRecord(_ context.Context, userID string) (*subscription.Record, error) {
	return m.records[userID].Clone(), nil
}

func (m *memoryStore) WriteRecord(context.Context, string, map[string]any, bool) error {
	return nil
}

func (m *memoryStore) WatchRecord(string, func(*subscription.Record), func(error)) func() {
	return func() {}
}

func TestDispatchRoutesAndReportsUnknown(t *testing.T) {
	table := NewTable()
	table.Register("echo", "<word>", "repeat a word", func(_ context.Context, args []string) (any, error) {
		if len(args) != 1 {
			return nil, ErrUsage
		}
		return args[0], nil
	})

	out, err := table.Dispatch(context.Background(), "echo", []string{"hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = table.Dispatch(context.Background(), "echo", nil)
	require.ErrorIs(t, err, ErrUsage)
	assert.Contains(t, err.Error(), "echo <word>")

	_, err = table.Dispatch(context.Background(), "nope", nil)
	require.ErrorIs(t, err, ErrUnknownCommand)
	assert.Contains(t, err.Error(), "echo")

	assert.Contains(t, table.Help(), "repeat a word")
}

func TestHandlerErrorsPassThrough(t *testing.T) {
	boom := errors.New("boom")
	table := NewTable()
	table.Register("fail", "", "", func(context.Context, []string) (any, error) { return nil, boom })

	_, err := table.Dispatch(context.Background(), "fail", nil)
	assert.ErrorIs(t, err, boom)
}

func TestStandardSkipsMissingSources(t *testing.T) {
	assert.Empty(t, Standard(Sources{}).Names())
}

func TestStandardServiceCommands(t *testing.T) {
	store := &memoryStore{records: map[string]*subscription.Record{
		"u1": {SubscriptionID: "sub_1", Status: "active", FreeUseLimit: 3},
	}}
	svc := subscription.NewService(subscription.DefaultConfig(), subscription.Dependencies{Store: store})
	t.Cleanup(svc.Close)
	ctx := context.Background()

	_, err := svc.Get(ctx, "u1")
	require.NoError(t, err)

	table := Standard(Sources{Service: svc})

	out, err := table.Dispatch(ctx, "cache-stats", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, out.(requests.Stats).Entries)

	out, err = table.Dispatch(ctx, "cache-inspect", []string{"u1"})
	require.NoError(t, err)
	assert.Equal(t, subscription.CacheKey("u1"), out.(requests.EntryInfo).Key)

	out, err = table.Dispatch(ctx, "recall", []string{"subscription_id"})
	require.NoError(t, err)
	assert.Equal(t, "sub_1", out)

	out, err = table.Dispatch(ctx, "breakers", nil)
	require.NoError(t, err)
	statuses := out.([]circuit.Status)
	require.Len(t, statuses, 1)
	assert.Equal(t, "closed", statuses[0].State)

	out, err = table.Dispatch(ctx, "listeners", []string{"u1"})
	require.NoError(t, err)
	assert.Equal(t, 0, out)

	out, err = table.Dispatch(ctx, "cache-clear", nil)
	require.NoError(t, err)
	assert.Zero(t, out.(requests.Stats).Entries)

	_, err = table.Dispatch(ctx, "cache-inspect", []string{"u1"})
	assert.Error(t, err)
}

func TestStandardGuardAndPlatformCommands(t *testing.T) {
	storage, err := platform.OpenStorage(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	p := platform.New(storage, platform.StampSource{Version: "2.0.0"})
	p.RegisterWorker("sweeper", func() {})
	g := versionguard.New(p)
	table := Standard(Sources{Guard: g, Platform: p})
	ctx := context.Background()

	out, err := table.Dispatch(ctx, "check-version", nil)
	require.NoError(t, err)
	assert.Equal(t, versionReport{Purged: false}, out)

	out, err = table.Dispatch(ctx, "cleared-at", nil)
	require.NoError(t, err)
	assert.Equal(t, "never", out)

	out, err = table.Dispatch(ctx, "workers", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"sweeper"}, out)

	out, err = table.Dispatch(ctx, "stamp", nil)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", out.(platform.VersionStamp).Version)
}
