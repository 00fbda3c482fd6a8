package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ekaya-inc/ekaya-datasource/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-datasource/pkg/testhelpers"
)

func TestCredentials_NeverPrintSecrets(t *testing.T) {
	creds := &Credentials{Values: map[string]string{"password": "correct-horse-battery"}}

	for _, out := range []string{
		fmt.Sprintf("%v", creds),
		fmt.Sprintf("%+v", creds),
		fmt.Sprintf("%#v", creds),
		fmt.Sprintf("%s", *creds),
		fmt.Sprint(struct{ C *Credentials }{creds}),
	} {
		assert.NotContains(t, out, "correct-horse-battery")
	}

	b, err := json.Marshal(map[string]any{"creds": creds})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "correct-horse-battery")
}

func TestCredentials_Expiry(t *testing.T) {
	now := time.Now()

	explicit := &Credentials{ExpiresAt: now.Add(-time.Minute)}
	assert.True(t, explicit.Expired(now))

	none := &Credentials{Values: map[string]string{"password": "x"}}
	assert.True(t, none.Expiry().IsZero())
	assert.False(t, none.Expired(now))

	valid := &Credentials{Values: map[string]string{"access_token": testhelpers.AccessToken(t, now.Add(time.Hour))}}
	assert.False(t, valid.Expired(now))
	assert.WithinDuration(t, now.Add(time.Hour), valid.Expiry(), time.Second)

	stale := &Credentials{Values: map[string]string{"access_token": testhelpers.AccessToken(t, now.Add(-time.Hour))}}
	assert.True(t, stale.Expired(now))

	opaque := &Credentials{Values: map[string]string{"access_token": "not-a-jwt"}}
	assert.False(t, opaque.Expired(now))
}

func TestCredentials_SecretValuesLongestFirst(t *testing.T) {
	creds := &Credentials{Values: map[string]string{"user": "bob", "password": "bobs-password", "empty": ""}}
	assert.Equal(t, []string{"bobs-password", "bob"}, creds.SecretValues())

	var nilCreds *Credentials
	assert.Nil(t, nilCreds.SecretValues())
}

func TestConnectParams_CredentialsOverlayParams(t *testing.T) {
	cfg := &DataSourceConfig{Params: map[string]any{"Host": "db", "user": "from-params"}}
	creds := &Credentials{Values: map[string]string{"user": "from-creds", "password": "pw"}}

	merged := ConnectParams(cfg, creds)
	assert.Equal(t, "db", merged["host"])
	assert.Equal(t, "from-creds", merged["user"])
	assert.Equal(t, "pw", merged["password"])
}

func TestCredentialStore_ConcurrentRefreshCollapses(t *testing.T) {
	gate := make(chan struct{})
	provider := &fakeProvider{password: "v1", refreshed: "v2", refreshGate: gate}
	var rotations int
	store := newCredentialStore(provider, func(uuid.UUID) { rotations++ }, nil, zaptest.NewLogger(t))
	cfg := testDataSource(uuid.New())
	ctx := context.Background()

	stale, _, err := store.current(ctx, cfg)
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]*Credentials, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			creds, err := store.refresh(ctx, cfg, stale)
			assert.NoError(t, err)
			results[i] = creds
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), provider.refreshes.Load())
	assert.Equal(t, 1, rotations)
	for _, c := range results {
		assert.Equal(t, "v2", c.Get("password"))
	}
	assert.Equal(t, CredentialsAuthenticated, store.state(cfg.ID))
}

func TestCredentialStore_ExpiredCredentialsRefreshOnUse(t *testing.T) {
	provider := &fakeProvider{password: "v1", refreshed: "v2"}
	store := newCredentialStore(provider, nil, nil, zaptest.NewLogger(t))
	cfg := testDataSource(uuid.New())
	ctx := context.Background()

	creds, refreshed, err := store.current(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "v1", creds.Get("password"))
	assert.False(t, refreshed)

	store.expire(cfg.ID)
	assert.Equal(t, CredentialsExpired, store.state(cfg.ID))

	creds, refreshed, err = store.current(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "v2", creds.Get("password"))
	assert.True(t, refreshed)
	assert.Equal(t, int32(1), provider.refreshes.Load())
}

func TestCredentialStore_FailedStateShortCircuits(t *testing.T) {
	provider := &fakeProvider{resolveErr: fmt.Errorf("vault: token=abc123secret denied")}
	store := newCredentialStore(provider, nil, nil, zaptest.NewLogger(t))
	now := time.Now()
	store.now = func() time.Time { return now }
	cfg := testDataSource(uuid.New())
	ctx := context.Background()

	_, _, err := store.current(ctx, cfg)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindAuth))
	assert.NotContains(t, err.Error(), "abc123secret")
	assert.Equal(t, CredentialsFailed, store.state(cfg.ID))

	_, _, err = store.current(ctx, cfg)
	assert.Error(t, err)
	assert.Equal(t, int32(1), provider.resolves.Load(), "provider is not asked again while failed")

	now = now.Add(2 * failedRetryAfter)
	provider.resolveErr = nil
	provider.password = "recovered"
	creds, _, err := store.current(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, "recovered", creds.Get("password"))
}

func TestCredentialStore_RefreshReturningExpiredIsRejected(t *testing.T) {
	provider := &expiredRefreshProvider{}
	store := newCredentialStore(provider, nil, nil, zaptest.NewLogger(t))
	cfg := testDataSource(uuid.New())

	_, err := store.refresh(context.Background(), cfg, nil)
	assert.ErrorIs(t, err, apperrors.ErrCredentialsRejected)
	assert.Equal(t, CredentialsFailed, store.state(cfg.ID))
}

type expiredRefreshProvider struct{}

func (expiredRefreshProvider) Resolve(ctx context.Context, cfg *DataSourceConfig) (*Credentials, error) {
	return &Credentials{}, nil
}

func (expiredRefreshProvider) Refresh(ctx context.Context, cfg *DataSourceConfig) (*Credentials, error) {
	return &Credentials{ExpiresAt: time.Now().Add(-time.Hour)}, nil
}
