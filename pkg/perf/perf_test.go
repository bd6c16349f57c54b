package perf

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thc1006/testenv/pkg/pool"
	"github.com/thc1006/testenv/pkg/resource"
)

func plainFactory(kind resource.Kind) pool.Factory {
	return func(ctx context.Context) (*resource.Resource, error) {
		return resource.New(uuid.NewString(), kind, nil)
	}
}

func slowFactory(kind resource.Kind, delay time.Duration) pool.Factory {
	return func(ctx context.Context) (*resource.Resource, error) {
		time.Sleep(delay)
		return resource.New(uuid.NewString(), kind, nil)
	}
}

func TestLookupBuiltinProfiles(t *testing.T) {
	for _, name := range []string{ProfileDevelopment, ProfileCIFast, ProfileCIThorough, ProfileProduction} {
		p, err := LookupProfile(name)
		require.NoError(t, err)
		assert.Equal(t, name, p.Name)
		assert.Greater(t, p.PoolMaxSize, p.PoolMinSize)
		assert.Greater(t, p.ConcurrentTests, 0)
	}

	_, err := LookupProfile("turbo")
	assert.Error(t, err)
}

func TestProfileOrderingByScale(t *testing.T) {
	dev, _ := LookupProfile(ProfileDevelopment)
	prod, _ := LookupProfile(ProfileProduction)
	assert.Less(t, dev.PoolMaxSize, prod.PoolMaxSize)
	assert.False(t, dev.EnableMonitoring)
	assert.True(t, prod.EnableMonitoring)
}

func TestLoadProfilesFromYAML(t *testing.T) {
	doc := `
profiles:
  - name: nightly
    pool_min_size: 5
    pool_max_size: 40
    enable_monitoring: true
    concurrent_tests: 12
  - name: smoke
    pool_min_size: 1
    pool_max_size: 2
`
	profiles, err := LoadProfiles(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	nightly := profiles["nightly"]
	assert.Equal(t, 40, nightly.PoolMaxSize)
	assert.True(t, nightly.EnableMonitoring)
	assert.Equal(t, 12, nightly.ConcurrentTests)

	smoke := profiles["smoke"]
	assert.Equal(t, 2, smoke.PoolMaxSize)
	assert.False(t, smoke.EnableMonitoring)
}

func TestLoadProfilesRejectsUnnamed(t *testing.T) {
	_, err := LoadProfiles(strings.NewReader("profiles:\n  - pool_min_size: 1\n"))
	assert.Error(t, err)
}

func TestRegisterPoolUsesProfileSizing(t *testing.T) {
	profile, _ := LookupProfile(ProfileCIFast)
	o := New(profile, nil)
	t.Cleanup(func() { _ = o.Stop(context.Background()) })

	p, err := o.RegisterPool(resource.KindDatabase)
	require.NoError(t, err)

	again, err := o.RegisterPool(resource.KindDatabase)
	require.NoError(t, err)
	assert.Same(t, p, again)
}

func TestAcquireReleaseCapturesTimings(t *testing.T) {
	profile, _ := LookupProfile(ProfileDevelopment)
	o := New(profile, nil)
	t.Cleanup(func() { _ = o.Stop(context.Background()) })

	_, err := o.RegisterPool(resource.KindCache)
	require.NoError(t, err)
	ctx := context.Background()

	res, err := o.Acquire(ctx, resource.KindCache, slowFactory(resource.KindCache, 5*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, o.Release(ctx, res))

	rep := o.Report()
	assert.Equal(t, ProfileDevelopment, rep.Profile)
	assert.GreaterOrEqual(t, rep.AvgCreation[resource.KindCache], 5*time.Millisecond)
	assert.Equal(t, int64(1), rep.PoolStats[resource.KindCache].Misses)

	// The released resource is warm: the next acquire never calls the factory.
	res2, err := o.Acquire(ctx, resource.KindCache, func(context.Context) (*resource.Resource, error) {
		t.Fatal("factory must not run on a pool hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, res.ID(), res2.ID())
	require.NoError(t, o.Release(ctx, res2))
}

func TestAcquireUnregisteredKindFails(t *testing.T) {
	profile, _ := LookupProfile(ProfileDevelopment)
	o := New(profile, nil)
	t.Cleanup(func() { _ = o.Stop(context.Background()) })

	_, err := o.Acquire(context.Background(), resource.KindDatabase, plainFactory(resource.KindDatabase))
	assert.Error(t, err)
}

func TestLowHitRatioProducesRecommendation(t *testing.T) {
	profile, _ := LookupProfile(ProfileDevelopment)
	o := New(profile, nil)
	t.Cleanup(func() { _ = o.Stop(context.Background()) })

	_, err := o.RegisterPool(resource.KindDatabase)
	require.NoError(t, err)
	ctx := context.Background()

	// All misses: acquire fresh resources without ever releasing one back.
	for i := 0; i < 12; i++ {
		res, err := o.Acquire(ctx, resource.KindDatabase, plainFactory(resource.KindDatabase))
		require.NoError(t, err)
		require.NoError(t, res.Cleanup(ctx))
		require.NoError(t, o.Release(ctx, res))
	}

	rep := o.Report()
	require.NotEmpty(t, rep.Recommendations)
	assert.Contains(t, rep.Recommendations[0], "hit ratio")
}

func TestFewOperationsNoRecommendation(t *testing.T) {
	profile, _ := LookupProfile(ProfileDevelopment)
	o := New(profile, nil)
	t.Cleanup(func() { _ = o.Stop(context.Background()) })

	_, err := o.RegisterPool(resource.KindDatabase)
	require.NoError(t, err)
	ctx := context.Background()

	res, err := o.Acquire(ctx, resource.KindDatabase, plainFactory(resource.KindDatabase))
	require.NoError(t, err)
	require.NoError(t, o.Release(ctx, res))

	// A single miss is not a signal; the report stays quiet.
	assert.Empty(t, o.Report().Recommendations)
}

func TestStopShutsDownOwnedPools(t *testing.T) {
	profile, _ := LookupProfile(ProfileCIThorough)
	o := New(profile, nil)
	o.Start()

	p, err := o.RegisterPool(resource.KindCache)
	require.NoError(t, err)
	ctx := context.Background()

	res, err := o.Acquire(ctx, resource.KindCache, plainFactory(resource.KindCache))
	require.NoError(t, err)
	require.NoError(t, o.Release(ctx, res))

	require.NoError(t, o.Stop(ctx))

	assert.False(t, res.Active(), "pooled resources are cleaned on stop")
	_, err = p.Acquire(ctx, plainFactory(resource.KindCache))
	assert.ErrorIs(t, err, pool.ErrPoolClosed)
}
