package discovery

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/nobletooth/ledgerview/pkg/ledger"
	"github.com/nobletooth/ledgerview/pkg/metadata"
	"github.com/nobletooth/ledgerview/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCID = "QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"

func newTestResolver() (*metadata.Resolver, *fakeFetcher) {
	fetcher := &fakeFetcher{responses: map[string]metadata.Response{
		"https://gw.example/ipfs/" + testCID + "/1.json": {StatusCode: http.StatusOK, ContentType: "application/json",
			Body: []byte(`{"name":"First","image":"ipfs://` + testCID + `/1.png"}`)},
		"https://gw.example/ipfs/" + testCID + "/2.png": {StatusCode: http.StatusOK, ContentType: "image/png",
			Body: []byte("\x89PNG\r\n\x1a\n")},
	}}
	return metadata.NewResolver(fetcher, metadata.Options{Gateways: []string{"https://gw.example/ipfs/"}}), fetcher
}

func itemIDs(items []ledger.Item) []int64 {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ItemID)
	}
	return ids
}

func containerIDsOf(containers []ledger.Container) []int64 {
	ids := make([]int64, 0, len(containers))
	for _, container := range containers {
		ids = append(ids, container.ID)
	}
	return ids
}

func TestGetContainer(t *testing.T) {
	fake := newFakeLedger()
	fake.setContainer(ledger.Container{ID: 1, Name: "First", Owner: testOwner, MetadataURI: "ipfs://" + testCID + "/1.json"})
	fake.setContainer(ledger.Container{ID: 2, Name: "Second", Owner: testOwner, MetadataURI: "ipfs://" + testCID + "/2.png"})
	fake.setContainer(ledger.Container{ID: 3, Name: "Third", Owner: testOwner, MetadataURI: "ipfs://" + testCID + "/3.json"})
	resolver, fetcher := newTestResolver()
	engine := newTestEngine(t, fake, resolver)

	t.Run("enriched_with_metadata", func(t *testing.T) {
		container, found := engine.GetContainer(t.Context(), 1)
		require.True(t, found)
		require.NotNil(t, container.Metadata)
		assert.Equal(t, "First", container.Metadata.String("name"))
		assert.Equal(t, "https://gw.example/ipfs/"+testCID+"/1.png", container.ImageURI)
	})

	t.Run("served_from_cache", func(t *testing.T) {
		_, found := engine.GetContainer(t.Context(), 1)
		require.True(t, found)
		assert.Equal(t, 1, fake.count("getContainer"))
		assert.Equal(t, 1, fetcher.fetches)
	})

	t.Run("media_uri", func(t *testing.T) {
		container, found := engine.GetContainer(t.Context(), 2)
		require.True(t, found)
		assert.Nil(t, container.Metadata)
		assert.Equal(t, "https://gw.example/ipfs/"+testCID+"/2.png", container.ImageURI)
	})

	t.Run("unresolvable_metadata_keeps_the_container", func(t *testing.T) {
		container, found := engine.GetContainer(t.Context(), 3)
		require.True(t, found)
		assert.Nil(t, container.Metadata)
		assert.Equal(t, "Third", container.Name)
	})

	t.Run("not_found", func(t *testing.T) {
		_, found := engine.GetContainer(t.Context(), 99)
		assert.False(t, found)
		_, found = engine.GetContainer(t.Context(), 0)
		assert.False(t, found)
		_, found = engine.GetContainer(t.Context(), -1)
		assert.False(t, found)
	})

	t.Run("rpc_failure", func(t *testing.T) {
		fake.setContainer(ledger.Container{ID: 5, Name: "Broken", Owner: testOwner})
		fake.breakContainer(5)
		_, found := engine.GetContainer(t.Context(), 5)
		assert.False(t, found)
		assert.NotEmpty(t, engine.GetSystemStatus(t.Context()).LastError)
	})
}

func TestGetContainer_KnownHole(t *testing.T) {
	t.Run("confirmed_hole", func(t *testing.T) {
		fake := newFakeLedger()
		fake.addContainers(1, 2, 3, 5)
		engine := newTestEngine(t, fake, nil)
		engine.DiscoverContainers(t.Context())
		assert.Equal(t, []int64{4}, engine.currentSnapshot().Holes)

		before := fake.count("getContainer")
		_, found := engine.GetContainer(t.Context(), 4)
		assert.False(t, found)
		assert.Equal(t, before, fake.count("getContainer"), "A confirmed hole needs no call")

		// Ids above the high water mark may have been allocated since discovery.
		fake.addContainers(6)
		_, found = engine.GetContainer(t.Context(), 6)
		assert.True(t, found)
	})

	t.Run("failed_check_is_not_a_hole", func(t *testing.T) {
		fake := newFakeLedger()
		fake.addContainers(1, 2, 3, 4, 5, 6)
		fake.breakContainer(4)
		engine := newTestEngine(t, fake, nil)
		assert.Equal(t, []int64{1, 2, 3, 5, 6}, engine.DiscoverContainers(t.Context()))
		assert.Empty(t, engine.currentSnapshot().Holes)

		fake.repairContainer(4)
		container, found := engine.GetContainer(t.Context(), 4)
		require.True(t, found, "A container whose check failed during discovery is fetched once the ledger recovers")
		assert.Equal(t, int64(4), container.ID)
		assert.Equal(t, 1, fake.count("getContainer"))
	})
}

func TestListContainers(t *testing.T) {
	fake := newFakeLedger()
	fake.addContainers(1, 2, 3, 4, 5, 6, 7)
	fake.setContainer(ledger.Container{ID: 8, Name: "Genesis Vault", Owner: otherUser})
	engine := newTestEngine(t, fake, nil)

	for _, testCase := range []struct {
		name            string
		filter          Filter
		page, limit     int
		expectedIDs     []int64
		expectedTotal   int
		expectedPage    int
		expectedLimit   int
		expectedHasMore bool
	}{
		{name: "first_page", page: 1, limit: 3, expectedIDs: []int64{1, 2, 3}, expectedTotal: 8, expectedPage: 1,
			expectedLimit: 3, expectedHasMore: true},
		{name: "last_page", page: 3, limit: 3, expectedIDs: []int64{7, 8}, expectedTotal: 8, expectedPage: 3,
			expectedLimit: 3},
		{name: "past_the_end", page: 9, limit: 3, expectedIDs: []int64{}, expectedTotal: 8, expectedPage: 9,
			expectedLimit: 3},
		{name: "defaults", page: 0, limit: 0, expectedIDs: []int64{1, 2, 3, 4, 5, 6, 7, 8}, expectedTotal: 8,
			expectedPage: 1, expectedLimit: 20},
		{name: "limit_capped", page: 1, limit: 500, expectedIDs: []int64{1, 2, 3, 4, 5, 6, 7, 8}, expectedTotal: 8,
			expectedPage: 1, expectedLimit: 100},
		{name: "active_only", filter: Filter{ActiveOnly: true}, page: 1, limit: 3, expectedIDs: []int64{1, 3, 5},
			expectedTotal: 4, expectedPage: 1, expectedLimit: 3, expectedHasMore: true},
		{name: "owner", filter: Filter{Owner: "0X00000000000000000000000000000000000000BB"}, page: 1, limit: 10,
			expectedIDs: []int64{8}, expectedTotal: 1, expectedPage: 1, expectedLimit: 10},
		{name: "name_contains", filter: Filter{NameContains: "vault"}, page: 1, limit: 10, expectedIDs: []int64{8},
			expectedTotal: 1, expectedPage: 1, expectedLimit: 10},
		{name: "combined", filter: Filter{Owner: string(testOwner), ActiveOnly: true, NameContains: "container 7"},
			page: 1, limit: 10, expectedIDs: []int64{7}, expectedTotal: 1, expectedPage: 1, expectedLimit: 10},
		{name: "invalid_owner", filter: Filter{Owner: "not-an-address"}, page: 1, limit: 10, expectedIDs: []int64{},
			expectedPage: 1, expectedLimit: 10},
	} {
		t.Run(testCase.name, func(t *testing.T) {
			page := engine.ListContainers(t.Context(), testCase.filter, testCase.page, testCase.limit)
			assert.Equal(t, testCase.expectedIDs, containerIDsOf(page.Containers))
			assert.Equal(t, testCase.expectedTotal, page.Total)
			assert.Equal(t, testCase.expectedPage, page.Page)
			assert.Equal(t, testCase.expectedLimit, page.Limit)
			assert.Equal(t, testCase.expectedHasMore, page.HasMore)
		})
	}
}

func TestGetContainerItems(t *testing.T) {
	fake := newFakeLedger()
	fake.setContainer(ledger.Container{ID: 1, Name: "Counted", Owner: testOwner, ItemCount: ledger.NewBigInt(5)})
	fake.setContainer(ledger.Container{ID: 2, Name: "Uncounted", Owner: testOwner})
	fake.addItems(1, testOwner, 1, 2, 3, 4, 5)
	fake.addItems(2, otherUser, 1, 2, 3)
	engine := newTestEngine(t, fake, nil)

	items := engine.GetContainerItems(t.Context(), 1)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, itemIDs(items))
	assert.Equal(t, testOwner, items[0].Owner)

	t.Run("cached", func(t *testing.T) {
		checks, fetches := fake.count("itemExists"), fake.count("getItem")
		assert.Equal(t, []int64{1, 2, 3, 4, 5}, itemIDs(engine.GetContainerItems(t.Context(), 1)))
		assert.Equal(t, checks, fake.count("itemExists"))
		assert.Equal(t, fetches, fake.count("getItem"))
	})

	t.Run("default_upper_bound", func(t *testing.T) {
		assert.Equal(t, []int64{1, 2, 3}, itemIDs(engine.GetContainerItems(t.Context(), 2)))
	})

	t.Run("unknown_container", func(t *testing.T) {
		assert.Empty(t, engine.GetContainerItems(t.Context(), 42))
		assert.Empty(t, engine.GetContainerItems(t.Context(), 42))
		assert.Equal(t, 4, fake.count("getContainer"), "Missing containers are not cached")
	})
}

func TestListItemsByOwner(t *testing.T) {
	fake := newFakeLedger()
	fake.addItems(1, testOwner, 1, 2)
	fake.addItems(1, otherUser, 3)
	fake.addItems(2, otherUser, 7)
	engine := newTestEngine(t, fake, nil)

	items := engine.ListItemsByOwner(t.Context(), "0x00000000000000000000000000000000000000BB")
	require.Len(t, items, 2)
	assert.Equal(t, ledger.ItemRef{ContainerID: 1, ItemID: 3}, items[0].Ref())
	assert.Equal(t, ledger.ItemRef{ContainerID: 2, ItemID: 7}, items[1].Ref())

	engine.ListItemsByOwner(t.Context(), string(otherUser))
	assert.Equal(t, 1, fake.count("listByOwner"), "Owner listings are cached")

	assert.Empty(t, engine.ListItemsByOwner(t.Context(), "0x123"))
	assert.Equal(t, 1, fake.count("listByOwner"))
}

func TestListItemsByOwner_CanceledCaller(t *testing.T) {
	fake := newFakeLedger()
	fake.addItems(1, testOwner, 1, 2)
	gate := make(chan struct{})
	fake.ownerGate = gate
	engine := newTestEngine(t, fake, nil)

	firstCtx, cancelFirst := context.WithCancel(t.Context())
	first := make(chan []ledger.Item, 1)
	go func() { first <- engine.ListItemsByOwner(firstCtx, string(testOwner)) }()
	require.Eventually(t, func() bool { return fake.count("listByOwner") == 1 }, time.Second, time.Millisecond)
	second := make(chan []ledger.Item, 1)
	go func() { second <- engine.ListItemsByOwner(t.Context(), string(testOwner)) }()

	cancelFirst()
	assert.Empty(t, <-first, "A canceled caller doesn't wait for the listing")
	close(gate)
	assert.Len(t, <-second, 2, "The listing outlives the caller that started it")
	assert.Len(t, engine.ListItemsByOwner(t.Context(), string(testOwner)), 2)
	assert.Equal(t, 1, fake.count("listByOwner"))
}

func TestClearCache(t *testing.T) {
	fake := newFakeLedger()
	fake.addContainers(1, 2)
	engine := newTestEngine(t, fake, nil)
	engine.DiscoverContainers(t.Context())
	_, found := engine.GetContainer(t.Context(), 1)
	require.True(t, found)
	require.NotZero(t, engine.GetCacheStats().Entries)

	engine.ClearCache()
	assert.Zero(t, engine.GetCacheStats().Entries)
	assert.Nil(t, engine.currentSnapshot())

	_, found = engine.GetContainer(t.Context(), 1)
	require.True(t, found)
	assert.Equal(t, 2, fake.count("getContainer"))
}

func TestGetSystemStatus(t *testing.T) {
	fake := newFakeLedger()
	fake.addContainers(1, 2, 3)
	engine := newTestEngine(t, fake, nil)

	startTime := utils.StartTime
	utils.StartTime = testEpoch.Add(-time.Hour)
	t.Cleanup(func() { utils.StartTime = startTime })

	status := engine.GetSystemStatus(t.Context())
	assert.True(t, status.RPCReachable)
	assert.Nil(t, status.Snapshot)
	assert.Equal(t, utils.Version, status.Version)
	assert.Empty(t, status.LastError)
	assert.Equal(t, time.Hour, status.Uptime)

	engine.fakeClock.Advance(30 * time.Minute)
	assert.Equal(t, 90*time.Minute, engine.GetSystemStatus(t.Context()).Uptime, "Uptime follows the engine clock")

	engine.DiscoverContainers(t.Context())
	fake.mux.Lock()
	fake.pingErr = errors.New("dial tcp: connection refused")
	fake.mux.Unlock()

	status = engine.GetSystemStatus(t.Context())
	assert.False(t, status.RPCReachable)
	assert.Contains(t, status.LastError, "connection refused")
	require.NotNil(t, status.Snapshot)
	assert.Equal(t, 3, status.Snapshot.Containers)
	assert.Equal(t, int64(3), status.Snapshot.HighWaterMark)
	assert.True(t, status.Snapshot.Fresh)
	assert.True(t, status.LastDiscovery.Equal(testEpoch.Add(30*time.Minute)))
	assert.Equal(t, 3, fake.count("ping"), "Status checks are never retried")
}

func TestInvalidateCache(t *testing.T) {
	fake := newFakeLedger()
	fake.addContainers(1, 2, 3)
	engine := newTestEngine(t, fake, nil)
	engine.DiscoverContainers(t.Context())
	for _, id := range []int64{1, 2, 3} {
		_, found := engine.GetContainer(t.Context(), id)
		require.True(t, found)
	}

	removed, err := engine.InvalidateCache("container:2")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, found := engine.GetContainer(t.Context(), 2)
	assert.True(t, found)
	assert.Equal(t, 4, fake.count("getContainer"))
	assert.NotNil(t, engine.currentSnapshot())

	t.Run("snapshot", func(t *testing.T) {
		removed, err := engine.InvalidateCache("discovery:*")
		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		assert.Nil(t, engine.currentSnapshot())
	})

	t.Run("invalid_pattern", func(t *testing.T) {
		_, err := engine.InvalidateCache("container:[")
		assert.Error(t, err)
	})
}
