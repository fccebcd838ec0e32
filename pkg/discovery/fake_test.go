package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/nobletooth/ledgerview/pkg/cache"
	"github.com/nobletooth/ledgerview/pkg/clock"
	"github.com/nobletooth/ledgerview/pkg/executor"
	"github.com/nobletooth/ledgerview/pkg/ledger"
	"github.com/nobletooth/ledgerview/pkg/metadata"
	"github.com/prometheus/client_golang/prometheus"
)

var testEpoch = time.Unix(1_700_000_000, 0).UTC()

const (
	testOwner = ledger.Address("0x00000000000000000000000000000000000000aa")
	otherUser = ledger.Address("0x00000000000000000000000000000000000000bb")
)

// fakeLedger is an in-memory ledger.Client that counts calls per method.
type fakeLedger struct {
	mux        sync.Mutex
	containers map[int64]ledger.Container
	items      map[ledger.ItemRef]ledger.Item
	broken     map[int64]bool // Calls about these container ids fail transiently.
	calls      map[string]int
	pingErr    error
	ownerGate  chan struct{} // When set, owner listings wait for it to close.
}

var _ ledger.Client = (*fakeLedger)(nil)

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		containers: make(map[int64]ledger.Container),
		items:      make(map[ledger.ItemRef]ledger.Item),
		broken:     make(map[int64]bool),
		calls:      make(map[string]int),
	}
}

func (f *fakeLedger) addContainers(ids ...int64) {
	f.mux.Lock()
	defer f.mux.Unlock()
	for _, id := range ids {
		f.containers[id] = ledger.Container{ID: id, Name: fmt.Sprintf("Container %d", id), Owner: testOwner,
			IsActive: id%2 == 1}
	}
}

func (f *fakeLedger) setContainer(container ledger.Container) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.containers[container.ID] = container
}

func (f *fakeLedger) addItems(containerID int64, owner ledger.Address, ids ...int64) {
	f.mux.Lock()
	defer f.mux.Unlock()
	for _, id := range ids {
		f.items[ledger.ItemRef{ContainerID: containerID, ItemID: id}] = ledger.Item{ContainerID: containerID,
			ItemID: id, Owner: owner}
	}
}

func (f *fakeLedger) breakContainer(id int64) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.broken[id] = true
}

func (f *fakeLedger) repairContainer(id int64) {
	f.mux.Lock()
	defer f.mux.Unlock()
	delete(f.broken, id)
}

func (f *fakeLedger) count(method string) int {
	f.mux.Lock()
	defer f.mux.Unlock()
	return f.calls[method]
}

func (f *fakeLedger) record(method string, containerID int64) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.calls[method]++
	if f.broken[containerID] {
		return &ledger.RPCError{Method: "ledger_" + method, StatusCode: http.StatusServiceUnavailable}
	}
	return nil
}

func nonexistent(method string) error {
	return &ledger.RPCError{Method: "ledger_" + method, StatusCode: http.StatusOK, Code: 3,
		Message: "execution reverted: nonexistent token"}
}

func (f *fakeLedger) ContainerExists(_ context.Context, id int64) (bool, error) {
	if err := f.record("containerExists", id); err != nil {
		return false, err
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	_, exists := f.containers[id]
	return exists, nil
}

func (f *fakeLedger) GetContainer(_ context.Context, id int64) (ledger.Container, error) {
	if err := f.record("getContainer", id); err != nil {
		return ledger.Container{}, err
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	container, exists := f.containers[id]
	if !exists {
		return ledger.Container{}, nonexistent("getContainer")
	}
	return container, nil
}

func (f *fakeLedger) ItemExists(_ context.Context, containerID, itemID int64) (bool, error) {
	if err := f.record("itemExists", containerID); err != nil {
		return false, err
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	_, exists := f.items[ledger.ItemRef{ContainerID: containerID, ItemID: itemID}]
	return exists, nil
}

func (f *fakeLedger) GetItem(_ context.Context, containerID, itemID int64) (ledger.Item, error) {
	if err := f.record("getItem", containerID); err != nil {
		return ledger.Item{}, err
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	item, exists := f.items[ledger.ItemRef{ContainerID: containerID, ItemID: itemID}]
	if !exists {
		return ledger.Item{}, nonexistent("getItem")
	}
	return item, nil
}

func (f *fakeLedger) ListByOwner(ctx context.Context, owner ledger.Address, containerID *int64) ([]ledger.ItemRef, error) {
	if err := f.record("listByOwner", 0); err != nil {
		return nil, err
	}
	f.mux.Lock()
	gate := f.ownerGate
	f.mux.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mux.Lock()
	defer f.mux.Unlock()
	var refs []ledger.ItemRef
	for ref, item := range f.items {
		if item.Owner == owner && (containerID == nil || ref.ContainerID == *containerID) {
			refs = append(refs, ref)
		}
	}
	slices.SortFunc(refs, func(a, b ledger.ItemRef) int {
		if a.ContainerID != b.ContainerID {
			return int(a.ContainerID - b.ContainerID)
		}
		return int(a.ItemID - b.ItemID)
	})
	return refs, nil
}

func (f *fakeLedger) Ping(context.Context) error {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.calls["ping"]++
	return f.pingErr
}

// fakeFetcher serves metadata documents from memory.
type fakeFetcher struct {
	mux       sync.Mutex
	responses map[string]metadata.Response
	fetches   int
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) (metadata.Response, error) {
	f.mux.Lock()
	defer f.mux.Unlock()
	f.fetches++
	if response, found := f.responses[url]; found {
		return response, nil
	}
	return metadata.Response{}, errors.New("connection refused")
}

func testOptions() Options {
	return Options{
		MaxRange:         1_000,
		HoleTolerance:    3,
		BatchSize:        4,
		DiscoveryTTL:     6 * time.Hour,
		RefreshInterval:  time.Hour,
		ItemNeighborhood: 2,
		ItemSearchDepth:  6,
		ItemDefaultBound: 100,
		ContainerTTL:     5 * time.Minute,
		ItemTTL:          5 * time.Minute,
		ExistenceTTL:     24 * time.Hour,
		OwnerTTL:         2 * time.Minute,
		MetadataTTL:      time.Hour,
	}
}

type testEngine struct {
	*Engine
	ledger    *fakeLedger
	fakeClock *clock.FakeClock
	tiered    *cache.Tiered
}

// newTestEngine wires an engine over `fake` with a fake clock. Retries are disabled so that failing calls never wait
// on the clock.
func newTestEngine(t *testing.T, fake *fakeLedger, resolver *metadata.Resolver) testEngine {
	t.Helper()
	fakeClock := clock.Fake(testEpoch)
	tiered := cache.NewTiered(t.Context(),
		cache.Options{ShardCount: 2, ShardCapacity: 10_000, Namespace: "test", SchemaVersion: "v1.0.0"},
		fakeClock, nil, prometheus.NewRegistry())
	return newTestEngineWithCache(t, fake, resolver, fakeClock, tiered)
}

func newTestEngineWithCache(t *testing.T, fake *fakeLedger, resolver *metadata.Resolver, fakeClock *clock.FakeClock,
	tiered *cache.Tiered) testEngine {
	t.Helper()
	ex := executor.New(executor.Options{CallTimeout: 5 * time.Second}, fakeClock, tiered, prometheus.NewRegistry())
	engine := New(testOptions(), Deps{Client: fake, Cache: tiered, Executor: ex, Resolver: resolver,
		Clock: fakeClock, Registerer: prometheus.NewRegistry()})
	return testEngine{Engine: engine, ledger: fake, fakeClock: fakeClock, tiered: tiered}
}
