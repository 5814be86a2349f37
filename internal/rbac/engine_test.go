package rbac

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-authz/internal/authz"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingStore counts assignment loads to observe cache behaviour.
type countingStore struct {
	Store
	loads atomic.Int32
	fail  error
}

func (s *countingStore) UserAssignments(ctx context.Context, userID uuid.UUID, at time.Time, includeExpired bool) ([]Assignment, error) {
	s.loads.Add(1)
	if s.fail != nil {
		return nil, s.fail
	}
	return s.Store.UserAssignments(ctx, userID, at, includeExpired)
}

// gatedStore holds assignment loads until release is closed.
type gatedStore struct {
	Store
	loads   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(store Store) *gatedStore {
	return &gatedStore{Store: store, entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (s *gatedStore) UserAssignments(ctx context.Context, userID uuid.UUID, at time.Time, includeExpired bool) ([]Assignment, error) {
	s.loads.Add(1)
	s.entered <- struct{}{}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.release:
	}
	return s.Store.UserAssignments(ctx, userID, at, includeExpired)
}

type fixture struct {
	store   *countingStore
	cache   PermissionCache
	clock   *fakeClock
	engine  *Engine
	service *Service
	authz   *authz.Service
}

func newFixture(t *testing.T, cache PermissionCache) *fixture {
	t.Helper()
	clock := newFakeClock()
	if cache == nil {
		cache = NewMemoryCache(clock.Now)
	}
	store := &countingStore{Store: NewMemoryStore()}

	reg := authz.NewRegistry()
	require.NoError(t, Register(reg, store, cache, WithClock(clock.Now)))
	authzSvc, err := reg.Build(authz.Config{PolicyEngine: EngineName, CacheTTL: 5 * time.Minute}, nil, nil)
	require.NoError(t, err)
	engine, ok := authzSvc.Engine().(*Engine)
	require.True(t, ok)

	svc := NewService(store, cache, nil, nil)
	svc.now = clock.Now
	return &fixture{store: store, cache: cache, clock: clock, engine: engine, service: svc, authz: authzSvc}
}

func (f *fixture) role(t *testing.T, name string, perms ...string) Role {
	t.Helper()
	role, err := f.service.CreateRole(context.Background(), CreateRoleInput{Name: name, Permissions: perms})
	require.NoError(t, err)
	return role
}

func (f *fixture) assign(t *testing.T, in AssignRoleInput) Assignment {
	t.Helper()
	a, err := f.service.AssignRole(context.Background(), in)
	require.NoError(t, err)
	return a
}

func (f *fixture) can(actor *authz.Actor, action string, res *authz.Resource) bool {
	return f.authz.Can(context.Background(), authz.Check{Actor: actor, Action: action, Resource: res})
}

func TestEditorGainsAdminWithoutRestart(t *testing.T) {
	f := newFixture(t, nil)
	editor := f.role(t, "editor", "posts:read", "posts:create")
	admin := f.role(t, "admin", "*")
	actor := &authz.Actor{ID: uuid.New()}
	f.assign(t, AssignRoleInput{UserID: actor.ID, RoleID: editor.ID})

	require.False(t, f.can(actor, "posts:delete", nil))
	require.True(t, f.can(actor, "posts:create", nil))

	f.assign(t, AssignRoleInput{UserID: actor.ID, RoleID: admin.ID})
	require.True(t, f.can(actor, "posts:delete", nil))
}

func TestRevokeTakesEffectOnNextCheck(t *testing.T) {
	for name, cache := range map[string]func(t *testing.T) PermissionCache{
		"memory": func(*testing.T) PermissionCache { return nil },
		"redis": func(t *testing.T) PermissionCache {
			c, _ := newRedisCache(t)
			return c
		},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, cache(t))
			ctx := context.Background()
			publisher := f.role(t, "publisher", "posts:publish")
			actor := &authz.Actor{ID: uuid.New()}
			f.assign(t, AssignRoleInput{UserID: actor.ID, RoleID: publisher.ID})

			require.True(t, f.can(actor, "posts:publish", nil))
			require.True(t, f.can(actor, "posts:publish", nil))

			removed, err := f.service.RevokeRole(ctx, RevokeRoleInput{UserID: actor.ID, RoleID: publisher.ID})
			require.NoError(t, err)
			require.True(t, removed)
			require.False(t, f.can(actor, "posts:publish", nil))

			removed, err = f.service.RevokeRole(ctx, RevokeRoleInput{UserID: actor.ID, RoleID: publisher.ID})
			require.NoError(t, err)
			require.False(t, removed)
		})
	}
}

func TestValidityWindowIsHonouredThroughTheCache(t *testing.T) {
	f := newFixture(t, nil)
	auditor := f.role(t, "auditor", "ledger:read")
	actor := &authz.Actor{ID: uuid.New()}
	from := f.clock.Now().Add(time.Hour)
	until := from.Add(2 * time.Hour)
	f.assign(t, AssignRoleInput{UserID: actor.ID, RoleID: auditor.ID, ValidFrom: &from, ValidUntil: &until})

	require.False(t, f.can(actor, "ledger:read", nil))

	f.clock.Advance(time.Hour)
	require.True(t, f.can(actor, "ledger:read", nil))

	f.clock.Advance(2 * time.Hour)
	require.True(t, f.can(actor, "ledger:read", nil), "valid_until is inclusive")

	f.clock.Advance(time.Second)
	require.False(t, f.can(actor, "ledger:read", nil))
}

func TestScopedAssignmentOnlyAppliesInsideScope(t *testing.T) {
	f := newFixture(t, nil)
	manager := f.role(t, "project manager", "tasks:update", "tasks:read")
	actor := &authz.Actor{ID: uuid.New()}
	projectX := uuid.New()
	projectY := uuid.New()
	f.assign(t, AssignRoleInput{UserID: actor.ID, RoleID: manager.ID, ScopeType: "project", ScopeID: &projectX})

	inX := &authz.Resource{Type: "task", ID: uuid.New(), Attributes: map[string]any{"project_id": projectX}}
	inY := &authz.Resource{Type: "task", ID: uuid.New(), Attributes: map[string]any{"project_id": projectY}}

	require.True(t, f.can(actor, "tasks:update", inX))
	require.False(t, f.can(actor, "tasks:update", inY))
	require.False(t, f.can(actor, "tasks:update", nil))
	require.True(t, f.can(actor, "tasks:update", &authz.Resource{Type: "project", ID: projectX}))

	perms, err := f.authz.Permissions(context.Background(), actor, inY)
	require.NoError(t, err)
	require.Empty(t, perms)
}

func TestPermissionsUnionAcrossRoles(t *testing.T) {
	f := newFixture(t, nil)
	reader := f.role(t, "reader", "posts:read")
	writer := f.role(t, "writer", "posts:create", "comments")
	actor := &authz.Actor{ID: uuid.New()}
	f.assign(t, AssignRoleInput{UserID: actor.ID, RoleID: reader.ID})
	f.assign(t, AssignRoleInput{UserID: actor.ID, RoleID: writer.ID})

	perms, err := f.authz.Permissions(context.Background(), actor, nil)
	require.NoError(t, err)
	require.Equal(t, []string{"comments:*", "posts:create", "posts:read"}, perms)
	require.True(t, f.can(actor, "comments:delete", nil))
}

func TestCacheServesRepeatedChecks(t *testing.T) {
	f := newFixture(t, nil)
	reader := f.role(t, "reader", "posts:read")
	actor := &authz.Actor{ID: uuid.New()}
	f.assign(t, AssignRoleInput{UserID: actor.ID, RoleID: reader.ID})
	f.store.loads.Store(0)

	for i := 0; i < 5; i++ {
		require.True(t, f.can(actor, "posts:read", nil))
	}
	require.EqualValues(t, 1, f.store.loads.Load())

	f.clock.Advance(6 * time.Minute)
	require.True(t, f.can(actor, "posts:read", nil))
	require.EqualValues(t, 2, f.store.loads.Load())
}

func TestRolePermissionChangeInvalidatesHolders(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	reader := f.role(t, "reader", "posts:read")
	actor := &authz.Actor{ID: uuid.New()}
	f.assign(t, AssignRoleInput{UserID: actor.ID, RoleID: reader.ID})
	require.False(t, f.can(actor, "posts:comment", nil))

	_, err := f.service.AddPermission(ctx, reader.ID, "posts:comment")
	require.NoError(t, err)
	require.True(t, f.can(actor, "posts:comment", nil))

	_, err = f.service.RemovePermission(ctx, reader.ID, "posts:comment")
	require.NoError(t, err)
	require.False(t, f.can(actor, "posts:comment", nil))
}

func TestEngineRunsConditionsAfterRoleMatch(t *testing.T) {
	f := newFixture(t, nil)
	approver := f.role(t, "approver", "invoices:approve")
	actor := &authz.Actor{ID: uuid.New()}
	f.assign(t, AssignRoleInput{UserID: actor.ID, RoleID: approver.ID})

	ownInvoice := &authz.Resource{Type: "invoice", ID: uuid.New(), CreatorID: actor.ID}
	err := f.authz.Require(context.Background(), authz.Check{
		Actor:      actor,
		Action:     "invoices:approve",
		Resource:   ownInvoice,
		Conditions: authz.Conditions{authz.Cond(authz.CondNotCreator, true)},
	})
	require.True(t, authz.IsDenied(err))

	someoneElses := &authz.Resource{Type: "invoice", ID: uuid.New(), CreatorID: uuid.New()}
	require.NoError(t, f.authz.Require(context.Background(), authz.Check{
		Actor:      actor,
		Action:     "invoices:approve",
		Resource:   someoneElses,
		Conditions: authz.Conditions{authz.Cond(authz.CondNotCreator, true)},
	}))
}

func TestStoreFailureDeniesWithError(t *testing.T) {
	f := newFixture(t, nil)
	actor := &authz.Actor{ID: uuid.New()}
	f.store.fail = errors.New("connection reset")

	d, err := f.authz.Evaluate(context.Background(), authz.Check{Actor: actor, Action: "posts:read"})
	require.Error(t, err)
	require.False(t, d.Allowed)
	require.False(t, f.can(actor, "posts:read", nil))
}

func TestRegisterTwiceFails(t *testing.T) {
	reg := authz.NewRegistry()
	store := NewMemoryStore()
	require.NoError(t, Register(reg, store, nil))
	require.ErrorIs(t, Register(reg, store, nil), authz.ErrAlreadyRegistered)
}

func TestEngineWithoutCacheLoadsEveryTime(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore()}
	engine := NewEngine(store, nil, authz.NewConditionRegistry())
	actor := &authz.Actor{ID: uuid.New()}

	for i := 0; i < 3; i++ {
		d, err := engine.Evaluate(context.Background(), authz.Check{Actor: actor, Action: "posts:read"})
		require.NoError(t, err)
		require.False(t, d.Allowed)
	}
	require.EqualValues(t, 3, store.loads.Load())
}

func TestCancelledCallerDoesNotFailSharedLookup(t *testing.T) {
	f := newFixture(t, nil)
	publisher := f.role(t, "publisher", "posts:publish")
	actor := &authz.Actor{ID: uuid.New()}
	f.assign(t, AssignRoleInput{UserID: actor.ID, RoleID: publisher.ID})

	store := newGatedStore(f.store)
	engine := NewEngine(store, NewMemoryCache(f.clock.Now), authz.NewConditionRegistry(), WithClock(f.clock.Now))
	check := authz.Check{Actor: actor, Action: "posts:publish"}

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := engine.Evaluate(ctx, check)
		firstErr <- err
	}()
	<-store.entered
	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	type result struct {
		decision authz.Decision
		err      error
	}
	second := make(chan result, 1)
	go func() {
		d, err := engine.Evaluate(context.Background(), check)
		second <- result{d, err}
	}()
	close(store.release)

	got := <-second
	require.NoError(t, got.err)
	require.True(t, got.decision.Allowed, got.decision.Reason)
	require.EqualValues(t, 1, store.loads.Load(), "the lookup started by the cancelled caller must be reused")
}

func TestConcurrentChecksAndRoleChanges(t *testing.T) {
	for name, cache := range map[string]func(t *testing.T) PermissionCache{
		"memory": func(*testing.T) PermissionCache { return nil },
		"redis": func(t *testing.T) PermissionCache {
			c, _ := newRedisCache(t)
			return c
		},
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, cache(t))
			ctx := context.Background()
			publisher := f.role(t, "publisher", "posts:publish")
			reader := f.role(t, "reader", "posts:read")

			const workers, rounds = 8, 20
			actors := make([]*authz.Actor, workers)
			for i := range actors {
				actors[i] = &authz.Actor{ID: uuid.New()}
				f.assign(t, AssignRoleInput{UserID: actors[i].ID, RoleID: reader.ID})
			}

			stop := make(chan struct{})
			var background sync.WaitGroup
			for i := 0; i < 4; i++ {
				background.Add(1)
				go func(i int) {
					defer background.Done()
					for n := i; ; n++ {
						select {
						case <-stop:
							return
						default:
						}
						actor := actors[n%len(actors)]
						assert.True(t, f.can(actor, "posts:read", nil))
						f.can(actor, "posts:publish", nil)
					}
				}(i)
			}
			background.Add(1)
			go func() {
				defer background.Done()
				for {
					select {
					case <-stop:
						return
					case <-time.After(time.Millisecond):
						assert.NoError(t, f.service.ClearCache(ctx, nil))
					}
				}
			}()

			var wg sync.WaitGroup
			for _, actor := range actors {
				wg.Add(1)
				go func(actor *authz.Actor) {
					defer wg.Done()
					for i := 0; i < rounds; i++ {
						_, err := f.service.AssignRole(ctx, AssignRoleInput{UserID: actor.ID, RoleID: publisher.ID})
						if !assert.NoError(t, err) {
							return
						}
						assert.True(t, f.can(actor, "posts:publish", nil))

						removed, err := f.service.RevokeRole(ctx, RevokeRoleInput{UserID: actor.ID, RoleID: publisher.ID})
						if !assert.NoError(t, err) {
							return
						}
						assert.True(t, removed)
						assert.False(t, f.can(actor, "posts:publish", nil))
					}
				}(actor)
			}
			wg.Wait()
			close(stop)
			background.Wait()

			for _, actor := range actors {
				require.False(t, f.can(actor, "posts:publish", nil))
				require.True(t, f.can(actor, "posts:read", nil))
			}
		})
	}
}
