// Package rolecache holds the TTL caches over directory state: per-user
// role sets, role-to-server ownership, and per-department role maps. A
// shared FIFO limiter caps concurrent directory fetches so a burst of
// syncs cannot stampede the upstream.
package rolecache

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	perrors "github.com/silverpine/rollcall/internal/platform/errors"
	"github.com/silverpine/rollcall/internal/services/roster/directory"
	"github.com/silverpine/rollcall/internal/services/roster/storage"
)

const (
	// DefaultUserRolesTTL bounds how stale a cached user role set may be.
	DefaultUserRolesTTL = 30 * time.Second
	// DefaultRoleServerTTL bounds how stale a cached role-to-server mapping may be.
	DefaultRoleServerTTL = 5 * time.Minute
	// DefaultRoleMapTTL bounds how stale a cached department role map may be.
	DefaultRoleMapTTL = 3 * time.Minute

	// DefaultMaxConcurrentFetches caps in-flight directory fetches.
	// Waiters are served in arrival order.
	DefaultMaxConcurrentFetches = 4

	defaultSweepInterval = time.Minute
)

// Config tunes the cache freshness windows and the fetch limiter. Zero
// values fall back to the package defaults.
type Config struct {
	UserRolesTTL         time.Duration
	RoleServerTTL        time.Duration
	RoleMapTTL           time.Duration
	MaxConcurrentFetches int
}

// DirectoryReader is the slice of the directory client the caches need.
type DirectoryReader interface {
	FetchUserRoles(ctx context.Context, userID string) ([]directory.Role, error)
	ResolveRoleServer(ctx context.Context, roleID string) (string, error)
}

// Catalog is the slice of the store the role-map cache reads from.
type Catalog interface {
	GetDepartment(ctx context.Context, departmentID string) (storage.Department, error)
	ListActiveRanks(ctx context.Context, departmentID string) ([]storage.Rank, error)
	ListActiveTeams(ctx context.Context, departmentID string) ([]storage.Team, error)
}

// Binding is an external role bound to a rank or team, with the server
// that owns the role. ServerID is empty when the role no longer resolves.
type Binding struct {
	RoleID   string
	ServerID string
}

// RoleMap is the resolved role topology of one department.
type RoleMap struct {
	DepartmentID  string
	GuildServerID string
	ByRankID      map[string]Binding
	ByTeamID      map[string]Binding
}

type userRolesEntry struct {
	roles     []directory.Role
	fetchedAt time.Time
}

type roleServerEntry struct {
	serverID  string
	fetchedAt time.Time
}

type roleMapEntry struct {
	roleMap   *RoleMap
	fetchedAt time.Time
}

// Caches owns the three TTL caches. Failed fetches are never cached;
// callers always see either fresh-enough data or the fetch error.
type Caches struct {
	client  DirectoryReader
	catalog Catalog
	limiter *semaphore.Weighted
	now     func() time.Time

	userRolesTTL  time.Duration
	roleServerTTL time.Duration
	roleMapTTL    time.Duration
	fetchLimit    int

	mu          sync.Mutex
	userRoles   map[string]userRolesEntry
	roleServers map[string]roleServerEntry
	roleMaps    map[string]roleMapEntry
}

// New builds the cache set over a directory client and a store catalog.
func New(client DirectoryReader, catalog Catalog, cfg Config) *Caches {
	userRolesTTL := cfg.UserRolesTTL
	if userRolesTTL <= 0 {
		userRolesTTL = DefaultUserRolesTTL
	}
	roleServerTTL := cfg.RoleServerTTL
	if roleServerTTL <= 0 {
		roleServerTTL = DefaultRoleServerTTL
	}
	roleMapTTL := cfg.RoleMapTTL
	if roleMapTTL <= 0 {
		roleMapTTL = DefaultRoleMapTTL
	}
	fetchLimit := cfg.MaxConcurrentFetches
	if fetchLimit <= 0 {
		fetchLimit = DefaultMaxConcurrentFetches
	}
	return &Caches{
		client:        client,
		catalog:       catalog,
		limiter:       semaphore.NewWeighted(int64(fetchLimit)),
		now:           time.Now,
		userRolesTTL:  userRolesTTL,
		roleServerTTL: roleServerTTL,
		roleMapTTL:    roleMapTTL,
		fetchLimit:    fetchLimit,
		userRoles:     make(map[string]userRolesEntry),
		roleServers:   make(map[string]roleServerEntry),
		roleMaps:      make(map[string]roleMapEntry),
	}
}

// UserRoles returns the user's current directory roles, served from cache
// when fetched within the freshness window.
func (c *Caches) UserRoles(ctx context.Context, userID string) ([]directory.Role, error) {
	c.mu.Lock()
	entry, ok := c.userRoles[userID]
	fresh := ok && c.now().Sub(entry.fetchedAt) < c.userRolesTTL
	c.mu.Unlock()
	if fresh {
		return entry.roles, nil
	}

	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	roles, err := c.client.FetchUserRoles(ctx, userID)
	c.limiter.Release(1)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.userRoles[userID] = userRolesEntry{roles: roles, fetchedAt: c.now()}
	c.mu.Unlock()
	return roles, nil
}

// RoleServer returns the server that owns a role. An empty server id is a
// normal outcome for roles the directory no longer knows, and is cached
// like any other answer.
func (c *Caches) RoleServer(ctx context.Context, roleID string) (string, error) {
	c.mu.Lock()
	entry, ok := c.roleServers[roleID]
	fresh := ok && c.now().Sub(entry.fetchedAt) < c.roleServerTTL
	c.mu.Unlock()
	if fresh {
		return entry.serverID, nil
	}

	if err := c.limiter.Acquire(ctx, 1); err != nil {
		return "", err
	}
	serverID, err := c.client.ResolveRoleServer(ctx, roleID)
	c.limiter.Release(1)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.roleServers[roleID] = roleServerEntry{serverID: serverID, fetchedAt: c.now()}
	c.mu.Unlock()
	return serverID, nil
}

// DepartmentRoleMap returns the department's resolved role topology,
// rebuilding it from the catalog and the directory when the cached copy
// has aged out.
func (c *Caches) DepartmentRoleMap(ctx context.Context, departmentID string) (*RoleMap, error) {
	c.mu.Lock()
	entry, ok := c.roleMaps[departmentID]
	fresh := ok && c.now().Sub(entry.fetchedAt) < c.roleMapTTL
	c.mu.Unlock()
	if fresh {
		return entry.roleMap, nil
	}

	roleMap, err := c.buildRoleMap(ctx, departmentID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.roleMaps[departmentID] = roleMapEntry{roleMap: roleMap, fetchedAt: c.now()}
	c.mu.Unlock()
	return roleMap, nil
}

func (c *Caches) buildRoleMap(ctx context.Context, departmentID string) (*RoleMap, error) {
	department, err := c.catalog.GetDepartment(ctx, departmentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, perrors.New(perrors.CodeDepartmentNotFound, "department not found: "+departmentID)
		}
		return nil, perrors.Wrap(perrors.CodeRoleMapUnavailable, "load department", err)
	}
	ranks, err := c.catalog.ListActiveRanks(ctx, departmentID)
	if err != nil {
		return nil, perrors.Wrap(perrors.CodeRoleMapUnavailable, "list active ranks", err)
	}
	teams, err := c.catalog.ListActiveTeams(ctx, departmentID)
	if err != nil {
		return nil, perrors.Wrap(perrors.CodeRoleMapUnavailable, "list active teams", err)
	}

	roleMap := &RoleMap{
		DepartmentID:  department.ID,
		GuildServerID: department.GuildServerID,
		ByRankID:      make(map[string]Binding, len(ranks)),
		ByTeamID:      make(map[string]Binding, len(teams)),
	}

	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(c.fetchLimit)

	resolve := func(into map[string]Binding, key, roleID string) {
		group.Go(func() error {
			serverID, err := c.RoleServer(groupCtx, roleID)
			if err != nil {
				return perrors.Wrap(perrors.CodeRoleMapUnavailable, "resolve role "+roleID, err)
			}
			mu.Lock()
			into[key] = Binding{RoleID: roleID, ServerID: serverID}
			mu.Unlock()
			return nil
		})
	}

	for _, rank := range ranks {
		if rank.RoleID == "" {
			continue
		}
		resolve(roleMap.ByRankID, rank.ID, rank.RoleID)
	}
	for _, team := range teams {
		if team.RoleID == "" {
			continue
		}
		resolve(roleMap.ByTeamID, team.ID, team.RoleID)
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return roleMap, nil
}

// InvalidateUser drops the cached role set for one user.
func (c *Caches) InvalidateUser(userID string) {
	c.mu.Lock()
	delete(c.userRoles, userID)
	c.mu.Unlock()
}

// InvalidateDepartment drops the cached role map for one department.
func (c *Caches) InvalidateDepartment(departmentID string) {
	c.mu.Lock()
	delete(c.roleMaps, departmentID)
	c.mu.Unlock()
}

// sweep drops expired entries so long-idle keys do not accumulate.
func (c *Caches) sweep() (removed int) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.userRoles {
		if now.Sub(entry.fetchedAt) >= c.userRolesTTL {
			delete(c.userRoles, key)
			removed++
		}
	}
	for key, entry := range c.roleServers {
		if now.Sub(entry.fetchedAt) >= c.roleServerTTL {
			delete(c.roleServers, key)
			removed++
		}
	}
	for key, entry := range c.roleMaps {
		if now.Sub(entry.fetchedAt) >= c.roleMapTTL {
			delete(c.roleMaps, key)
			removed++
		}
	}
	return removed
}

// RunSweeper prunes expired cache entries on an interval until the context
// is cancelled. Interval zero uses the default.
func (c *Caches) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("role cache sweeper started (interval %s)", interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("role cache sweeper stopped")
			return
		case <-ticker.C:
			if removed := c.sweep(); removed > 0 {
				log.Printf("role cache sweep removed %d expired entries", removed)
			}
		}
	}
}
