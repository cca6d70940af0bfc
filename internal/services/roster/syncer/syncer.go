// Package syncer orchestrates a member sync: apply role mutations to the
// external directory, wait for propagation, reconcile stored assignments
// against directory truth, and regenerate the member's callsign.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	perrors "github.com/silverpine/rollcall/internal/platform/errors"
	"github.com/silverpine/rollcall/internal/platform/id"
	"github.com/silverpine/rollcall/internal/services/roster/directory"
	"github.com/silverpine/rollcall/internal/services/roster/reconcile"
	"github.com/silverpine/rollcall/internal/services/roster/storage"
)

// RoleType separates rank roles from team roles; rank mutations are the
// ones worth post-verifying.
type RoleType string

const (
	// RoleTypeRank marks a mutation touching a rank role.
	RoleTypeRank RoleType = "rank"
	// RoleTypeTeam marks a mutation touching a team role.
	RoleTypeTeam RoleType = "team"
)

// Mutation is one role grant or revocation to apply during a sync.
type Mutation struct {
	Action   directory.Action
	RoleType RoleType
	RoleID   string
	ServerID string
}

// MutationOutcome is the result of applying one mutation. A nil Err means
// the directory accepted it.
type MutationOutcome struct {
	Mutation Mutation
	Err      error
}

// Request describes one member sync.
type Request struct {
	MemberID  string
	Mutations []Mutation
}

// Result reports what a sync did. SyncID correlates the result with the
// log lines the sync emitted.
type Result struct {
	SyncID   string
	MemberID string
	Skipped  bool
	Message  string
	Outcomes []MutationOutcome
	Changes  []reconcile.Change
	Callsign string
}

// Success reports whether every requested mutation was accepted. A sync
// with a mixed result still completes its remaining steps; callers decide
// how to present partial failure.
func (r *Result) Success() bool {
	for _, outcome := range r.Outcomes {
		if outcome.Err != nil {
			return false
		}
	}
	return true
}

// Succeeded counts mutations the directory accepted.
func (r *Result) Succeeded() int {
	n := 0
	for _, outcome := range r.Outcomes {
		if outcome.Err == nil {
			n++
		}
	}
	return n
}

// Directory is the slice of the directory client the syncer mutates
// through.
type Directory interface {
	ApplyRole(ctx context.Context, action directory.Action, userID, roleID, serverID string) error
	ApplyRoleVerified(ctx context.Context, action directory.Action, userID, roleID, serverID string) error
	VerifyRole(ctx context.Context, action directory.Action, userID, roleID, serverID string) error
	BatchApply(ctx context.Context, userID, serverID string, addRoleIDs, removeRoleIDs []string) error
}

// Reconciler recomputes stored assignments from directory truth.
type Reconciler interface {
	ReconcileRank(ctx context.Context, memberID string) ([]reconcile.Change, error)
	ReconcileTeam(ctx context.Context, memberID string) ([]reconcile.Change, error)
}

// CallsignUpdater regenerates a member's callsign.
type CallsignUpdater interface {
	Regenerate(ctx context.Context, memberID string) (string, error)
}

// Invalidator drops cached directory state for a user.
type Invalidator interface {
	InvalidateUser(userID string)
}

// MemberReader loads the member records a sync pivots on.
type MemberReader interface {
	GetMember(ctx context.Context, memberID string) (storage.Member, error)
}

const (
	defaultPropagationDelay     = time.Second
	defaultMaxReconcileAttempts = 2
	defaultReconcileInterval    = 1250 * time.Millisecond
	callsignAfterCancelTimeout  = 10 * time.Second
)

// Config controls sync pacing. Zero values fall back to defaults.
type Config struct {
	// PropagationDelay is how long to wait after successful mutations
	// before trusting directory reads.
	PropagationDelay time.Duration
	// MaxReconcileAttempts bounds reconcile passes per sync.
	MaxReconcileAttempts int
	// ReconcileInterval separates reconcile attempts.
	ReconcileInterval time.Duration
	// BatchMode applies all mutations for a server in one directory call,
	// falling back to individual mutations when the batch fails.
	BatchMode bool
	// DisableVerification skips the post-mutation state check for rank
	// roles. Verification is on by default.
	DisableVerification bool
	// DetailedLogging adds per-attempt reconcile logs. Off by default;
	// the start and outcome of every sync are always logged.
	DetailedLogging bool
}

// Syncer runs member syncs. Syncs for the same member are serialized; syncs
// for different members run concurrently.
type Syncer struct {
	dir      Directory
	engine   Reconciler
	callsign CallsignUpdater
	caches   Invalidator
	members  MemberReader

	propagationDelay     time.Duration
	maxReconcileAttempts int
	reconcileInterval    time.Duration
	batchMode            bool
	verify               bool
	detailed             bool

	sleep func(ctx context.Context, d time.Duration) error

	mu    sync.Mutex
	locks map[string]*memberLock
}

type memberLock struct {
	mu   sync.Mutex
	refs int
}

// New builds a syncer.
func New(dir Directory, engine Reconciler, callsign CallsignUpdater, caches Invalidator, members MemberReader, cfg Config) *Syncer {
	propagationDelay := cfg.PropagationDelay
	if propagationDelay <= 0 {
		propagationDelay = defaultPropagationDelay
	}
	attempts := cfg.MaxReconcileAttempts
	if attempts <= 0 {
		attempts = defaultMaxReconcileAttempts
	}
	interval := cfg.ReconcileInterval
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	return &Syncer{
		dir:                  dir,
		engine:               engine,
		callsign:             callsign,
		caches:               caches,
		members:              members,
		propagationDelay:     propagationDelay,
		maxReconcileAttempts: attempts,
		reconcileInterval:    interval,
		batchMode:            cfg.BatchMode,
		verify:               !cfg.DisableVerification,
		detailed:             cfg.DetailedLogging,
		sleep:                sleepContext,
		locks:                make(map[string]*memberLock),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (s *Syncer) lockMember(memberID string) func() {
	s.mu.Lock()
	lock, ok := s.locks[memberID]
	if !ok {
		lock = &memberLock{}
		s.locks[memberID] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, memberID)
		}
		s.mu.Unlock()
	}
}

// Sync runs the full sync pipeline for one member. Mutation failures are
// recorded in the result and never abort the sync; reconciliation and
// store failures do. The callsign step always runs, even when the context
// was cancelled mid-sync.
func (s *Syncer) Sync(ctx context.Context, req Request) (*Result, error) {
	unlock := s.lockMember(req.MemberID)
	defer unlock()

	syncID, err := id.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate sync id: %w", err)
	}
	result := &Result{SyncID: syncID, MemberID: req.MemberID}
	log.Printf("sync %s started for member %s (%d mutations)", syncID, req.MemberID, len(req.Mutations))

	member, err := s.members.GetMember(ctx, req.MemberID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			result.Skipped = true
			result.Message = "member not found, nothing to sync"
			return result, nil
		}
		return nil, perrors.Wrap(perrors.CodeSyncStoreFailed, "load member", err)
	}
	if !member.IsActive {
		result.Skipped = true
		result.Message = "member is inactive, nothing to sync"
		return result, nil
	}

	result.Outcomes = s.applyMutations(ctx, member.ExternalUserID, req.Mutations)
	if result.Succeeded() > 0 {
		s.caches.InvalidateUser(member.ExternalUserID)
		if err := s.sleep(ctx, s.propagationDelay); err != nil {
			// Cancelled while waiting; skip reconciliation but still settle
			// the callsign below.
			return s.finishCallsign(ctx, result)
		}
	}

	changes, err := s.reconcileWithRetries(ctx, req.MemberID, member)
	result.Changes = changes
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return s.finishCallsign(ctx, result)
		}
		return result, err
	}

	return s.finishCallsign(ctx, result)
}

// applyMutations runs the mutation phase. In batch mode mutations are
// grouped per server and sent in one call each, retrying individually when
// a batch fails.
func (s *Syncer) applyMutations(ctx context.Context, userID string, mutations []Mutation) []MutationOutcome {
	if len(mutations) == 0 {
		return nil
	}
	if !s.batchMode {
		return s.applyIndividually(ctx, userID, mutations)
	}

	outcomes := make([]MutationOutcome, 0, len(mutations))
	byServer := make(map[string][]Mutation)
	order := make([]string, 0, 2)
	for _, mutation := range mutations {
		if _, ok := byServer[mutation.ServerID]; !ok {
			order = append(order, mutation.ServerID)
		}
		byServer[mutation.ServerID] = append(byServer[mutation.ServerID], mutation)
	}

	for _, serverID := range order {
		group := byServer[serverID]
		var add, remove []string
		for _, mutation := range group {
			if mutation.Action == directory.ActionAdd {
				add = append(add, mutation.RoleID)
			} else {
				remove = append(remove, mutation.RoleID)
			}
		}
		if err := s.dir.BatchApply(ctx, userID, serverID, add, remove); err != nil {
			log.Printf("batch role apply failed for user %s on server %s, falling back to individual mutations: %v", userID, serverID, err)
			outcomes = append(outcomes, s.applyIndividually(ctx, userID, group)...)
			continue
		}
		// Rank mutations are permission-bearing, so a successful batch still
		// gets the same post-state check the individual path applies.
		for _, mutation := range group {
			outcome := MutationOutcome{Mutation: mutation}
			if mutation.RoleType == RoleTypeRank && s.verify {
				outcome.Err = s.dir.VerifyRole(ctx, mutation.Action, userID, mutation.RoleID, mutation.ServerID)
				if outcome.Err != nil {
					log.Printf("rank role %s %s failed verification after batch apply for user %s: %v", mutation.Action, mutation.RoleID, userID, outcome.Err)
				}
			}
			outcomes = append(outcomes, outcome)
		}
	}
	return outcomes
}

func (s *Syncer) applyIndividually(ctx context.Context, userID string, mutations []Mutation) []MutationOutcome {
	outcomes := make([]MutationOutcome, 0, len(mutations))
	for _, mutation := range mutations {
		var err error
		if mutation.RoleType == RoleTypeRank && s.verify {
			err = s.dir.ApplyRoleVerified(ctx, mutation.Action, userID, mutation.RoleID, mutation.ServerID)
		} else {
			err = s.dir.ApplyRole(ctx, mutation.Action, userID, mutation.RoleID, mutation.ServerID)
		}
		if err != nil {
			if mutation.RoleType == RoleTypeRank {
				log.Printf("rank role %s %s failed for user %s: %v", mutation.Action, mutation.RoleID, userID, err)
			} else {
				log.Printf("team role %s %s failed for user %s: %v", mutation.Action, mutation.RoleID, userID, err)
			}
		}
		outcomes = append(outcomes, MutationOutcome{Mutation: mutation, Err: err})
	}
	return outcomes
}

// reconcileWithRetries runs reconcile passes until stored state moves off
// the pre-sync baseline or attempts run out. The baseline is fixed before
// the first pass so a slow directory read cannot hide a change that
// already landed.
func (s *Syncer) reconcileWithRetries(ctx context.Context, memberID string, baseline storage.Member) ([]reconcile.Change, error) {
	var all []reconcile.Change
	for attempt := 1; attempt <= s.maxReconcileAttempts; attempt++ {
		rankChanges, err := s.engine.ReconcileRank(ctx, memberID)
		if err != nil {
			return all, perrors.Wrap(perrors.CodeSyncReconcileFailed, "reconcile rank", err)
		}
		all = append(all, rankChanges...)

		teamChanges, err := s.engine.ReconcileTeam(ctx, memberID)
		if err != nil {
			return all, perrors.Wrap(perrors.CodeSyncReconcileFailed, "reconcile team", err)
		}
		all = append(all, teamChanges...)

		if s.detailed {
			log.Printf("reconcile attempt %d/%d for member %s produced %d changes", attempt, s.maxReconcileAttempts, memberID, len(rankChanges)+len(teamChanges))
		}

		current, err := s.members.GetMember(ctx, memberID)
		if err != nil {
			return all, perrors.Wrap(perrors.CodeSyncStoreFailed, "reload member", err)
		}
		if current.RankID != baseline.RankID || current.PrimaryTeamID != baseline.PrimaryTeamID {
			if s.detailed {
				log.Printf("reconcile for member %s stopped after attempt %d, stored state moved", memberID, attempt)
			}
			return all, nil
		}
		if attempt == s.maxReconcileAttempts {
			break
		}
		if err := s.sleep(ctx, s.reconcileInterval); err != nil {
			return all, err
		}
	}
	return all, nil
}

// finishCallsign settles the member's callsign. When the sync context was
// cancelled the step still runs under a detached bounded context, so a
// half-applied sync never leaves a stale callsign behind.
func (s *Syncer) finishCallsign(ctx context.Context, result *Result) (*Result, error) {
	callsignCtx := ctx
	var cancel context.CancelFunc
	if ctx.Err() != nil {
		callsignCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), callsignAfterCancelTimeout)
		defer cancel()
	}
	callsign, err := s.callsign.Regenerate(callsignCtx, result.MemberID)
	if err != nil {
		return result, err
	}
	result.Callsign = callsign
	result.Message = fmt.Sprintf("%d/%d mutations applied, %d reconciliation changes",
		result.Succeeded(), len(result.Outcomes), len(result.Changes))
	return result, nil
}
