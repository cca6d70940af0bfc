// Package directory implements the low-level client for the external
// role-directory service: role grants and revocations, user role fetches,
// and role-to-server resolution, wrapped with timeouts, retries, and a
// process-wide circuit breaker.
package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	perrors "github.com/silverpine/rollcall/internal/platform/errors"
	"github.com/silverpine/rollcall/internal/platform/timeouts"
)

// Action is a role mutation direction.
type Action string

const (
	// ActionAdd grants a role to a user.
	ActionAdd Action = "add"
	// ActionRemove revokes a role from a user.
	ActionRemove Action = "remove"
)

// Role is one externally-granted role and its owning server.
type Role struct {
	RoleID   string `json:"roleId"`
	ServerID string `json:"serverId"`
}

// serviceKeyHeader authenticates service-to-service directory calls.
const serviceKeyHeader = "X-Service-Key"

const (
	defaultMaxRetries      = 2
	defaultRetryBaseDelay  = 500 * time.Millisecond
	defaultBreakerCooldown = 1500 * time.Millisecond
	defaultVerifyDelay     = 2 * time.Second
)

// Config controls directory client behavior. Zero values fall back to
// service defaults.
type Config struct {
	BaseURL         string
	ServiceKey      string
	FetchTimeout    time.Duration
	MutateTimeout   time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	BreakerCooldown time.Duration
	VerifyDelay     time.Duration
	HTTPClient      *http.Client
}

// Client talks to the external role-directory service.
type Client struct {
	baseURL        string
	serviceKey     string
	httpClient     *http.Client
	fetchTimeout   time.Duration
	mutateTimeout  time.Duration
	maxRetries     int
	retryBaseDelay time.Duration
	verifyDelay    time.Duration
	breaker        *breaker

	// sleep is injectable so verification waits are instant in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New builds a directory client from config, applying defaults.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	fetchTimeout := cfg.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = timeouts.DirectoryFetch
	}
	mutateTimeout := cfg.MutateTimeout
	if mutateTimeout <= 0 {
		mutateTimeout = timeouts.DirectoryMutate
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	if cfg.MaxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	retryBaseDelay := cfg.RetryBaseDelay
	if retryBaseDelay <= 0 {
		retryBaseDelay = defaultRetryBaseDelay
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	verifyDelay := cfg.VerifyDelay
	if verifyDelay <= 0 {
		verifyDelay = defaultVerifyDelay
	}
	return &Client{
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		serviceKey:     cfg.ServiceKey,
		httpClient:     httpClient,
		fetchTimeout:   fetchTimeout,
		mutateTimeout:  mutateTimeout,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
		verifyDelay:    verifyDelay,
		breaker:        newBreaker(cooldown),
		sleep:          sleepContext,
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

// retryable reports whether an error is a transport-class failure worth
// another attempt. Authorization, bad-request, and not-found outcomes are
// final.
func retryable(err error) bool {
	switch perrors.CodeOf(err) {
	case perrors.CodeDirectoryUnavailable, perrors.CodeDirectoryTimeout:
		return true
	default:
		return false
	}
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryBaseDelay
	bo.MaxElapsedTime = 0
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.maxRetries)), ctx))
}

// classifyStatus converts a non-2xx directory response into a domain error.
func classifyStatus(statusCode int, operation string) error {
	metadata := map[string]string{"http_status": fmt.Sprintf("%d", statusCode)}
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return perrors.WithMetadata(perrors.CodeDirectoryUnauthorized, operation+": directory rejected service credentials", metadata)
	case statusCode == http.StatusBadRequest:
		return perrors.WithMetadata(perrors.CodeDirectoryBadRequest, operation+": directory rejected request", metadata)
	case statusCode == http.StatusNotFound:
		return perrors.WithMetadata(perrors.CodeDirectoryNotFound, operation+": directory resource not found", metadata)
	default:
		return perrors.WithMetadata(perrors.CodeDirectoryUnavailable, fmt.Sprintf("%s: directory returned HTTP %d", operation, statusCode), metadata)
	}
}

func classifyTransport(err error, operation string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return perrors.Wrap(perrors.CodeDirectoryTimeout, operation+": directory call timed out", err)
	}
	return perrors.Wrap(perrors.CodeDirectoryUnavailable, operation+": directory call failed", err)
}

func (c *Client) do(ctx context.Context, method, path string, timeout time.Duration, body any, out any, operation string) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", operation, err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.serviceKey != "" {
		req.Header.Set(serviceKeyHeader, c.serviceKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.recordFailure()
		return classifyTransport(err, operation)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode >= 500 {
			c.breaker.recordFailure()
		}
		return classifyStatus(resp.StatusCode, operation)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", operation, err)
	}
	return nil
}

// FetchUserRoles returns the set of roles currently held by a user.
// Calls made inside the circuit-breaker cooldown window fail fast without
// touching the network.
func (c *Client) FetchUserRoles(ctx context.Context, userID string) ([]Role, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if err := c.breaker.allow(); err != nil {
		return nil, err
	}

	var roles []Role
	err := c.retry(ctx, func() error {
		var fetched []Role
		if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/roles", c.fetchTimeout, nil, &fetched, "fetch user roles"); err != nil {
			return err
		}
		roles = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}
	return roles, nil
}

// ResolveRoleServer returns the server that owns a role. A 404 is a normal
// outcome for deleted or invalid roles and yields an empty server id with
// no error. Like user-role fetches, calls inside the breaker cooldown fail
// fast.
func (c *Client) ResolveRoleServer(ctx context.Context, roleID string) (string, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return "", fmt.Errorf("role id is required")
	}
	if err := c.breaker.allow(); err != nil {
		return "", err
	}

	var payload struct {
		ServerID string `json:"serverId"`
	}
	err := c.retry(ctx, func() error {
		return c.do(ctx, http.MethodGet, "/roles/"+url.PathEscape(roleID), c.fetchTimeout, nil, &payload, "resolve role server")
	})
	if err != nil {
		if perrors.CodeOf(err) == perrors.CodeDirectoryNotFound {
			return "", nil
		}
		return "", err
	}
	return payload.ServerID, nil
}

// ApplyRole grants or revokes one role for a user.
func (c *Client) ApplyRole(ctx context.Context, action Action, userID, roleID, serverID string) error {
	if action != ActionAdd && action != ActionRemove {
		return fmt.Errorf("unknown role action %q", action)
	}
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if roleID == "" {
		return fmt.Errorf("role id is required")
	}

	body := struct {
		Action   string `json:"action"`
		UserID   string `json:"userId"`
		RoleID   string `json:"roleId"`
		ServerID string `json:"serverId"`
	}{string(action), userID, roleID, serverID}

	return c.retry(ctx, func() error {
		return c.do(ctx, http.MethodPost, "/roles/manage", c.mutateTimeout, body, nil, "apply role "+string(action))
	})
}

// ApplyRoleVerified applies a role mutation and then confirms the expected
// post-state after a short propagation wait. A mutation that reports
// success but fails the post-state check is downgraded to a verification
// failure carrying both facts.
func (c *Client) ApplyRoleVerified(ctx context.Context, action Action, userID, roleID, serverID string) error {
	if err := c.ApplyRole(ctx, action, userID, roleID, serverID); err != nil {
		return err
	}
	return c.VerifyRole(ctx, action, userID, roleID, serverID)
}

// VerifyRole confirms the expected post-state of an already-applied role
// mutation: role present after an add, absent after a remove. The check
// waits out the verify delay first. A cancelled wait or a failed
// confirmation fetch is not evidence of a bad mutation and verifies clean.
func (c *Client) VerifyRole(ctx context.Context, action Action, userID, roleID, serverID string) error {
	if err := c.sleep(ctx, c.verifyDelay); err != nil {
		return nil
	}

	roles, err := c.FetchUserRoles(ctx, userID)
	if err != nil {
		return nil
	}
	present := false
	for _, role := range roles {
		if role.RoleID == roleID && (serverID == "" || role.ServerID == serverID) {
			present = true
			break
		}
	}
	wantPresent := action == ActionAdd
	if present != wantPresent {
		return perrors.WithMetadata(
			perrors.CodeMutationVerifyMismatch,
			fmt.Sprintf("role %s reported success but post-state check found present=%t, want %t", action, present, wantPresent),
			map[string]string{"role_id": roleID, "action": string(action)},
		)
	}
	return nil
}

// BatchApply issues all adds and removals for one user and server in a
// single directory call. Callers treat a failure as a signal to fall back
// to individual mutations, not as a fatal outcome.
func (c *Client) BatchApply(ctx context.Context, userID, serverID string, addRoleIDs, removeRoleIDs []string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id is required")
	}
	if len(addRoleIDs) == 0 && len(removeRoleIDs) == 0 {
		return nil
	}

	body := struct {
		UserID        string   `json:"userId"`
		ServerID      string   `json:"serverId"`
		AddRoleIDs    []string `json:"addRoleIds"`
		RemoveRoleIDs []string `json:"removeRoleIds"`
	}{userID, serverID, addRoleIDs, removeRoleIDs}

	return c.retry(ctx, func() error {
		return c.do(ctx, http.MethodPost, "/roles/manage_batch", c.mutateTimeout, body, nil, "batch apply roles")
	})
}
