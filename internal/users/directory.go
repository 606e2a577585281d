// Package users is the cache-first directory of world-scoped users.
package users

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"liveroom/pkg/interfaces"
	"liveroom/pkg/types"
)

// Directory resolves logins and caches users of active connections. Users
// are forgotten when their last socket closes.
type Directory struct {
	store  interfaces.UserStore
	logger *slog.Logger

	mu    sync.RWMutex
	users map[string]*types.User // world/user -> user
}

func NewDirectory(store interfaces.UserStore, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		store:  store,
		logger: logger.With("component", "users"),
		users:  make(map[string]*types.User),
	}
}

func cacheKey(worldID, userID string) string {
	return worldID + "/" + userID
}

func (d *Directory) remember(u *types.User) *types.User {
	d.mu.Lock()
	d.users[cacheKey(u.WorldID, u.ID)] = u
	d.mu.Unlock()
	return u
}

// Login resolves the user of a login key, creating it on first login.
// Token logins refresh the stored traits.
func (d *Directory) Login(ctx context.Context, worldID string, key interfaces.UserKey, traits []string) (*types.User, bool, error) {
	if (key.ClientID == "") == (key.TokenID == "") {
		return nil, false, ErrInvalidKey
	}
	if traits == nil {
		traits = []string{}
	}

	user, created, err := d.store.FindOrCreateUser(ctx, worldID, key, traits)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve login: %w", err)
	}
	if created {
		d.logger.Info("user created", "world", worldID, "user", user.ID)
	}
	return d.remember(user), created, nil
}

// Get returns a user, from cache when possible. The result must not be
// modified.
func (d *Directory) Get(ctx context.Context, worldID, userID string) (*types.User, error) {
	d.mu.RLock()
	u, ok := d.users[cacheKey(worldID, userID)]
	d.mu.RUnlock()
	if ok {
		return u, nil
	}

	u, err := d.store.GetUser(ctx, worldID, userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return d.remember(u), nil
}

// GetMany returns the existing users among ids, keyed by id.
func (d *Directory) GetMany(ctx context.Context, worldID string, ids []string) (map[string]*types.User, error) {
	out := make(map[string]*types.User, len(ids))
	var missing []string

	d.mu.RLock()
	for _, id := range ids {
		if u, ok := d.users[cacheKey(worldID, id)]; ok {
			out[id] = u
		} else {
			missing = append(missing, id)
		}
	}
	d.mu.RUnlock()

	if len(missing) == 0 {
		return out, nil
	}
	loaded, err := d.store.GetUsers(ctx, worldID, missing)
	if err != nil {
		return nil, fmt.Errorf("failed to load users: %w", err)
	}
	for _, u := range loaded {
		out[u.ID] = d.remember(u)
	}
	return out, nil
}

// UpdateProfile replaces the profile of a user and returns the new record.
// Only the profile is written, so a concurrent moderation change survives.
func (d *Directory) UpdateProfile(ctx context.Context, user *types.User, profile map[string]any) (*types.User, error) {
	if profile == nil {
		profile = map[string]any{}
	}
	if err := types.ValidateProfile(profile); err != nil {
		return nil, err
	}

	updated, err := d.store.UpdateProfile(ctx, user.WorldID, user.ID, profile)
	if err != nil {
		return nil, d.storeError("failed to update user", err)
	}
	return d.remember(updated), nil
}

// SetModeration changes the moderation state of a user.
func (d *Directory) SetModeration(ctx context.Context, worldID, userID, state string) (*types.User, error) {
	switch state {
	case types.ModerationNone, types.ModerationSilenced, types.ModerationBanned:
	default:
		return nil, ErrInvalidModState
	}

	updated, err := d.store.SetModerationState(ctx, worldID, userID, state)
	if err != nil {
		return nil, d.storeError("failed to update moderation state", err)
	}
	d.logger.Info("moderation state changed", "world", worldID, "user", userID, "state", state)
	return d.remember(updated), nil
}

func (d *Directory) storeError(msg string, err error) error {
	if errors.Is(err, interfaces.ErrNotFound) {
		return ErrUserNotFound
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Block records that blocker blocked blocked.
func (d *Directory) Block(ctx context.Context, worldID, blockerID, blockedID string) error {
	if blockerID == blockedID {
		return ErrSelfBlock
	}
	if _, err := d.Get(ctx, worldID, blockedID); err != nil {
		return err
	}
	return d.store.AddBlock(ctx, worldID, blockerID, blockedID)
}

// Unblock removes a block. Removing a missing block is not an error.
func (d *Directory) Unblock(ctx context.Context, worldID, blockerID, blockedID string) error {
	if _, err := d.Get(ctx, worldID, blockedID); err != nil {
		return err
	}
	_, err := d.store.RemoveBlock(ctx, worldID, blockerID, blockedID)
	return err
}

// Blocked returns the users blocked by blockerID.
func (d *Directory) Blocked(ctx context.Context, worldID, blockerID string) ([]*types.User, error) {
	ids, err := d.store.ListBlocked(ctx, worldID, blockerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	byID, err := d.GetMany(ctx, worldID, ids)
	if err != nil {
		return nil, err
	}
	out := make([]*types.User, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// BlockRelations returns every user that userID blocked or that blocked
// userID.
func (d *Directory) BlockRelations(ctx context.Context, worldID, userID string) (map[string]bool, error) {
	blocked, err := d.store.ListBlocked(ctx, worldID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	blockedBy, err := d.store.BlockedBy(ctx, worldID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks: %w", err)
	}
	out := make(map[string]bool, len(blocked)+len(blockedBy))
	for _, id := range append(blocked, blockedBy...) {
		out[id] = true
	}
	return out, nil
}

// BlockedBetween reports whether userID blocked any of others or any of
// others blocked userID.
func (d *Directory) BlockedBetween(ctx context.Context, worldID, userID string, others []string) (bool, error) {
	if len(others) == 0 {
		return false, nil
	}
	related, err := d.BlockRelations(ctx, worldID, userID)
	if err != nil {
		return false, err
	}
	for _, o := range others {
		if o != userID && related[o] {
			return true, nil
		}
	}
	return false, nil
}

// Forget drops a cached user.
func (d *Directory) Forget(worldID, userID string) {
	d.mu.Lock()
	delete(d.users, cacheKey(worldID, userID))
	d.mu.Unlock()
}

// Stats reports cache size.
func (d *Directory) Stats() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return map[string]any{"cached_users": len(d.users)}
}
