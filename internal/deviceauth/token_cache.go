package deviceauth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// tokenCacheFile maps deviceId -> role -> token. Keying by device id keeps
// caches from different identities on the same host from clobbering each
// other.
type tokenCacheFile map[string]map[string]string

// CacheToken persists a device token for a role. Tokens for other roles
// and other devices are preserved.
func (a *DeviceAuth) CacheToken(token, role string) error {
	if a.deviceID == "" {
		return ErrKeypairNotLoaded
	}

	cache := a.readTokenCache()
	if cache[a.deviceID] == nil {
		cache[a.deviceID] = map[string]string{}
	}
	cache[a.deviceID][role] = token

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token cache: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(a.cachePath), 0o700); err != nil {
		return fmt.Errorf("creating token cache directory: %w", err)
	}
	if err := os.WriteFile(a.cachePath, data, 0o600); err != nil {
		return fmt.Errorf("writing token cache: %w", err)
	}
	return nil
}

// GetCachedToken returns the cached token for a role, or "" when none is
// cached.
func (a *DeviceAuth) GetCachedToken(role string) string {
	if a.deviceID == "" {
		return ""
	}
	return a.readTokenCache()[a.deviceID][role]
}

// ClearCachedToken removes the cached token for a role. Clearing a role
// with no cached token is a no-op.
func (a *DeviceAuth) ClearCachedToken(role string) error {
	if a.deviceID == "" {
		return ErrKeypairNotLoaded
	}

	cache := a.readTokenCache()
	roles, ok := cache[a.deviceID]
	if !ok {
		return nil
	}
	if _, ok := roles[role]; !ok {
		return nil
	}
	delete(roles, role)
	if len(roles) == 0 {
		delete(cache, a.deviceID)
	}

	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding token cache: %w", err)
	}
	if err := os.WriteFile(a.cachePath, data, 0o600); err != nil {
		return fmt.Errorf("writing token cache: %w", err)
	}
	return nil
}

// readTokenCache loads the cache file. A missing or corrupted file is an
// empty cache, never an error; a bad cache only costs one bootstrap
// handshake.
func (a *DeviceAuth) readTokenCache() tokenCacheFile {
	data, err := os.ReadFile(a.cachePath)
	if err != nil {
		return tokenCacheFile{}
	}
	var cache tokenCacheFile
	if err := json.Unmarshal(data, &cache); err != nil {
		a.logger.Warn("token cache unreadable, treating as empty", "path", a.cachePath, "error", err)
		return tokenCacheFile{}
	}
	if cache == nil {
		cache = tokenCacheFile{}
	}
	return cache
}
