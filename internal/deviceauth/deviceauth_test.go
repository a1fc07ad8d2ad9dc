package deviceauth

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestAuth(t *testing.T) *DeviceAuth {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "identity.json"), filepath.Join(dir, "tokens.json"), nil)
}

func TestLoadOrGenerateKeypair_GeneratesAndReloads(t *testing.T) {
	dir := t.TempDir()
	identity := filepath.Join(dir, "nested", "identity.json")
	a := New(identity, filepath.Join(dir, "tokens.json"), nil)

	if err := a.LoadOrGenerateKeypair(); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if a.DeviceID() == "" {
		t.Fatal("expected device id after generation")
	}

	info, err := os.Stat(identity)
	if err != nil {
		t.Fatalf("stat identity: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("identity perms = %o, want 600", perm)
	}

	// A second instance loads the same identity.
	b := New(identity, filepath.Join(dir, "tokens.json"), nil)
	if err := b.LoadOrGenerateKeypair(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if b.DeviceID() != a.DeviceID() {
		t.Fatalf("device id changed across reload: %s vs %s", b.DeviceID(), a.DeviceID())
	}
}

func TestLoadOrGenerateKeypair_DeviceIDMismatchIsFatal(t *testing.T) {
	a := newTestAuth(t)
	if err := a.LoadOrGenerateKeypair(); err != nil {
		t.Fatalf("generate: %v", err)
	}

	data, err := os.ReadFile(a.identityPath)
	if err != nil {
		t.Fatalf("read identity: %v", err)
	}
	var file identityFile
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("parse identity: %v", err)
	}
	file.DeviceID = "0000" + file.DeviceID[4:]
	tampered, _ := json.Marshal(file)
	if err := os.WriteFile(a.identityPath, tampered, 0o600); err != nil {
		t.Fatalf("write tampered identity: %v", err)
	}

	b := New(a.identityPath, a.cachePath, nil)
	err = b.LoadOrGenerateKeypair()
	if !errors.Is(err, ErrDeviceIDMismatch) {
		t.Fatalf("expected ErrDeviceIDMismatch, got %v", err)
	}
}

func TestSignPayload_VerifiesWithPublicKey(t *testing.T) {
	a := newTestAuth(t)
	if err := a.LoadOrGenerateKeypair(); err != nil {
		t.Fatalf("generate: %v", err)
	}

	scopes := []string{"operator.read", "operator.write"}
	sig, signedAt, err := a.SignPayload("backend", "backend", "operator", scopes, "tok", "nonce-1")
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signedAt <= 0 {
		t.Fatalf("bad signedAt: %d", signedAt)
	}

	canonical := strings.Join([]string{
		"v2", a.DeviceID(), "backend", "backend", "operator",
		"operator.read,operator.write", fmt.Sprintf("%d", signedAt), "tok", "nonce-1",
	}, "|")
	sigBytes, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if !ed25519.Verify(a.publicKey, []byte(canonical), sigBytes) {
		t.Fatal("signature does not verify against canonical string")
	}
}

func TestSignPayload_RequiresLoadedKeypair(t *testing.T) {
	a := newTestAuth(t)
	if _, _, err := a.SignPayload("c", "m", "r", nil, "t", "n"); !errors.Is(err, ErrKeypairNotLoaded) {
		t.Fatalf("expected ErrKeypairNotLoaded, got %v", err)
	}
	if _, err := a.PublicKeyBase64URL(); !errors.Is(err, ErrKeypairNotLoaded) {
		t.Fatalf("expected ErrKeypairNotLoaded, got %v", err)
	}
}

func TestBuildConnectParams_PrefersCachedToken(t *testing.T) {
	a := newTestAuth(t)
	if err := a.LoadOrGenerateKeypair(); err != nil {
		t.Fatalf("generate: %v", err)
	}

	client := ClientInfo{ID: "backend", DisplayName: "Backend", Version: "1.0", Platform: "linux", Mode: "backend"}

	params, err := a.BuildConnectParams(1, 1, "operator", []string{"chat"}, client, "bootstrap-tok", "nonce-7")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if params.Auth.Token != "bootstrap-tok" {
		t.Fatalf("expected bootstrap token, got %q", params.Auth.Token)
	}
	if params.Device == nil || params.Device.ID != a.DeviceID() || params.Device.Nonce != "nonce-7" {
		t.Fatalf("bad device block: %+v", params.Device)
	}

	if err := a.CacheToken("device-tok", "operator"); err != nil {
		t.Fatalf("cache: %v", err)
	}
	params, err = a.BuildConnectParams(1, 1, "operator", []string{"chat"}, client, "bootstrap-tok", "nonce-8")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if params.Auth.Token != "device-tok" {
		t.Fatalf("expected cached device token, got %q", params.Auth.Token)
	}
}

func TestTokenCache_PerRole(t *testing.T) {
	a := newTestAuth(t)
	if err := a.LoadOrGenerateKeypair(); err != nil {
		t.Fatalf("generate: %v", err)
	}

	if err := a.CacheToken("tok-a", "operator"); err != nil {
		t.Fatalf("cache operator: %v", err)
	}
	if err := a.CacheToken("tok-b", "viewer"); err != nil {
		t.Fatalf("cache viewer: %v", err)
	}

	if got := a.GetCachedToken("operator"); got != "tok-a" {
		t.Fatalf("operator token = %q, want tok-a", got)
	}
	if got := a.GetCachedToken("viewer"); got != "tok-b" {
		t.Fatalf("viewer token = %q, want tok-b", got)
	}

	if err := a.ClearCachedToken("operator"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if got := a.GetCachedToken("operator"); got != "" {
		t.Fatalf("operator token after clear = %q, want empty", got)
	}
	if got := a.GetCachedToken("viewer"); got != "tok-b" {
		t.Fatalf("viewer token disturbed by clear: %q", got)
	}
}

func TestTokenCache_CorruptedFileTreatedAsEmpty(t *testing.T) {
	a := newTestAuth(t)
	if err := a.LoadOrGenerateKeypair(); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if err := os.WriteFile(a.cachePath, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write corrupt cache: %v", err)
	}

	if got := a.GetCachedToken("operator"); got != "" {
		t.Fatalf("expected empty token from corrupt cache, got %q", got)
	}
	// Caching over a corrupt file recovers it.
	if err := a.CacheToken("tok-c", "operator"); err != nil {
		t.Fatalf("cache over corrupt file: %v", err)
	}
	if got := a.GetCachedToken("operator"); got != "tok-c" {
		t.Fatalf("token after recovery = %q, want tok-c", got)
	}
}
