// Package deviceauth manages the bridge's persistent device identity.
//
// The gateway authenticates connecting processes by device, not by human
// account: each bridge instance holds an Ed25519 keypair on disk, and every
// connection attempt signs a server-issued challenge nonce with it. Issued
// device tokens are cached per role so reconnects can skip the bootstrap
// token.
package deviceauth

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// signingVersion is the canonical-string version prefix the gateway
// currently verifies.
const signingVersion = "v2"

var (
	// ErrKeypairNotLoaded is returned when signing is attempted before
	// LoadOrGenerateKeypair.
	ErrKeypairNotLoaded = errors.New("device keypair not loaded")

	// ErrDeviceIDMismatch indicates the identity file's recorded device id
	// does not match the digest of its public key. The file is never
	// auto-repaired; a mismatch means tampering or corruption.
	ErrDeviceIDMismatch = errors.New("device id does not match public key digest")
)

// identityFile is the on-disk identity format.
type identityFile struct {
	PrivateKeyPEM string `json:"privateKeyPem"`
	PublicKeyPEM  string `json:"publicKeyPem"`
	DeviceID      string `json:"deviceId"`
}

// DeviceAuth holds the device identity and its token cache.
type DeviceAuth struct {
	identityPath string
	cachePath    string
	logger       *slog.Logger

	deviceID   string
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// New creates a DeviceAuth rooted at the given paths. The keypair is not
// touched until LoadOrGenerateKeypair. If logger is nil, slog.Default()
// is used.
func New(identityPath, cachePath string, logger *slog.Logger) *DeviceAuth {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceAuth{
		identityPath: identityPath,
		cachePath:    cachePath,
		logger:       logger,
	}
}

// DeviceID returns the device id, or "" before the keypair is loaded.
func (a *DeviceAuth) DeviceID() string {
	return a.deviceID
}

// LoadOrGenerateKeypair loads the identity file, or generates and persists
// a fresh keypair if none exists. On load the recorded device id is
// re-verified against the public key digest; a mismatch is fatal.
func (a *DeviceAuth) LoadOrGenerateKeypair() error {
	data, err := os.ReadFile(a.identityPath)
	if errors.Is(err, os.ErrNotExist) {
		return a.generate()
	}
	if err != nil {
		return fmt.Errorf("reading identity file: %w", err)
	}

	var file identityFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing identity file: %w", err)
	}

	priv, err := parsePrivateKeyPEM(file.PrivateKeyPEM)
	if err != nil {
		return fmt.Errorf("parsing private key: %w", err)
	}
	pub, err := parsePublicKeyPEM(file.PublicKeyPEM)
	if err != nil {
		return fmt.Errorf("parsing public key: %w", err)
	}

	recomputed := deviceIDFromPublicKey(pub)
	if recomputed != file.DeviceID {
		return fmt.Errorf("%w: recorded %s, computed %s", ErrDeviceIDMismatch, file.DeviceID, recomputed)
	}

	a.privateKey = priv
	a.publicKey = pub
	a.deviceID = file.DeviceID
	a.logger.Debug("device identity loaded", "device_id", a.deviceID)
	return nil
}

func (a *DeviceAuth) generate() error {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating keypair: %w", err)
	}

	privPEM, err := encodePrivateKeyPEM(priv)
	if err != nil {
		return err
	}
	pubPEM, err := encodePublicKeyPEM(pub)
	if err != nil {
		return err
	}

	file := identityFile{
		PrivateKeyPEM: privPEM,
		PublicKeyPEM:  pubPEM,
		DeviceID:      deviceIDFromPublicKey(pub),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding identity file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(a.identityPath), 0o700); err != nil {
		return fmt.Errorf("creating identity directory: %w", err)
	}
	if err := os.WriteFile(a.identityPath, data, 0o600); err != nil {
		return fmt.Errorf("writing identity file: %w", err)
	}

	a.privateKey = priv
	a.publicKey = pub
	a.deviceID = file.DeviceID
	a.logger.Info("device identity generated", "device_id", a.deviceID, "path", a.identityPath)
	return nil
}

// PublicKeyBase64URL returns the raw public key as unpadded base64url, the
// encoding the handshake payload carries.
func (a *DeviceAuth) PublicKeyBase64URL() (string, error) {
	if a.publicKey == nil {
		return "", ErrKeypairNotLoaded
	}
	return base64.RawURLEncoding.EncodeToString(a.publicKey), nil
}

// SignPayload signs the v2 canonical string for a connection attempt and
// returns the base64url signature plus the signing timestamp in unix
// milliseconds. Must only be called after LoadOrGenerateKeypair.
func (a *DeviceAuth) SignPayload(clientID, clientMode, role string, scopes []string, authToken, nonce string) (string, int64, error) {
	if a.privateKey == nil {
		return "", 0, ErrKeypairNotLoaded
	}

	signedAt := time.Now().UnixMilli()
	canonical := strings.Join([]string{
		signingVersion,
		a.deviceID,
		clientID,
		clientMode,
		role,
		strings.Join(scopes, ","),
		fmt.Sprintf("%d", signedAt),
		authToken,
		nonce,
	}, "|")

	sig := ed25519.Sign(a.privateKey, []byte(canonical))
	return base64.RawURLEncoding.EncodeToString(sig), signedAt, nil
}

// ConnectParams is the full handshake payload for the gateway's connect
// request.
type ConnectParams struct {
	MinProtocol int          `json:"minProtocol"`
	MaxProtocol int          `json:"maxProtocol"`
	Role        string       `json:"role"`
	Scopes      []string     `json:"scopes"`
	Client      ClientInfo   `json:"client"`
	Auth        AuthBlock    `json:"auth"`
	Device      *DeviceBlock `json:"device,omitempty"`
}

// ClientInfo describes the connecting process.
type ClientInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Version     string `json:"version"`
	Platform    string `json:"platform"`
	Mode        string `json:"mode"`
}

// AuthBlock carries the bearer token used for this attempt.
type AuthBlock struct {
	Token string `json:"token"`
}

// DeviceBlock proves possession of the device key for this nonce.
type DeviceBlock struct {
	ID        string `json:"id"`
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	SignedAt  int64  `json:"signedAt"`
	Nonce     string `json:"nonce"`
}

// BuildConnectParams assembles the handshake payload. A cached device
// token for the role is preferred over the bootstrap token.
func (a *DeviceAuth) BuildConnectParams(minProtocol, maxProtocol int, role string, scopes []string, client ClientInfo, bootstrapToken, nonce string) (*ConnectParams, error) {
	if a.privateKey == nil {
		return nil, ErrKeypairNotLoaded
	}

	token := bootstrapToken
	if cached := a.GetCachedToken(role); cached != "" {
		token = cached
	}

	sig, signedAt, err := a.SignPayload(client.ID, client.Mode, role, scopes, token, nonce)
	if err != nil {
		return nil, err
	}
	pub, err := a.PublicKeyBase64URL()
	if err != nil {
		return nil, err
	}

	return &ConnectParams{
		MinProtocol: minProtocol,
		MaxProtocol: maxProtocol,
		Role:        role,
		Scopes:      scopes,
		Client:      client,
		Auth:        AuthBlock{Token: token},
		Device: &DeviceBlock{
			ID:        a.deviceID,
			PublicKey: pub,
			Signature: sig,
			SignedAt:  signedAt,
			Nonce:     nonce,
		},
	}, nil
}

func deviceIDFromPublicKey(pub ed25519.PublicKey) string {
	digest := sha256.Sum256(pub)
	return hex.EncodeToString(digest[:])
}

func encodePrivateKeyPEM(priv ed25519.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("encoding private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})), nil
}

func encodePublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

func parsePrivateKeyPEM(text string) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected private key type %T", key)
	}
	return priv, nil
}

func parsePublicKeyPEM(text string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(text))
	if block == nil {
		return nil, errors.New("no PEM block found")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type %T", key)
	}
	return pub, nil
}
