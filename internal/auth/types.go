package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"Aegis-Assist/internal/operation"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled           = errors.New("authentication disabled")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrMissingToken       = errors.New("missing bearer token")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionUnknown     = errors.New("unknown session")
	ErrCapabilityDenied   = errors.New("capability denied")
	ErrPrincipalRevoked   = errors.New("principal is disabled")
)

// Capability names a single granted ability. Operations require a fixed
// set of capabilities depending on their type.
type Capability string

const (
	CapabilityFileRead       Capability = "file.read"
	CapabilityFileWrite      Capability = "file.write"
	CapabilityWebAccess      Capability = "web.access"
	CapabilityAppControl     Capability = "app.control"
	CapabilitySystemSettings Capability = "system.settings"
	CapabilityCommandExec    Capability = "command.exec"
)

// requiredCapabilities is the static mapping from operation type to the
// full capability set a principal must hold. File operations require both
// read and write regardless of the concrete action.
var requiredCapabilities = map[operation.Type][]Capability{
	operation.TypeFileOp:         {CapabilityFileRead, CapabilityFileWrite},
	operation.TypeWebNav:         {CapabilityWebAccess},
	operation.TypeAppControl:     {CapabilityAppControl},
	operation.TypeSystemSettings: {CapabilitySystemSettings},
	operation.TypeCommandExec:    {CapabilityCommandExec},
}

// RequiredCapabilities returns the capability set an operation type demands.
func RequiredCapabilities(t operation.Type) []Capability {
	caps := requiredCapabilities[t]
	return append([]Capability(nil), caps...)
}

// Store abstracts the persistent principal catalogue used by the
// authentication service. Implementations must be safe for concurrent use.
type Store interface {
	FindUserByUsername(ctx context.Context, username string) (*User, error)
	LoadPrincipal(ctx context.Context, username string) (*Principal, error)
}

// SeedWriter is implemented by stores that can upsert seed principals for
// bootstrapping.
type SeedWriter interface {
	ApplySeed(ctx context.Context, seed Seed) error
}

// User represents a persisted account with credentials.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	Disabled     bool
}

// Principal captures an authenticated identity and its granted
// capabilities, passed to request handlers via context.
type Principal struct {
	ID           string
	Roles        []string
	Capabilities []Capability
	Disabled     bool

	capabilitySet map[Capability]struct{}
}

// normalise prepares the lookup set for capability checks.
func (p *Principal) normalise() {
	if p == nil {
		return
	}
	if p.capabilitySet == nil {
		p.capabilitySet = make(map[Capability]struct{}, len(p.Capabilities))
		for _, c := range p.Capabilities {
			p.capabilitySet[Capability(strings.ToLower(strings.TrimSpace(string(c))))] = struct{}{}
		}
	}
}

// HasCapability reports whether the principal holds the capability.
func (p *Principal) HasCapability(c Capability) bool {
	if p == nil {
		return false
	}
	p.normalise()
	_, ok := p.capabilitySet[Capability(strings.ToLower(strings.TrimSpace(string(c))))]
	return ok
}

// Require ensures the principal holds every listed capability.
func (p *Principal) Require(caps ...Capability) error {
	if p == nil {
		return ErrInvalidToken
	}
	if p.Disabled {
		return ErrPrincipalRevoked
	}
	for _, c := range caps {
		if c == "" {
			continue
		}
		if !p.HasCapability(c) {
			return fmt.Errorf("%w: missing %s", ErrCapabilityDenied, c)
		}
	}
	return nil
}

// Clone creates a copy of the principal suitable for handing to callers.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	clone := &Principal{
		ID:           p.ID,
		Roles:        append([]string(nil), p.Roles...),
		Capabilities: append([]Capability(nil), p.Capabilities...),
		Disabled:     p.Disabled,
	}
	clone.normalise()
	return clone
}

// Session is a live authenticated window bound to a principal. The token
// binds {principal id, session id} with an HMAC signature.
type Session struct {
	ID           string    `json:"id"`
	PrincipalID  string    `json:"principal_id"`
	Token        string    `json:"token"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Credentials describes the payload accepted by the token issuance endpoint.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Config configures the authentication service.
type Config struct {
	Mode       Mode
	Secret     string
	SessionTTL time.Duration
	Seeds      []Seed
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	ModeDisabled Mode = "disabled"
	ModeToken    Mode = "token"
)

// Seed defines the initial accounts and capabilities to bootstrap.
type Seed struct {
	Username     string
	Password     string
	Roles        []string
	Capabilities []Capability
	Disabled     bool
}
