package connections

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/locator"
	"github.com/minerlink/minerlink/pkg/telemetry"
)

// Source tells where a resolved value came from.
type Source int

const (
	SourcePlain Source = iota
	SourceEncrypted
	SourceVault
	SourceMacro
)

func (s Source) String() string {
	switch s {
	case SourcePlain:
		return "plain"
	case SourceEncrypted:
		return "encrypted"
	case SourceVault:
		return "vault"
	case SourceMacro:
		return "macro"
	}
	return fmt.Sprintf("source(%d)", int(s))
}

// ResolvedField is the outcome of resolving one key. A nil Value with a nil
// Err means the stored encrypted value was withheld; only the vault can
// supply it.
type ResolvedField struct {
	Key    string
	Value  *string
	Source Source
	Err    error
}

// String returns the value or the empty string.
func (r ResolvedField) String() string {
	if r.Value == nil {
		return ""
	}
	return *r.Value
}

// VaultKey identifies the parameter group of a vault entry.
type VaultKey struct {
	Group string `json:"group"`
}

// VaultParameter names the parameter a vault entry belongs to.
type VaultParameter struct {
	Name string   `json:"name"`
	Key  VaultKey `json:"key"`
}

// VaultEntry is one value stored in the platform vault for a connection.
type VaultEntry struct {
	Parameter VaultParameter `json:"parameter"`
	Value     *string        `json:"value"`
}

// KeyService is the server side of resolution. The remote backend
// implements it.
type KeyService interface {
	// ProjectKey returns the key encrypted fields of project are sealed
	// with.
	ProjectKey(ctx context.Context, project string) ([]byte, error)

	// VaultEntries returns the vault values stored for the connection at
	// location.
	VaultEntries(ctx context.Context, location locator.Locator) ([]VaultEntry, error)
}

// MacroSource supplies values for macro injected fields.
type MacroSource interface {
	// Macro returns the value of macro name for the named connection.
	Macro(connection, name string) (string, error)
}

// MacroMap serves macros from a map, regardless of connection.
type MacroMap map[string]string

func (m MacroMap) Macro(connection, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", errs.Newf(errs.KindMacroNotFound, "macro %s is not defined", name).WithResource(connection)
	}
	return v, nil
}

// MacroFunc serves macros from a callback.
type MacroFunc func(connection, name string) (string, error)

func (f MacroFunc) Macro(connection, name string) (string, error) {
	v, err := f(connection, name)
	if err != nil {
		if errs.Is(err, errs.KindMacroNotFound) {
			return "", err
		}
		return "", errs.Wrap(errs.KindMacroNotFound, fmt.Sprintf("cannot get macro %s", name), err).WithResource(connection)
	}
	return v, nil
}

// Resolver computes field values. Encrypted and injected values are
// recomputed on every call; only the project key is kept once fetched.
type Resolver struct {
	project string
	keys    KeyService
	macros  MacroSource
	tel     *telemetry.Telemetry
	logger  *telemetry.Logger

	mu   sync.Mutex
	aead cipher.AEAD
}

// NewResolver returns a resolver for connections of project. keys and
// macros may be nil, in which case fields needing them fail to resolve.
func NewResolver(project string, keys KeyService, macros MacroSource, tel *telemetry.Telemetry) *Resolver {
	tel = telemetry.OrNop(tel)
	return &Resolver{
		project: project,
		keys:    keys,
		macros:  macros,
		tel:     tel,
		logger:  tel.Logger.NewComponentLogger("connections"),
	}
}

// Project is the project the resolver serves.
func (r *Resolver) Project() string { return r.project }

// Resolve computes the value of key.
func (r *Resolver) Resolve(ctx context.Context, c *Connection, key string) ResolvedField {
	f, ok := c.Field(key)
	if !ok {
		return ResolvedField{Key: key, Err: errs.Newf(errs.KindFieldNotFound, "connection %s has no field %s", c.Name(), key).WithResource(c.Name())}
	}
	return r.resolve(ctx, c, f)
}

func (r *Resolver) resolve(ctx context.Context, c *Connection, f Field) ResolvedField {
	if !f.dynamic() {
		v := f.Value
		return ResolvedField{Key: f.Key, Value: &v, Source: SourcePlain}
	}
	ctx, span := r.tel.Tracer.StartResolveSpan(ctx, c.Name(), f.Key)
	res := r.resolveDynamic(ctx, c, f)
	if res.Err != nil {
		telemetry.RecordError(span, res.Err)
	} else {
		telemetry.RecordSuccess(span)
	}
	span.End()
	return res
}

func (r *Resolver) resolveDynamic(ctx context.Context, c *Connection, f Field) ResolvedField {
	logger := r.logger.WithConnection(r.project, c.Name()).WithField("key", f.Key)

	if f.Injector != "" {
		res := r.injected(ctx, c, f)
		if res.Err != nil {
			logger.WithError(res.Err).Debug("injected field did not resolve")
		}
		return res
	}

	res := ResolvedField{Key: f.Key, Source: SourceEncrypted}
	if f.Value == "" {
		return res
	}
	if r.keys == nil {
		res.Err = errs.New(errs.KindDecryptionUnavailable, "encrypted fields need a server backend to decrypt").WithResource(c.Name())
		return res
	}
	v, err := r.decrypt(ctx, f.Value)
	if err != nil {
		logger.WithError(err).Warn("failed to decrypt field")
		res.Err = err
		return res
	}
	res.Value = &v
	return res
}

func (r *Resolver) injected(ctx context.Context, c *Connection, f Field) ResolvedField {
	p, ok := c.provider(f.Injector)
	if !ok {
		return ResolvedField{Key: f.Key, Err: errs.Newf(errs.KindInvalidArgument, "value provider %s not found", f.Injector).WithResource(c.Name())}
	}

	switch p.Type {
	case ProviderVault:
		res := ResolvedField{Key: f.Key, Source: SourceVault}
		if r.keys == nil {
			res.Err = errs.New(errs.KindDecryptionUnavailable, "vault values need a server backend").WithResource(c.Name())
			return res
		}
		entries, err := r.keys.VaultEntries(ctx, locator.ProjectPath{Project: r.project, Path: c.Path()})
		if err != nil {
			res.Err = err
			return res
		}
		for _, e := range entries {
			if e.Parameter.Name == f.Name && e.Parameter.Key.Group == f.Group {
				res.Value = e.Value
				return res
			}
		}
		res.Err = errs.Newf(errs.KindNotFound, "field %s not found in the vault", f.Key).WithResource(c.Name())
		return res

	case ProviderMacro:
		res := ResolvedField{Key: f.Key, Source: SourceMacro}
		name := f.Name
		if len(p.Parameters) > 0 && p.Parameters[0].Value != "" {
			name = p.Parameters[0].Value + "_" + name
		}
		if r.macros == nil {
			res.Err = errs.Newf(errs.KindMacroNotFound, "connection %s uses macros but no macros were given", c.Name()).WithResource(c.Name())
			return res
		}
		v, err := r.macros.Macro(c.Name(), name)
		if err != nil {
			res.Err = err
			return res
		}
		res.Value = &v
		return res
	}
	return ResolvedField{Key: f.Key, Err: errs.Newf(errs.KindInvalidArgument, "unknown injector type %s", p.Type).WithResource(c.Name())}
}

// Values resolves every field in scan order. It stops at the first field
// that fails.
func (r *Resolver) Values(ctx context.Context, c *Connection) ([]ResolvedField, error) {
	out := make([]ResolvedField, 0, len(c.fields))
	for _, f := range c.fields {
		res := r.resolve(ctx, c, f)
		if res.Err != nil {
			return nil, res.Err
		}
		out = append(out, res)
	}
	return out, nil
}

// FindFirst returns the first field whose bare key contains one of words,
// case-insensitively. Words are tried in order and each scans all fields
// in group order.
func (r *Resolver) FindFirst(ctx context.Context, c *Connection, words ...string) (ResolvedField, error) {
	f, ok := c.match(words)
	if !ok {
		return ResolvedField{}, errs.Newf(errs.KindFieldNotFound, "no field of %s has any of %q in its key", c.Name(), words).WithResource(c.Name())
	}
	res := r.resolve(ctx, c, f)
	return res, res.Err
}

// User returns the first field that looks like a user name.
func (r *Resolver) User(ctx context.Context, c *Connection) (ResolvedField, error) {
	return r.FindFirst(ctx, c, "username", "user")
}

// Password returns the first field that looks like a password.
func (r *Resolver) Password(ctx context.Context, c *Connection) (ResolvedField, error) {
	return r.FindFirst(ctx, c, "password")
}

func (r *Resolver) cipher(ctx context.Context) (cipher.AEAD, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aead != nil {
		return r.aead, nil
	}
	key, err := r.keys.ProjectKey(ctx, r.project)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errs.Wrap(errs.KindCorruptPayload, "project key is not usable", err).WithResource(r.project)
	}
	r.aead = aead
	return aead, nil
}

func (r *Resolver) decrypt(ctx context.Context, value string) (string, error) {
	aead, err := r.cipher(ctx)
	if err != nil {
		return "", err
	}
	return OpenValue(aead, value)
}

// Seal encrypts plaintext for storage in a definition: the nonce followed
// by the ciphertext, base64 encoded.
func Seal(aead cipher.AEAD, plaintext string) (string, error) {
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// OpenValue reverses Seal.
func OpenValue(aead cipher.AEAD, value string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return "", errs.Wrap(errs.KindCorruptPayload, "encrypted value is not base64", err)
	}
	if len(raw) < aead.NonceSize() {
		return "", errs.New(errs.KindCorruptPayload, "encrypted value is too short")
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", errs.Wrap(errs.KindCorruptPayload, "failed to decrypt value", err)
	}
	return string(plain), nil
}
