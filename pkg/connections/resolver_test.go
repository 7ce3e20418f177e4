package connections

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/minerlink/minerlink/pkg/errs"
	"github.com/minerlink/minerlink/pkg/locator"
)

type fakeKeys struct {
	key       []byte
	keyCalls  int
	entries   []VaultEntry
	locations []locator.Locator
	err       error
}

func (f *fakeKeys) ProjectKey(ctx context.Context, project string) ([]byte, error) {
	f.keyCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.key, nil
}

func (f *fakeKeys) VaultEntries(ctx context.Context, loc locator.Locator) ([]VaultEntry, error) {
	f.locations = append(f.locations, loc)
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func strptr(s string) *string { return &s }

func testKey() []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func sealed(t *testing.T, key []byte, plain string) string {
	t.Helper()
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		t.Fatal(err)
	}
	v, err := Seal(aead, plain)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestResolvePlain(t *testing.T) {
	r := NewResolver("churn", nil, nil, nil)
	c := NewConnection(postgresDefinition(), false)

	res := r.Resolve(context.Background(), c, "basic.host")
	if res.Err != nil {
		t.Fatalf("Resolve: %v", res.Err)
	}
	if res.String() != "db.internal" || res.Source != SourcePlain {
		t.Errorf("Resolve = %q from %s", res.String(), res.Source)
	}

	res = r.Resolve(context.Background(), c, "missing")
	if !errs.Is(res.Err, errs.KindFieldNotFound) {
		t.Errorf("missing key error = %v", res.Err)
	}
}

func TestResolveEncrypted(t *testing.T) {
	keys := &fakeKeys{key: testKey()}
	def := postgresDefinition()
	def.Keys[0].Parameters[2].Value = sealed(t, keys.key, "s3cret")
	c := NewConnection(def, false)
	ctx := context.Background()

	r := NewResolver("churn", keys, nil, nil)
	for i := 0; i < 2; i++ {
		res := r.Resolve(ctx, c, "password")
		if res.Err != nil {
			t.Fatalf("Resolve: %v", res.Err)
		}
		if res.String() != "s3cret" || res.Source != SourceEncrypted {
			t.Errorf("Resolve = %q from %s", res.String(), res.Source)
		}
	}
	if keys.keyCalls != 1 {
		t.Errorf("project key fetched %d times, want 1", keys.keyCalls)
	}
}

func TestResolveEncryptedFailures(t *testing.T) {
	ctx := context.Background()
	key := testKey()

	def := postgresDefinition()
	def.Keys[0].Parameters[2].Value = sealed(t, key, "s3cret")
	c := NewConnection(def, false)

	t.Run("no key service", func(t *testing.T) {
		res := NewResolver("churn", nil, nil, nil).Resolve(ctx, c, "password")
		if !errs.Is(res.Err, errs.KindDecryptionUnavailable) || res.Value != nil {
			t.Errorf("Resolve = %+v", res)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		other := make([]byte, chacha20poly1305.KeySize)
		res := NewResolver("churn", &fakeKeys{key: other}, nil, nil).Resolve(ctx, c, "password")
		if !errs.Is(res.Err, errs.KindCorruptPayload) {
			t.Errorf("Resolve error = %v", res.Err)
		}
	})

	t.Run("key service error", func(t *testing.T) {
		keys := &fakeKeys{err: errs.New(errs.KindAuthenticationFailed, "denied")}
		res := NewResolver("churn", keys, nil, nil).Resolve(ctx, c, "password")
		if !errs.Is(res.Err, errs.KindAuthenticationFailed) {
			t.Errorf("Resolve error = %v", res.Err)
		}
	})

	t.Run("empty value withheld", func(t *testing.T) {
		res := NewResolver("churn", nil, nil, nil).Resolve(ctx, NewConnection(postgresDefinition(), false), "password")
		if res.Err != nil || res.Value != nil {
			t.Errorf("Resolve = %+v, want nil value", res)
		}
	})
}

func vaultDefinition() Definition {
	return Definition{
		Name: "api",
		Type: "rest:connection",
		Path: "Connections/api.conninfo",
		Keys: []Group{
			{Group: "basic", Parameters: []Parameter{
				{Name: "url", Value: "https://example.com", Enabled: true},
				{Name: "token", Enabled: true, InjectorName: "vault"},
				{Name: "user", Enabled: true, InjectorName: "macros"},
			}},
			{Group: "proxy", Parameters: []Parameter{
				{Name: "token", Enabled: true, InjectorName: "vault"},
			}},
		},
		ValueProviders: []ValueProvider{
			{Name: "vault", Type: ProviderVault},
			{Name: "macros", Type: ProviderMacro, Parameters: []ProviderParameter{{Name: "prefix", Value: "api"}}},
		},
	}
}

func TestResolveVault(t *testing.T) {
	keys := &fakeKeys{entries: []VaultEntry{
		{Parameter: VaultParameter{Name: "token", Key: VaultKey{Group: "proxy"}}, Value: strptr("proxy-token")},
		{Parameter: VaultParameter{Name: "token", Key: VaultKey{Group: "basic"}}, Value: strptr("basic-token")},
	}}
	r := NewResolver("churn", keys, nil, nil)
	c := NewConnection(vaultDefinition(), false)
	ctx := context.Background()

	res := r.Resolve(ctx, c, "basic.token")
	if res.Err != nil || res.String() != "basic-token" || res.Source != SourceVault {
		t.Errorf("Resolve(basic.token) = %+v", res)
	}
	res = r.Resolve(ctx, c, "proxy.token")
	if res.Err != nil || res.String() != "proxy-token" {
		t.Errorf("Resolve(proxy.token) = %+v", res)
	}

	want := locator.ProjectPath{Project: "churn", Path: "Connections/api.conninfo"}
	if keys.locations[0] != want {
		t.Errorf("vault queried at %v, want %v", keys.locations[0], want)
	}

	keys.entries = keys.entries[:1]
	res = r.Resolve(ctx, c, "basic.token")
	if !errs.IsNotFound(res.Err) {
		t.Errorf("missing vault entry error = %v", res.Err)
	}

	res = NewResolver("churn", nil, nil, nil).Resolve(ctx, c, "basic.token")
	if !errs.Is(res.Err, errs.KindDecryptionUnavailable) {
		t.Errorf("vault without key service error = %v", res.Err)
	}
}

func TestResolveMacro(t *testing.T) {
	c := NewConnection(vaultDefinition(), false)
	ctx := context.Background()

	r := NewResolver("churn", nil, MacroMap{"api_user": "bob"}, nil)
	res := r.Resolve(ctx, c, "user")
	if res.Err != nil || res.String() != "bob" || res.Source != SourceMacro {
		t.Errorf("Resolve = %+v", res)
	}

	r = NewResolver("churn", nil, MacroMap{"user": "bob"}, nil)
	if res := r.Resolve(ctx, c, "user"); !errs.Is(res.Err, errs.KindMacroNotFound) {
		t.Errorf("unprefixed macro error = %v", res.Err)
	}

	r = NewResolver("churn", nil, nil, nil)
	if res := r.Resolve(ctx, c, "user"); !errs.Is(res.Err, errs.KindMacroNotFound) {
		t.Errorf("no macros error = %v", res.Err)
	}

	var gotConn, gotName string
	r = NewResolver("churn", nil, MacroFunc(func(conn, name string) (string, error) {
		gotConn, gotName = conn, name
		return "", errors.New("lookup failed")
	}), nil)
	res = r.Resolve(ctx, c, "user")
	if !errs.Is(res.Err, errs.KindMacroNotFound) {
		t.Errorf("callback error = %v", res.Err)
	}
	if gotConn != "api" || gotName != "api_user" {
		t.Errorf("callback got (%q, %q)", gotConn, gotName)
	}
}

func TestFindFirst(t *testing.T) {
	keys := &fakeKeys{entries: []VaultEntry{
		{Parameter: VaultParameter{Name: "token", Key: VaultKey{Group: "basic"}}, Value: strptr("tok")},
	}}
	r := NewResolver("churn", keys, MacroMap{"api_user": "bob"}, nil)
	c := NewConnection(vaultDefinition(), false)
	ctx := context.Background()

	res, err := r.User(ctx, c)
	if err != nil || res.String() != "bob" {
		t.Errorf("User = %+v, %v", res, err)
	}
	res, err = r.FindFirst(ctx, c, "TOK")
	if err != nil || res.Key != "basic.token" || res.String() != "tok" {
		t.Errorf("FindFirst = %+v, %v", res, err)
	}
	if _, err := r.Password(ctx, c); !errs.Is(err, errs.KindFieldNotFound) {
		t.Errorf("Password error = %v", err)
	}
	if len(keys.locations) != 1 {
		t.Errorf("vault queried %d times, want 1", len(keys.locations))
	}
}

func TestValues(t *testing.T) {
	r := NewResolver("churn", nil, nil, nil)
	def := postgresDefinition()
	def.Keys[0].Parameters[2].Encrypted = false

	got, err := r.Values(context.Background(), NewConnection(def, false))
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if len(got) != 6 || got[3].Key != "advanced.host" || got[3].String() != "replica.internal" {
		t.Errorf("Values = %+v", got)
	}

	_, err = r.Values(context.Background(), NewConnection(vaultDefinition(), false))
	if !errs.Is(err, errs.KindDecryptionUnavailable) {
		t.Errorf("Values error = %v", err)
	}
}

func TestSealOpenValue(t *testing.T) {
	aead, err := chacha20poly1305.New(testKey())
	if err != nil {
		t.Fatal(err)
	}
	a, _ := Seal(aead, "value")
	b, _ := Seal(aead, "value")
	if a == b {
		t.Error("Seal reused a nonce")
	}
	got, err := OpenValue(aead, a)
	if err != nil || got != "value" {
		t.Errorf("OpenValue = %q, %v", got, err)
	}
	if _, err := OpenValue(aead, "AAAA"); !errs.Is(err, errs.KindCorruptPayload) {
		t.Errorf("short value error = %v", err)
	}
	if _, err := OpenValue(aead, "!!"); !errs.Is(err, errs.KindCorruptPayload) {
		t.Errorf("non-base64 error = %v", err)
	}
}
