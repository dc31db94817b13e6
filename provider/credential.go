package provider

import "fmt"

// CredentialKind tags the variant of Credential in effect for a provider.
type CredentialKind string

const (
	// CredentialKindStatic carries a secret resolved at config time.
	CredentialKindStatic CredentialKind = "static"

	// CredentialKindDynamic names an environment/credential-map key to
	// resolve per request.
	CredentialKindDynamic CredentialKind = "dynamic"

	// CredentialKindNone means the provider is explicitly configured to
	// make anonymous calls.
	CredentialKindNone CredentialKind = "none"

	// CredentialKindMissing means no credential was configured at all.
	CredentialKindMissing CredentialKind = "missing"
)

// Credential is a tagged union over a provider's authentication
// configuration per spec.md §4.4: Static(secret) | Dynamic(key_name) |
// None | Missing.
type Credential struct {
	Kind   CredentialKind
	Secret string // set when Kind == CredentialKindStatic
	KeyName string // set when Kind == CredentialKindDynamic
}

// StaticCredential builds a Credential wrapping a config-time secret.
func StaticCredential(secret string) Credential {
	return Credential{Kind: CredentialKindStatic, Secret: secret}
}

// DynamicCredential builds a Credential that resolves keyName from a
// per-request credential map.
func DynamicCredential(keyName string) Credential {
	return Credential{Kind: CredentialKindDynamic, KeyName: keyName}
}

// NoCredential builds a Credential for a provider that makes anonymous
// calls by design.
func NoCredential() Credential {
	return Credential{Kind: CredentialKindNone}
}

// MissingCredential builds a Credential for a provider with no
// configuration at all.
func MissingCredential() Credential {
	return Credential{Kind: CredentialKindMissing}
}

// ErrAPIKeyMissing reports that a Dynamic credential's key name was not
// present in the per-request credential map.
type ErrAPIKeyMissing struct {
	KeyName string
}

func (e *ErrAPIKeyMissing) Error() string {
	return fmt.Sprintf("dynamic credential key %q is missing from the request's credential map", e.KeyName)
}

// Resolve returns the bearer secret to present for this credential, or ""
// when the call should be made anonymously (None/Missing). dynamicKeys is
// the per-request credential map used to resolve Dynamic credentials.
func (c Credential) Resolve(dynamicKeys map[string]string) (string, error) {
	switch c.Kind {
	case CredentialKindStatic:
		return c.Secret, nil
	case CredentialKindDynamic:
		secret, ok := dynamicKeys[c.KeyName]
		if !ok {
			return "", &ErrAPIKeyMissing{KeyName: c.KeyName}
		}
		return secret, nil
	case CredentialKindNone, CredentialKindMissing:
		return "", nil
	default:
		return "", fmt.Errorf("provider: unknown credential kind %q", c.Kind)
	}
}
