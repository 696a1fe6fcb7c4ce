package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	keyVersion                 = "v1"
	defaultKeyPrefix           = "tg"
	defaultLargeValueThreshold = 1024
	maxKeyTaskNameLength       = 64
)

// ScopeKind selects the population a key is unique within.
type ScopeKind string

const (
	ScopeGlobal    ScopeKind = "GLOBAL"
	ScopePerUser   ScopeKind = "PER_USER"
	ScopePerTenant ScopeKind = "PER_TENANT"
)

// ParseScopeKind parses a configured scope name. Empty input means GLOBAL.
func ParseScopeKind(value string) (ScopeKind, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "", string(ScopeGlobal):
		return ScopeGlobal, nil
	case string(ScopePerUser), "USER":
		return ScopePerUser, nil
	case string(ScopePerTenant), "TENANT":
		return ScopePerTenant, nil
	default:
		return "", validationError(fmt.Sprintf("unknown idempotency scope %q", value))
	}
}

// Scope is the uniqueness domain of a key. Subject carries the user or tenant
// id for the non-global kinds. Salt forces a fresh key for the same invocation,
// as dead-letter replays do.
type Scope struct {
	Kind    ScopeKind `json:"kind"`
	Subject string    `json:"subject,omitempty"`
	Salt    string    `json:"salt,omitempty"`
}

// GlobalScope returns the default scope.
func GlobalScope() Scope { return Scope{Kind: ScopeGlobal} }

// UserScope returns a per-user scope.
func UserScope(userID string) Scope { return Scope{Kind: ScopePerUser, Subject: userID} }

// TenantScope returns a per-tenant scope.
func TenantScope(tenantID string) Scope { return Scope{Kind: ScopePerTenant, Subject: tenantID} }

// WithSalt returns a copy of the scope with the given salt.
func (s Scope) WithSalt(salt string) Scope {
	s.Salt = salt
	return s
}

// Validate checks that the scope kind is known and has a subject when required.
func (s Scope) Validate() error {
	switch s.Kind {
	case "", ScopeGlobal:
		return nil
	case ScopePerUser, ScopePerTenant:
		if strings.TrimSpace(s.Subject) == "" {
			return validationError(fmt.Sprintf("scope %s requires a subject", s.Kind))
		}
		return nil
	default:
		return validationError(fmt.Sprintf("unknown idempotency scope %q", s.Kind))
	}
}

func (s Scope) kind() ScopeKind {
	if s.Kind == "" {
		return ScopeGlobal
	}
	return s.Kind
}

// Unordered marks a collection whose element order carries no meaning, such as a
// set of tags. Its canonical form is independent of element order.
type Unordered []any

// MarshalJSON encodes the elements sorted by their own JSON encoding.
func (u Unordered) MarshalJSON() ([]byte, error) {
	encoded := make([][]byte, 0, len(u))
	for _, item := range u {
		raw, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, raw)
	}
	sort.Slice(encoded, func(i, j int) bool { return bytes.Compare(encoded[i], encoded[j]) < 0 })

	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, raw := range encoded {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(raw)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// KeyDeriverConfig configures key derivation.
type KeyDeriverConfig struct {
	// Prefix namespaces every key. Defaults to "tg".
	Prefix string
	// LargeValueThreshold is the string length above which an argument value is
	// replaced by its digest in the canonical form.
	LargeValueThreshold int
}

func (c *KeyDeriverConfig) normalize() {
	c.Prefix = strings.TrimSpace(c.Prefix)
	if c.Prefix == "" {
		c.Prefix = defaultKeyPrefix
	}
	if c.LargeValueThreshold <= 0 {
		c.LargeValueThreshold = defaultLargeValueThreshold
	}
}

// KeyDeriver builds deterministic idempotency keys from task identity and arguments.
type KeyDeriver struct {
	config KeyDeriverConfig
}

// NewKeyDeriver creates a KeyDeriver.
func NewKeyDeriver(config KeyDeriverConfig) *KeyDeriver {
	config.normalize()
	return &KeyDeriver{config: config}
}

// Derive returns the key for (taskName, args, scope). Maps are canonicalized with
// sorted keys, so argument order never changes the key. The key has the form
// <prefix>:v1:<sanitized task name>:<sha256 hex>.
func (d *KeyDeriver) Derive(taskName string, args any, scope Scope) (string, error) {
	if strings.TrimSpace(taskName) == "" {
		return "", validationError("task name is required")
	}
	if err := scope.Validate(); err != nil {
		return "", err
	}

	canonical, err := d.Canonicalize(args)
	if err != nil {
		return "", err
	}

	hasher := sha256.New()
	for _, part := range []string{taskName, string(scope.kind()), scope.Subject, scope.Salt} {
		hasher.Write([]byte(part))
		hasher.Write([]byte{0})
	}
	hasher.Write(canonical)

	return fmt.Sprintf("%s:%s:%s:%s", d.config.Prefix, keyVersion, sanitizeTaskName(taskName), hex.EncodeToString(hasher.Sum(nil))), nil
}

// Canonicalize returns the canonical JSON form of args used for hashing.
// A nil, empty-map or empty-slice top-level value canonicalizes to null.
func (d *KeyDeriver) Canonicalize(args any) ([]byte, error) {
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, validationError(fmt.Sprintf("arguments are not serializable: %v", err))
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return nil, validationError(fmt.Sprintf("arguments are not serializable: %v", err))
	}

	if isEmptyValue(generic) {
		return []byte("null"), nil
	}

	canonical, err := json.Marshal(d.digestLargeValues(generic))
	if err != nil {
		return nil, validationError(fmt.Sprintf("canonicalize arguments: %v", err))
	}
	return canonical, nil
}

func (d *KeyDeriver) digestLargeValues(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			out[key] = d.digestLargeValues(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = d.digestLargeValues(item)
		}
		return out
	case string:
		if len(v) > d.config.LargeValueThreshold {
			sum := sha256.Sum256([]byte(v))
			return "sha256:" + hex.EncodeToString(sum[:])
		}
		return v
	default:
		return v
	}
}

func isEmptyValue(value any) bool {
	switch v := value.(type) {
	case nil:
		return true
	case map[string]any:
		return len(v) == 0
	case []any:
		return len(v) == 0
	default:
		return false
	}
}

// sanitizeTaskName keeps keys printable ASCII. The raw name is still hashed, so
// two names that sanitize identically never share a key.
func sanitizeTaskName(name string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxKeyTaskNameLength {
			break
		}
	}
	return b.String()
}
