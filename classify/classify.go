// Package classify labels captured changes. Everything here is a pure
// function over record fields so producer- and consumer-side code compute
// identical classifications without a round trip.
package classify

import (
	"net"
	"strings"

	"github.com/trailguard/trailguard/changelog"
)

// Category is the coarse data category of a watched table.
type Category string

const (
	CategoryIdentity   Category = "identity-data"
	CategoryCredential Category = "credential-data"
	CategoryGeneric    Category = "generic"
)

// Risk is the coarse risk level of an origin address. The scale is
// intentionally two-tiered; the HIGH alert level on escalated envelopes is a
// criticality annotation on a separate scale, not a third risk tier.
type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
)

// identityTables hold user identity rows; deleting one is always critical.
var identityTables = map[string]bool{
	"users": true,
}

// credentialTables hold secrets; any change to them is credential-category.
var credentialTables = map[string]bool{
	"credentials": true,
	"auth_tokens": true,
}

// credentialFields are the columns whose modification on an identity row
// constitutes a credential change.
var credentialFields = []string{
	"password",
	"password_hash",
	"secret",
	"token_hash",
}

// Classify maps a table name to its data category. Unknown tables are
// generic, never an error.
func Classify(table string) Category {
	switch {
	case identityTables[table]:
		return CategoryIdentity
	case credentialTables[table]:
		return CategoryCredential
	default:
		return CategoryGeneric
	}
}

// IsCritical reports whether a change requires mandatory escalation: an
// identity row was deleted, or an identity row was updated and a credential
// field's value differs between the before and after snapshots.
func IsCritical(op changelog.Operation, table string, before, after map[string]any) bool {
	if !identityTables[table] {
		return false
	}

	switch op {
	case changelog.OpDelete:
		return true
	case changelog.OpUpdate:
		for _, field := range credentialFields {
			if fieldChanged(before, after, field) {
				return true
			}
		}
	}
	return false
}

// fieldChanged reports whether a named field differs between two snapshots.
// A field absent from both snapshots is unchanged.
func fieldChanged(before, after map[string]any, field string) bool {
	bv, bok := before[field]
	av, aok := after[field]
	if !bok && !aok {
		return false
	}
	if bok != aok {
		return true
	}
	return !valueEqual(bv, av)
}

// valueEqual compares snapshot values, tolerating the numeric and byte/string
// representation drift between JSON- and msgpack-decoded snapshots.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	if as, ok := stringValue(a); ok {
		if bs, ok := stringValue(b); ok {
			return as == bs
		}
		return false
	}
	if af, ok := numericValue(a); ok {
		if bf, ok := numericValue(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

func stringValue(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// AssessRisk assigns a coarse risk level to an origin address: loopback and
// local origins are LOW, everything else (including unparseable input) is
// MEDIUM.
func AssessRisk(originAddr string) Risk {
	addr := originAddr
	if host, _, err := net.SplitHostPort(originAddr); err == nil {
		addr = host
	}
	addr = strings.TrimSpace(addr)

	if addr == "localhost" {
		return RiskLow
	}
	if ip := net.ParseIP(addr); ip != nil && (ip.IsLoopback() || ip.IsUnspecified()) {
		return RiskLow
	}
	return RiskMedium
}
