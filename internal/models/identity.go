package models

import "strings"

// ClientIdentity carries every identity hint a request offered. The purchase
// service picks the effective client id by precedence:
// verified subject > explicit client id > fallback.
type ClientIdentity struct {
	Subject  string // verified bearer token subject
	ClientID string // X-Client-Id header
	Fallback string // clientId query parameter
}

// Resolve returns the effective client id, or "" when no hint is usable.
func (ci ClientIdentity) Resolve() string {
	for _, candidate := range []string{ci.Subject, ci.ClientID, ci.Fallback} {
		if id := strings.TrimSpace(candidate); id != "" {
			return id
		}
	}
	return ""
}
