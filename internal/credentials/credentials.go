// Package credentials classifies the identity the process runs under and exposes
// what it can do: sign locally, mint bearer tokens, or exchange one identity for
// another.
package credentials

import (
	"context"

	"golang.org/x/oauth2"
)

// Kind is the class of the ambient credential.
type Kind string

const (
	KindStaticKey         Kind = "STATIC_KEY"
	KindAttachedIdentity  Kind = "ATTACHED_IDENTITY"
	KindDelegatedIdentity Kind = "DELEGATED_IDENTITY"
	KindUnknown           Kind = "UNKNOWN"
)

// CloudPlatformScope covers object storage access and IAM signBlob.
const CloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// TokenExchanger performs a fresh identity exchange and returns a token source for
// the resulting short-lived credential.
type TokenExchanger func(ctx context.Context) (oauth2.TokenSource, error)

// Context is the resolved identity for one signing attempt. It is derived on
// demand and never persisted.
type Context struct {
	Kind           Kind
	CanSignLocally bool
	Refreshable    bool

	// Email is the service account acting for this credential, when known.
	Email string
	// Source describes where the credential was found, for logs.
	Source string

	// PrivateKey is only set for KindStaticKey.
	PrivateKey []byte
	// TokenSource mints bearer tokens for static and attached identities.
	TokenSource oauth2.TokenSource
	// Exchange is set for delegated identities; TokenSource is nil until an
	// exchange succeeds.
	Exchange TokenExchanger
}

// String never includes key or token material.
func (c Context) String() string {
	s := string(c.Kind)
	if c.Email != "" {
		s += " (" + c.Email + ")"
	}
	return s
}
