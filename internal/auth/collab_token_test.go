package auth

import (
	"context"
	"testing"
	"time"
)

func newTestIssuer(clock func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("test-secret"),
		Issuer:        "driftpad-api",
		Audience:      "driftpad-collab",
		TokenTTL:      10 * time.Minute,
		Clock:         clock,
	})
}

func TestIssueAndValidateCollabToken(t *testing.T) {
	issuer := newTestIssuer(func() time.Time {
		return time.Unix(1700000000, 0).UTC()
	})

	token, expiresIn, err := issuer.IssueCollabToken(context.Background(), "user-1", "doc-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if expiresIn != 600 {
		t.Fatalf("unexpected expiry: %d", expiresIn)
	}

	userID, docID, err := issuer.ValidateCollabToken(token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if userID != "user-1" || docID != "doc-1" {
		t.Fatalf("unexpected claims: %s %s", userID, docID)
	}
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	issuedAt := time.Unix(1700000000, 0).UTC()
	now := issuedAt
	issuer := newTestIssuer(func() time.Time { return now })

	token, _, err := issuer.IssueCollabToken(context.Background(), "user-1", "doc-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	now = issuedAt.Add(11 * time.Minute)
	if _, _, err := issuer.ValidateCollabToken(token); err == nil {
		t.Fatalf("expected expired token to fail validation")
	}
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	clock := func() time.Time { return time.Unix(1700000000, 0).UTC() }
	issuer := newTestIssuer(clock)
	forger := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("other-secret"),
		Issuer:        "driftpad-api",
		Audience:      "driftpad-collab",
		Clock:         clock,
	})

	token, _, err := forger.IssueCollabToken(context.Background(), "user-1", "doc-1")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, _, err := issuer.ValidateCollabToken(token); err == nil {
		t.Fatalf("expected foreign token to fail validation")
	}
}

func TestIssueRequiresSubjectAndDocument(t *testing.T) {
	issuer := newTestIssuer(nil)
	if _, _, err := issuer.IssueCollabToken(context.Background(), "", "doc-1"); err == nil {
		t.Fatalf("expected missing subject to fail")
	}
	if _, _, err := issuer.IssueCollabToken(context.Background(), "user-1", ""); err == nil {
		t.Fatalf("expected missing document to fail")
	}
}
