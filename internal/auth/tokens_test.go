package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndParse(t *testing.T) {
	iss := NewIssuer("s3cret", time.Minute, time.Hour)
	pair, err := iss.Issue("u1")
	if err != nil {
		t.Fatal(err)
	}
	c, err := iss.Parse(pair.AccessToken, TypeAccess)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if c.Subject != "u1" || c.Type != TypeAccess {
		t.Fatalf("unexpected claims: %+v", c)
	}
	if _, err := iss.Parse(pair.RefreshToken, TypeAccess); err == nil {
		t.Fatal("refresh token must not be accepted as access token")
	}
}

func TestParseRejectsTamperedAndExpired(t *testing.T) {
	iss := NewIssuer("s3cret", time.Minute, time.Hour)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	iss.now = func() time.Time { return base }
	pair, err := iss.Issue("u1")
	if err != nil {
		t.Fatal(err)
	}

	other := NewIssuer("different", time.Minute, time.Hour)
	other.now = iss.now
	var ae *Error
	if _, err := other.Parse(pair.AccessToken, TypeAccess); !errors.As(err, &ae) || ae.Status != 401 {
		t.Fatalf("expected 401 for foreign signature, got %v", err)
	}

	parts := strings.Split(pair.AccessToken, ".")
	if _, err := iss.Parse(parts[0]+"."+parts[1]+"x."+parts[2], TypeAccess); err == nil {
		t.Fatal("expected tampered payload to fail")
	}

	iss.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := iss.Parse(pair.AccessToken, TypeAccess); err == nil || !strings.Contains(err.Error(), "expired") {
		t.Fatalf("expected expiry error, got %v", err)
	}
	if _, err := iss.Parse(pair.RefreshToken, TypeRefresh); err != nil {
		t.Fatalf("refresh token should still be valid: %v", err)
	}
}

func TestRefreshIssuesNewPair(t *testing.T) {
	iss := NewIssuer("s3cret", time.Minute, time.Hour)
	pair, err := iss.Issue("u1")
	if err != nil {
		t.Fatal(err)
	}
	next, err := iss.Refresh(pair.RefreshToken)
	if err != nil {
		t.Fatal(err)
	}
	if next.AccessToken == pair.AccessToken {
		t.Fatal("expected a new access token")
	}
	if _, err := iss.Refresh(pair.AccessToken); err == nil {
		t.Fatal("access token must not refresh")
	}
}

func TestDisabledIssuer(t *testing.T) {
	iss := NewIssuer("", 0, 0)
	if iss.Enabled() {
		t.Fatal("expected disabled issuer")
	}
	if _, err := iss.Issue("u1"); !errors.Is(err, ErrNoSecret) {
		t.Fatalf("expected ErrNoSecret, got %v", err)
	}
}
