package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Errorf("unexpected hash format: %s", hash)
	}

	ok, err := CheckPassword("correct horse battery staple", hash)
	if err != nil {
		t.Fatalf("CheckPassword failed: %v", err)
	}
	if !ok {
		t.Error("correct password rejected")
	}

	ok, err = CheckPassword("wrong password", hash)
	if err != nil {
		t.Fatalf("CheckPassword failed: %v", err)
	}
	if ok {
		t.Error("wrong password accepted")
	}
}

func TestHashesAreSalted(t *testing.T) {
	a, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	b, err := HashPassword("secret")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	if a == b {
		t.Error("two hashes of the same password must differ")
	}
}

func TestCheckPasswordMalformed(t *testing.T) {
	for _, encoded := range []string{
		"",
		"plaintext",
		"$argon2i$v=19$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=18$m=65536,t=1,p=4$c2FsdA$aGFzaA",
		"$argon2id$v=19$m=65536$c2FsdA$aGFzaA",
	} {
		if _, err := CheckPassword("x", encoded); err == nil {
			t.Errorf("expected error for %q", encoded)
		}
	}
}

func TestTokenRoundTrip(t *testing.T) {
	m := NewManager("test-signing-key")

	access, err := m.IssueAccessToken("user-1")
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}

	claims, err := m.Validate(access, Access)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Errorf("subject = %s, want user-1", claims.Subject)
	}
	if claims.ID == "" {
		t.Error("expected a jti")
	}

	// An access token must not pass as a refresh token.
	if _, err := m.Validate(access, Refresh); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshTokenJTI(t *testing.T) {
	m := NewManager("test-signing-key")

	token, jti, err := m.IssueRefreshToken("user-1")
	if err != nil {
		t.Fatalf("IssueRefreshToken failed: %v", err)
	}

	claims, err := m.Validate(token, Refresh)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if claims.ID != jti {
		t.Errorf("claims jti = %s, want %s", claims.ID, jti)
	}
}

func TestValidateRejectsWrongKey(t *testing.T) {
	token, err := NewManager("key-a").IssueAccessToken("user-1")
	if err != nil {
		t.Fatalf("IssueAccessToken failed: %v", err)
	}

	if _, err := NewManager("key-b").Validate(token, Access); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateRejectsWrongAlg(t *testing.T) {
	m := NewManager("test-signing-key")

	// alg=none with a well-formed claims set.
	token := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		TokenType: Access,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	if _, err := m.Validate(signed, Access); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}
