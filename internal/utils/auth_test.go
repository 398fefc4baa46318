package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestPasswordHashing(t *testing.T) {
	password := "field-key-123"

	hash, err := HashPassword(password)
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}
	if hash == password {
		t.Error("Hash should not match plaintext password")
	}

	if !CheckPasswordHash(password, hash) {
		t.Error("Password should match hash")
	}
	if CheckPasswordHash("wrongpassword", hash) {
		t.Error("Wrong password should not match hash")
	}
}

func TestDeviceToken(t *testing.T) {
	secret := "test-secret-key-12345"

	token, expiresAt, err := GenerateDeviceToken("tablet-7", secret, time.Hour)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if token == "" {
		t.Fatal("Token should not be empty")
	}
	if d := time.Until(expiresAt); d < 59*time.Minute || d > time.Hour {
		t.Errorf("Unexpected expiry %v", expiresAt)
	}

	claims, err := ValidateToken(token, secret)
	if err != nil {
		t.Fatalf("Failed to validate token: %v", err)
	}
	if claims.Subject != "tablet-7" {
		t.Errorf("Expected subject tablet-7, got %q", claims.Subject)
	}

	if _, err := ValidateToken(token, "wrong-key"); err == nil {
		t.Error("Validation should fail with wrong key")
	}
}

func TestValidateToken_RejectsExpiredAndForeign(t *testing.T) {
	secret := "test-secret-key-12345"

	expired, _, err := GenerateDeviceToken("tablet-7", secret, -time.Minute)
	if err != nil {
		t.Fatalf("Failed to generate token: %v", err)
	}
	if _, err := ValidateToken(expired, secret); err == nil {
		t.Error("Expired token should be rejected")
	}

	// A token signed with the right key but without the device type.
	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "someone",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := foreign.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}
	if _, err := ValidateToken(signed, secret); err == nil {
		t.Error("Token without device type should be rejected")
	}
}
