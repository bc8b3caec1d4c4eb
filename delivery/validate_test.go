package delivery

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateURLSchemes(t *testing.T) {
	assert.ErrorIs(t, ValidateURL("ftp://example.com/hook", false), ErrInvalidURL)
	assert.ErrorIs(t, ValidateURL("://bad", false), ErrInvalidURL)
	assert.ErrorIs(t, ValidateURL("https://", false), ErrInvalidURL)
	assert.NoError(t, ValidateURL("http://localhost:8080/hook", false), "localhost is allowed for development")
	assert.NoError(t, ValidateURL("https://127.0.0.1/hook", false))
}

func TestValidateURLRejectsRestrictedIPs(t *testing.T) {
	assert.ErrorIs(t, ValidateURL("https://10.0.0.5/hook", false), ErrInvalidURL)
	assert.ErrorIs(t, ValidateURL("https://192.168.1.1/hook", false), ErrInvalidURL)
	assert.ErrorIs(t, ValidateURL("https://169.254.169.254/hook", false), ErrInvalidURL, "metadata endpoint")
	assert.ErrorIs(t, ValidateURL("https://0.0.0.0/hook", false), ErrInvalidURL)
	assert.NoError(t, ValidateURL("https://10.0.0.5/hook", true), "allowPrivate bypasses the guard")
}

func TestValidateURLResolvesHostnames(t *testing.T) {
	restore := lookupIP
	defer func() { lookupIP = restore }()

	lookupIP = func(string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("192.168.0.10")}, nil
	}
	assert.ErrorIs(t, ValidateURL("https://internal.example.com/hook", false), ErrInvalidURL)

	lookupIP = func(string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}
	assert.NoError(t, ValidateURL("https://example.com/hook", false))

	lookupIP = func(string) ([]net.IP, error) {
		return nil, &net.DNSError{Err: "no such host", IsNotFound: true}
	}
	assert.NoError(t, ValidateURL("https://unresolvable.example.com/hook", false),
		"DNS failure defers to the sender")
}

func TestSignMatchesReference(t *testing.T) {
	payload := []byte(`{"event":"transcription.completed"}`)
	secret := "topsecret"
	var ts int64 = 1700000000

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte("1700000000."))
	mac.Write(payload)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, want, Sign(secret, ts, payload))
}
