package middleware

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-jwt-secret-32bytes-padded!!"

func TestParseToken_Valid(t *testing.T) {
	tok, err := GenerateToken("user-99", testSecret, time.Hour)
	require.NoError(t, err)

	claims, err := ParseToken(tok, testSecret)
	require.NoError(t, err)
	assert.Equal(t, "user-99", claims.UserID)
	assert.NotEmpty(t, claims.ID)
}

func TestParseToken_WrongSecret(t *testing.T) {
	tok, err := GenerateToken("alice", testSecret, time.Hour)
	require.NoError(t, err)

	_, err = ParseToken(tok, "wrong-secret")
	assert.Error(t, err)
}

func TestParseToken_Expired(t *testing.T) {
	tok, err := GenerateToken("alice", testSecret, -time.Second)
	require.NoError(t, err)

	_, err = ParseToken(tok, testSecret)
	assert.Error(t, err)
}

func TestParseToken_Malformed(t *testing.T) {
	_, err := ParseToken("not.a.jwt", testSecret)
	assert.Error(t, err)
	_, err = ParseToken("", testSecret)
	assert.Error(t, err)
}

func TestParseToken_NoUserID(t *testing.T) {
	tok, err := GenerateToken("", testSecret, time.Hour)
	require.NoError(t, err)
	_, err = ParseToken(tok, testSecret)
	assert.Error(t, err)
}

func TestParseToken_RejectsNone(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: "alice"})
	s, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ParseToken(s, testSecret)
	assert.Error(t, err)
}

func TestGenerateToken_UniqueIDs(t *testing.T) {
	t1, _ := GenerateToken("alice", testSecret, time.Hour)
	t2, _ := GenerateToken("alice", testSecret, time.Hour)
	assert.NotEqual(t, t1, t2)

	c1, _ := ParseToken(t1, testSecret)
	c2, _ := ParseToken(t2, testSecret)
	assert.NotEqual(t, c1.ID, c2.ID)
}
