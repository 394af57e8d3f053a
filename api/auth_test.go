package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParseToken(t *testing.T) {
	tok, err := IssueToken("s3cret", "cron-job", []string{ScopeMaintenance, ScopeAdmin}, time.Hour, time.Now())
	require.NoError(t, err)

	claims, err := ParseToken(tok, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "cron-job", claims.Subject)
	assert.True(t, claims.HasScope(ScopeMaintenance))
	assert.True(t, claims.HasScope(ScopeAdmin))
	assert.False(t, claims.HasScope("loyalty:"))

	_, err = ParseToken(tok, "wrong")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = IssueToken("", "x", nil, time.Hour, time.Now())
	assert.Error(t, err)
}

func TestParseToken_RejectsOtherAlgorithms(t *testing.T) {
	// GIVEN a token signed with "none"
	claims := OperatorClaims{
		Scope:            ScopeMaintenance,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	// THEN it is not accepted
	_, err = ParseToken(tok, "s3cret")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
