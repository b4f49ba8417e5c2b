package http

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentifyWithoutSecret(t *testing.T) {
	a := NewAuth("")

	party, err := a.Identify(httptest.NewRequest("GET", "/ws?user=bob&name=Bob", nil))
	require.NoError(t, err)
	assert.Equal(t, domain.Party{ID: "bob", Name: "Bob"}, party)

	_, err = a.Identify(httptest.NewRequest("GET", "/ws", nil))
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = a.Issue(party, time.Minute)
	assert.Error(t, err)
}

func TestIdentifyWithToken(t *testing.T) {
	a := NewAuth("s3cret")
	token, err := a.Issue(domain.Party{ID: "alice", Name: "Alice"}, time.Minute)
	require.NoError(t, err)

	party, err := a.Identify(httptest.NewRequest("GET", "/ws?token="+token, nil))
	require.NoError(t, err)
	assert.Equal(t, domain.Party{ID: "alice", Name: "Alice"}, party)

	_, err = a.Identify(httptest.NewRequest("GET", "/ws?user=alice", nil))
	assert.ErrorIs(t, err, ErrUnauthorized, "query identity is ignored when tokens are required")
}

func TestValidateRejectsBadTokens(t *testing.T) {
	a := NewAuth("s3cret")

	other, err := NewAuth("other").Issue(domain.Party{ID: "alice"}, time.Minute)
	require.NoError(t, err)
	_, err = a.Validate(other)
	assert.ErrorIs(t, err, ErrUnauthorized)

	expired, err := a.Issue(domain.Party{ID: "alice"}, -time.Minute)
	require.NoError(t, err)
	_, err = a.Validate(expired)
	assert.ErrorIs(t, err, ErrUnauthorized)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = a.Validate(noSubject)
	assert.ErrorIs(t, err, ErrUnauthorized)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.Validate(none)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
