package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	s := NewSessions("secret", time.Hour)
	token, err := s.Issue("abc")
	require.NoError(t, err)

	identity, err := s.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "abc", identity)
}

func TestParseRejectsBadTokens(t *testing.T) {
	s := NewSessions("secret", time.Hour)

	other, err := NewSessions("other", time.Hour).Issue("abc")
	require.NoError(t, err)
	_, err = s.Parse(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = s.Parse("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := NewSessions("secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.Issue("abc")
	require.NoError(t, err)
	_, err = s.Parse(old)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, SessionClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "abc", Issuer: issuer}})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.Parse(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestSessionIdentityMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewSessions("secret", time.Hour)
	token, err := s.Issue("abc")
	require.NoError(t, err)

	router := gin.New()
	router.GET("/who", SessionIdentity(s), func(c *gin.Context) {
		identity, ok := IdentityFrom(c)
		c.JSON(http.StatusOK, gin.H{"identity": identity, "ok": ok})
	})

	cases := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{"query", "/who?token=" + token, "", `{"identity":"abc","ok":true}`},
		{"bearer", "/who", "Bearer " + token, `{"identity":"abc","ok":true}`},
		{"invalid", "/who?token=bad", "", `{"identity":"","ok":false}`},
		{"anonymous", "/who", "", `{"identity":"","ok":false}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.JSONEq(t, tc.want, w.Body.String())
		})
	}
}
