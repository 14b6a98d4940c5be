package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeys(t *testing.T) (jwk.Key, jwk.Set) {
	t.Helper()
	raw, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	priv, err := jwk.FromRaw(raw)
	require.NoError(t, err)
	require.NoError(t, priv.Set(jwk.KeyIDKey, "k1"))
	require.NoError(t, priv.Set(jwk.AlgorithmKey, jwa.RS256))

	pub, err := jwk.PublicKeyOf(priv)
	require.NoError(t, err)
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))
	return priv, set
}

func signed(t *testing.T, key jwk.Key, build func(*jwt.Builder) *jwt.Builder) string {
	t.Helper()
	tok, err := build(jwt.NewBuilder()).Build()
	require.NoError(t, err)
	out, err := jwt.Sign(tok, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)
	return string(out)
}

func TestOperatorFromRequest(t *testing.T) {
	priv, set := testKeys(t)
	v := NewStaticVerifier(set, WithAudience("inbox-sync"))

	tests := []struct {
		name    string
		build   func(*jwt.Builder) *jwt.Builder
		wantErr bool
	}{
		{
			name: "valid",
			build: func(b *jwt.Builder) *jwt.Builder {
				return b.Subject("op-1").Audience([]string{"inbox-sync"}).
					Expiration(time.Now().Add(time.Hour)).
					Claim("email", "op@example.com").Claim("name", "Op")
			},
		},
		{
			name: "expired",
			build: func(b *jwt.Builder) *jwt.Builder {
				return b.Subject("op-1").Audience([]string{"inbox-sync"}).
					Expiration(time.Now().Add(-time.Hour))
			},
			wantErr: true,
		},
		{
			name: "wrong audience",
			build: func(b *jwt.Builder) *jwt.Builder {
				return b.Subject("op-1").Audience([]string{"other"}).
					Expiration(time.Now().Add(time.Hour))
			},
			wantErr: true,
		},
		{
			name: "no subject",
			build: func(b *jwt.Builder) *jwt.Builder {
				return b.Audience([]string{"inbox-sync"}).Expiration(time.Now().Add(time.Hour))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/api/accounts", nil)
			req.Header.Set("Authorization", "Bearer "+signed(t, priv, tt.build))

			op, err := v.OperatorFromRequest(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "op-1", op.ID)
			assert.Equal(t, "op@example.com", op.Email)
			assert.Equal(t, "Op", op.Name)
		})
	}
}

func TestOperatorFromRequestMissingHeader(t *testing.T) {
	_, set := testKeys(t)
	v := NewStaticVerifier(set)

	_, err := v.OperatorFromRequest(httptest.NewRequest("GET", "/", nil))
	assert.Error(t, err)
	assert.Equal(t, 1, v.CacheStats()["keys_cached"])
}
