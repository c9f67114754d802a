package identity

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderResolver(t *testing.T) {
	res := NewHeaderResolver("")

	req := httptest.NewRequest("GET", "/ws/auction", nil)
	_, err := res.Resolve(req)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	req.Header.Set(DefaultHeader, " alice ")
	user, err := res.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
}

func TestTokenResolver(t *testing.T) {
	res := NewTokenResolver(map[string]string{"t-alice": "alice", "": "nobody"})

	tests := []struct {
		name   string
		header string
		target string
		want   string
	}{
		{name: "bearer header", header: "Bearer t-alice", target: "/ws/auction", want: "alice"},
		{name: "lowercase scheme", header: "bearer t-alice", target: "/ws/auction", want: "alice"},
		{name: "query token", target: "/ws/auction?token=t-alice", want: "alice"},
		{name: "unknown token", header: "Bearer nope", target: "/ws/auction"},
		{name: "basic scheme", header: "Basic t-alice", target: "/ws/auction?token=t-alice"},
		{name: "empty token", target: "/ws/auction?token="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", tt.target, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			user, err := res.Resolve(req)
			if tt.want == "" {
				assert.ErrorIs(t, err, ErrUnauthenticated)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, user)
		})
	}
}

func TestChain(t *testing.T) {
	chain := Chain{NewTokenResolver(map[string]string{"t-bob": "bob"}), NewHeaderResolver("")}

	req := httptest.NewRequest("GET", "/ws/auction?token=t-bob", nil)
	user, err := chain.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "bob", user)

	req = httptest.NewRequest("GET", "/ws/auction", nil)
	req.Header.Set(DefaultHeader, "carol")
	user, err = chain.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "carol", user)

	_, err = chain.Resolve(httptest.NewRequest("GET", "/ws/auction", nil))
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
