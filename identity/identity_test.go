package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProvider(t *testing.T) {
	id, err := StaticProvider{UserID: "alice"}.Ready(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	_, err = StaticProvider{}.Ready(context.Background())
	assert.ErrorIs(t, err, ErrNoUser)
}

func TestTokenProviderBlocksUntilSignIn(t *testing.T) {
	secret := []byte("hub-secret")
	p := NewTokenProvider(string(secret))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Ready(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got := make(chan string, 1)
	go func() {
		id, err := p.Ready(context.Background())
		if err == nil {
			got <- id
		}
	}()

	token, err := IssueToken(secret, "alice", time.Hour)
	require.NoError(t, err)
	id, err := p.SignIn(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	select {
	case v := <-got:
		assert.Equal(t, "alice", v)
	case <-time.After(time.Second):
		t.Fatal("Ready did not return after sign-in")
	}

	_, err = p.SignIn(token)
	assert.NoError(t, err, "repeat sign-in as the same user is accepted")

	other, err := IssueToken(secret, "bob", time.Hour)
	require.NoError(t, err)
	_, err = p.SignIn(other)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateToken(t *testing.T) {
	secret := []byte("s")

	token, err := IssueToken(secret, "alice", time.Hour)
	require.NoError(t, err)

	_, err = ValidateToken(token, []byte("other"))
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := IssueToken(secret, "alice", -time.Minute)
	require.NoError(t, err)
	_, err = ValidateToken(expired, secret)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = IssueToken(secret, "", time.Hour)
	assert.ErrorIs(t, err, ErrNoUser)

	_, err = ValidateToken("not-a-token", secret)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
