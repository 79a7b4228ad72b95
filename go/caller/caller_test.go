package caller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	require.Equal(t, Anonymous, FromContext(ctx))

	c := Caller{Email: "user@example.com"}
	ctx = WithCaller(ctx, c)
	require.Equal(t, c, FromContext(ctx))
}

func TestCheck(t *testing.T) {
	ctx := WithCaller(context.Background(), Caller{Email: "user@example.com"})

	// A nil policy allows everything.
	require.NoError(t, Check(ctx, nil, ActionSchedule))
	require.NoError(t, Check(ctx, AllowAll, ActionSchedule))

	usersOnly := func(c Caller, a Action) bool {
		if a == ActionBot {
			return c.IsBot
		}
		return c.Email != ""
	}
	require.NoError(t, Check(ctx, usersOnly, ActionSchedule))
	require.True(t, IsForbidden(Check(ctx, usersOnly, ActionBot)))
	require.True(t, IsForbidden(Check(context.Background(), usersOnly, ActionCancel)))

	botCtx := WithCaller(context.Background(), Caller{Email: "bot1", IsBot: true})
	require.NoError(t, Check(botCtx, usersOnly, ActionBot))
}
