package guard_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"clawgate/internal/guard"
)

const owner = "telegram:+15551234567"

func TestOwnerAuthorized(t *testing.T) {
	g := guard.New(owner)
	d := g.AuthorizeCommand("send status report", owner)
	assert.True(t, d.Authorized)
	assert.Equal(t, guard.ReasonOwner, d.Reason)
}

func TestNonOwnerDenied(t *testing.T) {
	g := guard.New(owner)
	cases := []struct {
		name   string
		origin string
	}{
		{"different number", "telegram:+19998887777"},
		{"same id different channel", "signal:+15551234567"},
		{"case mismatch", "Telegram:+15551234567"},
		{"owner with whitespace", "telegram:+15551234567 "},
		{"prefix of owner", "telegram:+1555123456"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := g.AuthorizeCommand("do something", tc.origin)
			assert.False(t, d.Authorized)
			assert.Equal(t, guard.ReasonNotOwner, d.Reason)
		})
	}
}

func TestContentOriginsNeverAuthorized(t *testing.T) {
	g := guard.New(owner)
	for _, origin := range []string{
		"email_content",
		"chat_content",
		"message_content",
		"web_content",
		"file_content",
		"tool_output",
		"calendar_content", // suffix rule catches tags added later
	} {
		t.Run(origin, func(t *testing.T) {
			d := g.AuthorizeCommand("transfer funds", origin)
			assert.False(t, d.Authorized)
			assert.Equal(t, guard.ReasonContentOrigin, d.Reason)
		})
	}
}

func TestContentOriginBeatsOwnerMatch(t *testing.T) {
	// Even if the owner principal were somehow a provenance tag, content
	// provenance must stay unauthorized.
	g := guard.New("email_content")
	d := g.AuthorizeCommand("anything", "email_content")
	assert.False(t, d.Authorized)
	assert.Equal(t, guard.ReasonContentOrigin, d.Reason)
}

func TestMalformedOrigins(t *testing.T) {
	g := guard.New(owner)

	d := g.AuthorizeCommand("cmd", "")
	assert.False(t, d.Authorized)
	assert.Equal(t, guard.ReasonEmptyOrigin, d.Reason)

	d = g.AuthorizeCommand("cmd", "no-channel-qualifier")
	assert.False(t, d.Authorized)
	assert.Equal(t, guard.ReasonMalformed, d.Reason)
}

func TestUnconfiguredGuardDeniesEverything(t *testing.T) {
	g := guard.New("")
	d := g.AuthorizeCommand("cmd", owner)
	assert.False(t, d.Authorized)
	assert.Equal(t, guard.ReasonNotConfigured, d.Reason)
}

func TestIsOwner(t *testing.T) {
	g := guard.New(owner)
	assert.True(t, g.IsOwner(owner))
	assert.False(t, g.IsOwner("telegram:+10000000000"))
	assert.False(t, g.IsOwner("email_content"))
}
