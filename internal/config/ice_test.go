package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
		{"urls": "stun:stun.example.com:3478"},
		{"urls": ["turn:turn.example.com:3478", "turns:turn.example.com:5349"], "username": "u", "credential": "p"}
	]`

	servers, err := ParseICEServersJSON(raw)
	require.NoError(t, err)
	require.Len(t, servers, 2)

	assert.Equal(t, []string{"stun:stun.example.com:3478"}, servers[0].URLs)
	assert.Equal(t, []string{"turn:turn.example.com:3478", "turns:turn.example.com:5349"}, servers[1].URLs)
	assert.Equal(t, "u", servers[1].Username)
	assert.Equal(t, "p", servers[1].Credential)
}

func TestParseICEServersJSONRejectsTurnWithoutCreds(t *testing.T) {
	_, err := ParseICEServersJSON(`[{"urls": "turn:turn.example.com:3478"}]`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "username")
}

func TestParseICEServersJSONRejectsUnknownScheme(t *testing.T) {
	_, err := ParseICEServersJSON(`[{"urls": "http://example.com"}]`)
	require.Error(t, err)
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:a.example.com:3478, stun:b.example.com:3478",
		"turn:t.example.com:3478",
		"user",
		"pass",
	)
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:a.example.com:3478", "stun:b.example.com:3478"}, servers[0].URLs)
	assert.Equal(t, "user", servers[1].Username)
}

func TestParseICEServersFromConvenienceEnvRequiresTurnCreds(t *testing.T) {
	_, err := ParseICEServersFromConvenienceEnv("", "turn:t.example.com:3478", "", "")
	require.Error(t, err)
}

func TestDefaultICEServersUsedWhenUnconfigured(t *testing.T) {
	servers, err := parseICEServersFromValues("", "", "", "", "")
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.GreaterOrEqual(t, len(servers[0].URLs), 2)
}
