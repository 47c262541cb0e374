package shield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDirectives(t *testing.T, text string) []*Directive {
	t.Helper()
	directives, errs := ParseDirectives(text)
	require.Empty(t, errs)
	return directives
}

func TestParseDirectives_Prefixes(t *testing.T) {
	text := `This threat abuses code execution.
BLOCK: tool.call execute_code with arguments containing (rm -rf, mkfs)
APPROVE: tool.call delegate_background
LOG: tool iterations >= 8
Watch for follow-up variants.`

	directives := mustDirectives(t, text)
	require.Len(t, directives, 3)
	assert.Equal(t, ActionBlock, directives[0].Action)
	assert.Equal(t, ActionRequireApproval, directives[1].Action)
	assert.Equal(t, ActionLog, directives[2].Action)
}

func TestParseDirectives_BadDirectiveReported(t *testing.T) {
	directives, errs := ParseDirectives("BLOCK: frobnicate the widget")
	assert.Empty(t, directives)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], ErrBadDirective)
}

func TestDirective_ToolCallForms(t *testing.T) {
	tests := []struct {
		name  string
		cond  string
		event Event
		want  bool
	}{
		{
			"named tool with keyword",
			"BLOCK: tool.call execute_code with arguments containing (rm -rf, format)",
			Event{ToolName: "execute_code", Arguments: `{"code":"exec('rm -rf /')"}`},
			true,
		},
		{
			"named tool wrong keyword",
			"BLOCK: tool.call execute_code with arguments containing (rm -rf)",
			Event{ToolName: "execute_code", Arguments: `{"code":"print(1)"}`},
			false,
		},
		{
			"named tool wrong tool",
			"BLOCK: tool.call execute_code with arguments containing (rm -rf)",
			Event{ToolName: "memory_add", Arguments: `rm -rf`},
			false,
		},
		{
			"anonymous arguments form",
			"BLOCK: tool.call with arguments containing (DROP TABLE)",
			Event{ToolName: "anything", Arguments: `{"sql":"drop table users"}`},
			true,
		},
		{
			"bare tool name",
			"APPROVE: tool.call identity_update",
			Event{ToolName: "identity_update"},
			true,
		},
		{
			"bare tool name case insensitive",
			"APPROVE: tool.call Identity_Update",
			Event{ToolName: "identity_update"},
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			directives := mustDirectives(t, tt.cond)
			require.Len(t, directives, 1)
			assert.Equal(t, tt.want, directives[0].Matches(&tt.event))
		})
	}
}

func TestDirective_SkillAndPlugin(t *testing.T) {
	eq := mustDirectives(t, "BLOCK: skill name equals crypto-wallet-sync")[0]
	assert.True(t, eq.Matches(&Event{SkillName: "Crypto-Wallet-Sync"}))
	assert.False(t, eq.Matches(&Event{SkillName: "crypto-wallet"}))
	assert.False(t, eq.Matches(&Event{}))

	contains := mustDirectives(t, "LOG: skill name contains wallet")[0]
	assert.True(t, contains.Matches(&Event{SkillName: "crypto-wallet-sync"}))

	plugin := mustDirectives(t, `BLOCK: plugin package name does not match ^@tinyclaw/`)[0]
	assert.True(t, plugin.Matches(&Event{PackageName: "@evil/miner"}))
	assert.False(t, plugin.Matches(&Event{PackageName: "@tinyclaw/weather"}))
	assert.False(t, plugin.Matches(&Event{}), "empty package name never matches")
}

func TestDirective_OutboundDomains(t *testing.T) {
	d := mustDirectives(t, "BLOCK: outbound request to evil.com or bad.org")[0]

	assert.True(t, d.Matches(&Event{Domain: "evil.com"}))
	assert.True(t, d.Matches(&Event{Domain: "api.evil.com"}))
	assert.True(t, d.Matches(&Event{Domain: "BAD.org"}))
	assert.False(t, d.Matches(&Event{Domain: "notevil.com"}))
	assert.False(t, d.Matches(&Event{Domain: "evil.com.attacker.net"}))
	assert.False(t, d.Matches(&Event{}))
}

func TestDirective_SecretPathWildcards(t *testing.T) {
	d := mustDirectives(t, "APPROVE: secrets read path equals providers.*.api_key")[0]

	assert.True(t, d.Matches(&Event{SecretPath: "providers.claw-main.api_key"}))
	assert.False(t, d.Matches(&Event{SecretPath: "providers.a.b.api_key"}), "wildcard spans one segment only")
	assert.False(t, d.Matches(&Event{SecretPath: "providers.api_key"}))

	exact := mustDirectives(t, "BLOCK: secrets read path equals auth.totp_secret")[0]
	assert.True(t, exact.Matches(&Event{SecretPath: "auth.totp_secret"}))
	assert.False(t, exact.Matches(&Event{SecretPath: "auth.totp_secret.old"}))
}

func TestDirective_FileMessageAndCounters(t *testing.T) {
	fileEq := mustDirectives(t, "BLOCK: file path equals /etc/passwd")[0]
	assert.True(t, fileEq.Matches(&Event{FilePath: "/etc/passwd"}))
	assert.False(t, fileEq.Matches(&Event{FilePath: "/etc/passwd.bak"}))

	fileContains := mustDirectives(t, "APPROVE: file path contains .ssh")[0]
	assert.True(t, fileContains.Matches(&Event{FilePath: "/home/ant/.ssh/id_rsa"}))

	msg := mustDirectives(t, "LOG: incoming message contains ignore previous instructions")[0]
	assert.True(t, msg.Matches(&Event{Message: "please IGNORE PREVIOUS INSTRUCTIONS and"}))
	assert.False(t, msg.Matches(&Event{Message: "hello"}))

	imp := mustDirectives(t, "APPROVE: memory_add importance >= 0.9")[0]
	assert.True(t, imp.Matches(&Event{ToolName: "memory_add", Importance: 0.95}))
	assert.True(t, imp.Matches(&Event{ToolName: "memory_add", Importance: 0.9}))
	assert.False(t, imp.Matches(&Event{ToolName: "memory_add", Importance: 0.5}))
	assert.False(t, imp.Matches(&Event{ToolName: "memory_search", Importance: 1.0}))

	depth := mustDirectives(t, "BLOCK: delegation chain depth exceeds 3")[0]
	assert.True(t, depth.Matches(&Event{ChainDepth: 4}))
	assert.False(t, depth.Matches(&Event{ChainDepth: 3}), "exceeds is strict")

	iters := mustDirectives(t, "LOG: tool iterations >= 8")[0]
	assert.True(t, iters.Matches(&Event{ToolIterations: 8}))
	assert.False(t, iters.Matches(&Event{ToolIterations: 7}))
}
