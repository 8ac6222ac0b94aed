package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRulesAreValid(t *testing.T) {
	rules := DefaultRules()
	require.NoError(t, ValidateRules(rules))
	assert.Equal(t, "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", rules[0].ProgramID)
	assert.Equal(t, []string{"initialize2"}, rules[0].Instructions)
}

func TestLoadRulesEmptyPathUsesDefaults(t *testing.T) {
	rules, err := LoadRules("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRules(), rules)
}

func TestLoadRulesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `rules:
  - name: pump-amm
    program_id: pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA
    instructions: [CreatePool]
  - name: raydium-amm-v4
    program_id: 675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8
    instructions:
      - initialize2
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "pump-amm", rules[0].Name)
	assert.Equal(t, []string{"CreatePool"}, rules[0].Instructions)
	assert.Equal(t, "initialize2", rules[1].Instructions[0])
}

func TestValidateRulesRejectsBadInput(t *testing.T) {
	cases := map[string][]TargetRule{
		"empty table":      {},
		"bad program id":   {{ProgramID: "not-base58-0OIl", Instructions: []string{"x"}}},
		"no instructions":  {{ProgramID: "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"}},
		"blank name":       {{ProgramID: "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", Instructions: []string{""}}},
		"name with spaces": {{ProgramID: "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", Instructions: []string{"init 2"}}},
		"duplicate program": {
			{ProgramID: "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", Instructions: []string{"a"}},
			{ProgramID: "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8", Instructions: []string{"b"}},
		},
	}
	for name, rules := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, ValidateRules(rules))
		})
	}
}

func TestLoadRulesMissingFile(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
