package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"gopkg.in/yaml.v3"
)

// TargetRule maps a program id to the instruction names that mark a
// pool-creation transaction.
type TargetRule struct {
	Name         string   `yaml:"name"`
	ProgramID    string   `yaml:"program_id"`
	Instructions []string `yaml:"instructions"`
}

// RuleFile is the on-disk layout of RULES_FILE.
type RuleFile struct {
	Rules []TargetRule `yaml:"rules"`
}

// DefaultRules are the Raydium pool-creation instructions.
func DefaultRules() []TargetRule {
	return []TargetRule{
		{
			Name:         "raydium-amm-v4",
			ProgramID:    "675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8",
			Instructions: []string{"initialize2"},
		},
		{
			Name:         "raydium-cpmm",
			ProgramID:    "CPMMoo8L3F4NbTegBCKVNunggL7H1ZpdTHKxQB5qKP1C",
			Instructions: []string{"Initialize", "InitializeWithPermission"},
		},
		{
			Name:         "raydium-clmm",
			ProgramID:    "CAMMCzo5YL8w4VFF8KVHrK22GGUsp5VTaW7grrKgrWqK",
			Instructions: []string{"CreatePool"},
		},
	}
}

// LoadRules reads the rule table from path, or returns DefaultRules when
// path is empty.
func LoadRules(path string) ([]TargetRule, error) {
	if path == "" {
		return DefaultRules(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	if err := ValidateRules(file.Rules); err != nil {
		return nil, fmt.Errorf("rules file %s: %w", path, err)
	}
	return file.Rules, nil
}

// ValidateRules checks that every program id is a valid public key and that
// every rule names at least one instruction.
func ValidateRules(rules []TargetRule) error {
	if len(rules) == 0 {
		return fmt.Errorf("no rules defined")
	}

	seen := make(map[string]bool)
	for i, r := range rules {
		if _, err := solana.PublicKeyFromBase58(r.ProgramID); err != nil {
			return fmt.Errorf("rule %d: invalid program id %q: %w", i, r.ProgramID, err)
		}
		if seen[r.ProgramID] {
			return fmt.Errorf("rule %d: duplicate program id %s", i, r.ProgramID)
		}
		seen[r.ProgramID] = true

		if len(r.Instructions) == 0 {
			return fmt.Errorf("rule %d (%s): no instructions", i, r.ProgramID)
		}
		for _, name := range r.Instructions {
			if name == "" || strings.ContainsAny(name, " \t\n") {
				return fmt.Errorf("rule %d (%s): invalid instruction name %q", i, r.ProgramID, name)
			}
		}
	}
	return nil
}
