// Package detector classifies fetched blocks against the pool-creation
// rule table and hands positive transactions to enrichment.
package detector

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/slotwatch/engine/internal/config"
	"github.com/slotwatch/engine/internal/store"
)

// Match names the rule that marked a transaction positive.
type Match struct {
	RuleName    string
	ProgramID   string
	Instruction string
}

// Positive is a transaction that matched a rule.
type Positive struct {
	Index int // position in the block
	Tx    *store.Transaction
	Match Match
}

type instructionPattern struct {
	name string
	re   *regexp.Regexp
}

type compiledRule struct {
	name         string
	programID    string
	instructions []instructionPattern
}

// Classifier applies the rule table to transaction logs. It is read-only
// after construction and safe for concurrent use.
type Classifier struct {
	rules []compiledRule
}

// NewClassifier compiles one word-bounded "Instruction: <name>" pattern per
// instruction name.
func NewClassifier(rules []config.TargetRule) (*Classifier, error) {
	c := &Classifier{}
	for _, r := range rules {
		cr := compiledRule{name: r.Name, programID: r.ProgramID}
		for _, name := range r.Instructions {
			re, err := regexp.Compile(`Instruction: ` + regexp.QuoteMeta(name) + `\b`)
			if err != nil {
				return nil, fmt.Errorf("rule %s: instruction %q: %w", r.ProgramID, name, err)
			}
			cr.instructions = append(cr.instructions, instructionPattern{name: name, re: re})
		}
		c.rules = append(c.rules, cr)
	}
	return c, nil
}

// Classify joins the log lines with single spaces and returns the first
// matching rule. Rules are tried in table order; within a rule only
// instructions of a program that appears in the logs are tested.
func (c *Classifier) Classify(logs []string) (Match, bool) {
	if len(logs) == 0 {
		return Match{}, false
	}
	span := strings.Join(logs, " ")

	for _, r := range c.rules {
		if !strings.Contains(span, r.programID) {
			continue
		}
		for _, ins := range r.instructions {
			if ins.re.MatchString(span) {
				return Match{RuleName: r.name, ProgramID: r.programID, Instruction: ins.name}, true
			}
		}
	}
	return Match{}, false
}

// ClassifyBlock returns the positive transactions of block in block order.
func (c *Classifier) ClassifyBlock(block *store.Block) []Positive {
	if block == nil {
		return nil
	}
	var out []Positive
	for i := range block.Transactions {
		tx := &block.Transactions[i]
		if m, ok := c.Classify(tx.LogMessages()); ok {
			out = append(out, Positive{Index: i, Tx: tx, Match: m})
		}
	}
	return out
}
