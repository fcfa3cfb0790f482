package executor

import (
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"github.com/hrygo/dbgmux/internal/config"
)

// unsafeSubstrings are the unconditional batching exclusions: a command
// containing `!analyze` or any shell/redirection metacharacter is never
// batch-eligible, regardless of what the allow-list or BatchSafeRule
// say.
var unsafeSubstrings = []string{"!analyze", "|", ">", "<", "&", ";", "`", "$("}

// BatchSafety decides whether a command's text is eligible for coalescing
// into a single framed block. The Session Manager builds it once and
// shares it with every session's Executor, which uses it both for
// batching and for simple-command timeout classification.
type BatchSafety struct {
	allow map[string]bool
	prog  cel.Program
}

// NewBatchSafety compiles cfg.BatchSafeRule, if set, into a CEL program
// over a single `command` string variable.
func NewBatchSafety(cfg *config.Config) (*BatchSafety, error) {
	b := &BatchSafety{allow: make(map[string]bool, len(cfg.BatchSafeCommands))}
	for _, c := range cfg.BatchSafeCommands {
		b.allow[c] = true
	}
	if cfg.BatchSafeRule == "" {
		return b, nil
	}

	env, err := cel.NewEnv(cel.Variable("command", cel.StringType))
	if err != nil {
		return nil, errors.Wrap(err, "cel: new env")
	}
	ast, iss := env.Compile(cfg.BatchSafeRule)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Wrap(iss.Err(), "cel: compile BatchSafeRule")
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrap(err, "cel: build program")
	}
	b.prog = prog
	return b, nil
}

// IsSafe reports whether text may be coalesced with its neighbors.
func (b *BatchSafety) IsSafe(text string) bool {
	for _, bad := range unsafeSubstrings {
		if strings.Contains(text, bad) {
			return false
		}
	}
	if b.allow[text] {
		return true
	}
	if b.prog == nil {
		return false
	}
	out, _, err := b.prog.Eval(map[string]any{"command": text})
	if err != nil {
		return false
	}
	safe, ok := out.Value().(bool)
	return ok && safe
}

// IsSimple reports whether text is on the allow-list used to classify
// "simple" commands for simple_command_timeout — the same allow-list
// batching draws from.
func (b *BatchSafety) IsSimple(text string) bool {
	return b.allow[text]
}
