// Workflow step conditions.
//
// The condition language is deliberately tiny: boolean combinations of
// artifact existence checks, artifact field comparisons, and phase
// tests. No side effects, no arbitrary code.
//
//	has_artifact("prd_epic")
//	artifact("architecture").field("style") == "microservices"
//	phase == "build"
//	has_artifact("prd_epic") && !has_artifact("architecture")
//	(phase == "validate" || phase == "launch") && has_artifact("code_bundle")
//
// A reference to a missing artifact or field evaluates to false rather
// than erroring; workflows route around absent context.
package orchestration

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/ensembleworks/ensemble/core"
)

// ConditionEnv is the evaluation environment for one step condition.
type ConditionEnv struct {
	// Phase is the project's current phase.
	Phase string

	// Artifacts maps artifact type to the latest artifact of that type
	// in the run's context snapshot.
	Artifacts map[string]*ContextArtifact
}

// HasArtifact reports whether an artifact of the type exists.
func (e *ConditionEnv) HasArtifact(artifactType string) bool {
	_, ok := e.Artifacts[artifactType]
	return ok
}

// ArtifactField extracts a top-level field from an artifact's content
// as a string. Returns "", false when the artifact or field is absent
// or not a scalar.
func (e *ConditionEnv) ArtifactField(artifactType, field string) (string, bool) {
	artifact, ok := e.Artifacts[artifactType]
	if !ok {
		return "", false
	}
	var content map[string]interface{}
	if err := json.Unmarshal(artifact.Content, &content); err != nil {
		return "", false
	}
	value, ok := content[field]
	if !ok {
		return "", false
	}
	switch v := value.(type) {
	case string:
		return v, true
	case bool:
		return fmt.Sprintf("%t", v), true
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), "."), true
	default:
		return "", false
	}
}

// EvalCondition evaluates a step condition against the environment.
// An empty expression is true. A malformed expression is an error;
// references to missing data are false.
func EvalCondition(expr string, env *ConditionEnv) (bool, error) {
	if strings.TrimSpace(expr) == "" {
		return true, nil
	}
	p := &condParser{input: expr, env: env}
	result, err := p.parseOr()
	if err != nil {
		return false, err
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return false, fmt.Errorf("unexpected input at %q in condition %q: %w",
			p.input[p.pos:], expr, core.ErrInvalidConfiguration)
	}
	return result, nil
}

// condParser is a recursive-descent parser over the grammar
//
//	or    := and ("||" and)*
//	and   := unary ("&&" unary)*
//	unary := "!" unary | "(" or ")" | predicate
type condParser struct {
	input string
	pos   int
	env   *ConditionEnv
}

func (p *condParser) parseOr() (bool, error) {
	left, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for p.accept("||") {
		right, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		left = left || right
	}
	return left, nil
}

func (p *condParser) parseAnd() (bool, error) {
	left, err := p.parseUnary()
	if err != nil {
		return false, err
	}
	for p.accept("&&") {
		right, err := p.parseUnary()
		if err != nil {
			return false, err
		}
		left = left && right
	}
	return left, nil
}

func (p *condParser) parseUnary() (bool, error) {
	if p.accept("!") {
		inner, err := p.parseUnary()
		return !inner, err
	}
	if p.accept("(") {
		inner, err := p.parseOr()
		if err != nil {
			return false, err
		}
		if !p.accept(")") {
			return false, p.errorf("expected closing parenthesis")
		}
		return inner, nil
	}
	return p.parsePredicate()
}

// parsePredicate handles the three predicate forms.
func (p *condParser) parsePredicate() (bool, error) {
	ident := p.readIdent()
	switch ident {
	case "has_artifact":
		args, err := p.readArgs(1)
		if err != nil {
			return false, err
		}
		return p.env.HasArtifact(args[0]), nil

	case "artifact":
		args, err := p.readArgs(1)
		if err != nil {
			return false, err
		}
		if !p.accept(".") {
			return false, p.errorf("expected .field() after artifact()")
		}
		if p.readIdent() != "field" {
			return false, p.errorf("expected .field() after artifact()")
		}
		fieldArgs, err := p.readArgs(1)
		if err != nil {
			return false, err
		}
		actual, present := p.env.ArtifactField(args[0], fieldArgs[0])
		op, expected, err := p.readComparison()
		if err != nil {
			return false, err
		}
		if !present {
			return false, nil
		}
		if op == "==" {
			return actual == expected, nil
		}
		return actual != expected, nil

	case "phase":
		op, expected, err := p.readComparison()
		if err != nil {
			return false, err
		}
		if op == "==" {
			return p.env.Phase == expected, nil
		}
		return p.env.Phase != expected, nil

	case "":
		return false, p.errorf("expected predicate")
	default:
		return false, p.errorf("unknown predicate %q", ident)
	}
}

// readComparison consumes == or != followed by a quoted string.
func (p *condParser) readComparison() (op, value string, err error) {
	switch {
	case p.accept("=="):
		op = "=="
	case p.accept("!="):
		op = "!="
	default:
		return "", "", p.errorf("expected == or !=")
	}
	value, err = p.readString()
	return op, value, err
}

// readArgs consumes a parenthesized list of n quoted strings.
func (p *condParser) readArgs(n int) ([]string, error) {
	if !p.accept("(") {
		return nil, p.errorf("expected argument list")
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		if i > 0 && !p.accept(",") {
			return nil, p.errorf("expected comma in argument list")
		}
		s, err := p.readString()
		if err != nil {
			return nil, err
		}
		args = append(args, s)
	}
	if !p.accept(")") {
		return nil, p.errorf("expected closing parenthesis in argument list")
	}
	return args, nil
}

func (p *condParser) readString() (string, error) {
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != '"' {
		return "", p.errorf("expected quoted string")
	}
	p.pos++
	start := p.pos
	for p.pos < len(p.input) && p.input[p.pos] != '"' {
		p.pos++
	}
	if p.pos >= len(p.input) {
		return "", p.errorf("unterminated string")
	}
	s := p.input[start:p.pos]
	p.pos++
	return s, nil
}

func (p *condParser) readIdent() string {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		c := rune(p.input[p.pos])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			break
		}
		p.pos++
	}
	return p.input[start:p.pos]
}

func (p *condParser) accept(token string) bool {
	p.skipSpace()
	if strings.HasPrefix(p.input[p.pos:], token) {
		p.pos += len(token)
		return true
	}
	return false
}

func (p *condParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *condParser) errorf(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s at offset %d in condition %q: %w",
		msg, p.pos, p.input, core.ErrInvalidConfiguration)
}
