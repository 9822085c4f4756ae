package channel

import (
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/Artproton/beacon/internal/protocol"
	"github.com/Artproton/beacon/pkg/log"
)

// CELFilter is a delegate that vetoes persistence of records matching a CEL
// expression. The expression sees the record as:
//
//	type       string
//	user_id    string
//	critical   bool
//	properties map(string, string)
//	targets    list(string)  // target keys, not full tokens
//
// A record is dropped when the expression evaluates to true. Evaluation
// errors keep the record: a broken filter must not swallow telemetry.
type CELFilter struct {
	BaseDelegate
	prog    cel.Program
	enabled bool
	logger  log.Logger
}

// NewCELFilter compiles the expression. An empty expression yields a
// disabled filter that never vetoes.
func NewCELFilter(expr string, logger log.Logger) (*CELFilter, error) {
	if logger == nil {
		logger = log.NewNop()
	}
	f := &CELFilter{logger: logger.With(log.Component("channel-filter"))}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return f, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("type", cel.StringType),
		cel.Variable("user_id", cel.StringType),
		cel.Variable("critical", cel.BoolType),
		cel.Variable("properties", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("targets", cel.ListType(cel.StringType)),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	prog, err := env.Program(ast)
	if err != nil {
		return nil, err
	}
	f.prog = prog
	f.enabled = true
	return f, nil
}

// ShouldFilterLog implements Delegate.
func (f *CELFilter) ShouldFilterLog(rec *protocol.Log) bool {
	if !f.enabled {
		return false
	}
	props := rec.Properties
	if props == nil {
		props = map[string]string{}
	}
	targets := rec.TargetKeys()
	if targets == nil {
		targets = []string{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"type":       rec.Type,
		"user_id":    rec.UserID,
		"critical":   rec.Flags.Normalized() == protocol.FlagsCritical,
		"properties": props,
		"targets":    targets,
	})
	if err != nil {
		f.logger.Warn("filter evaluation failed, keeping record", log.Err(err))
		return false
	}
	veto, ok := out.Value().(bool)
	return ok && veto
}
