package model

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	cue "cuelang.org/go/cue"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// CueErrorDetail is one config validation failure in a form suitable for
// logging.
type CueErrorDetail struct {
	Path    string // train.defaults.model_type
	Code    string // unknown_field, missing_field or invalid_value
	Message string
	Pos     token.Position
}

func (c CueErrorDetail) Attr(name string) slog.Attr {
	return slog.GroupAttrs(
		name,
		slog.String("code", c.Code),
		slog.String("path", c.Path),
		slog.String("message", c.Message),
		slog.String("file", c.Pos.Filename),
		slog.Int("line", c.Pos.Line),
		slog.Int("column", c.Pos.Column),
	)
}

// choice fields list the accepted values in the message
var choicePaths = []string{
	"service.log_format",
	"train.policy",
	"train.defaults.model_type",
}

// CueErrDetails converts an error returned by LoadConfig into details,
// at most one per position in the config file.
func CueErrDetails(err error) []CueErrorDetail {
	if err == nil {
		return nil
	}
	var out []CueErrorDetail
	seen := make(map[token.Position]bool)
	for _, e := range cueerrors.Errors(err) {
		pos, ok := filePosition(e)
		if !ok || seen[pos] {
			continue
		}
		seen[pos] = true

		format, args := e.Msg()
		path := strings.Join(e.Path(), ".")
		path = strings.TrimPrefix(path, "#Config.")
		d := CueErrorDetail{Path: path, Pos: pos}
		d.Code, d.Message = describe(fmt.Sprintf(format, args...), path)
		out = append(out, d)
	}
	return out
}

func describe(msg, path string) (code, text string) {
	field := path[strings.LastIndexByte(path, '.')+1:]
	switch {
	case strings.Contains(msg, "not allowed"):
		return "unknown_field", "unknown field " + field
	case strings.Contains(msg, "incomplete value"):
		return "missing_field", field + " must be set"
	}
	text = fmt.Sprintf("invalid %s: %s", field, msg)
	for _, p := range choicePaths {
		if p == path {
			text += " (one of " + strings.Join(choices(p), ", ") + ")"
		}
	}
	return "invalid_value", text
}

// choices lists the string alternatives of a disjunction in the schema.
func choices(path string) []string {
	v := schema.LookupPath(cue.ParsePath(path))
	op, args := v.Expr()
	if op != cue.OrOp {
		args = []cue.Value{v}
	}
	var values []string
	for _, a := range args {
		if s, err := a.String(); err == nil && !slices.Contains(values, s) {
			values = append(values, s)
		}
	}
	return values
}

func filePosition(e cueerrors.Error) (token.Position, bool) {
	for _, p := range cueerrors.Positions(e) {
		if p.Filename() != "" {
			return p.Position(), true
		}
	}
	return token.Position{}, false
}
