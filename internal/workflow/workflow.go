// Package workflow runs small state machines whose states pass a JSON
// document along. Task states call Go functions or long-running jobs, choice
// states branch on boolean fields, and the whole execution is bounded by a
// timeout.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// StateType selects how a state is executed.
type StateType string

const (
	TypeTask   StateType = "Task"
	TypeChoice StateType = "Choice"
	TypePass   StateType = "Pass"
)

// ResultDiscard keeps the state input as the state output.
const ResultDiscard = "DISCARD"

// TaskFunc receives the selected input document and returns a JSON result.
type TaskFunc func(ctx context.Context, input []byte) ([]byte, error)

// ChoiceRule routes to Next when the boolean at Variable equals BooleanEquals.
type ChoiceRule struct {
	Variable      string
	BooleanEquals bool
	Next          string
}

// State is one node of a Definition.
type State struct {
	Type StateType

	// Task
	Task TaskFunc
	// InputPath selects the part of the document handed to the task; "$" or
	// empty means all of it.
	InputPath string
	// ResultPath places the result: "$" or empty replaces the document,
	// ResultDiscard drops it, "$.field" sets one field.
	ResultPath string

	// Pass
	Result []byte

	// Choice
	Choices []ChoiceRule
	Default string

	Next string
	End  bool
}

// Definition is a named state machine.
type Definition struct {
	Name    string
	StartAt string
	States  map[string]State
	Timeout time.Duration
}

// Validate checks that every transition points at a known state.
func (d Definition) Validate() error {
	if _, ok := d.States[d.StartAt]; !ok {
		return fmt.Errorf("start state %q not defined", d.StartAt)
	}
	known := func(from, to string) error {
		if _, ok := d.States[to]; !ok {
			return fmt.Errorf("state %q transitions to unknown state %q", from, to)
		}
		return nil
	}
	for name, s := range d.States {
		switch s.Type {
		case TypeTask, TypePass:
			if s.Type == TypeTask && s.Task == nil {
				return fmt.Errorf("task state %q has no task", name)
			}
			if !s.End {
				if err := known(name, s.Next); err != nil {
					return err
				}
			}
		case TypeChoice:
			for _, c := range s.Choices {
				if err := known(name, c.Next); err != nil {
					return err
				}
			}
			if s.Default != "" {
				if err := known(name, s.Default); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("state %q has unknown type %q", name, s.Type)
		}
	}
	return nil
}

// jsonPath converts "$.a.b" into the gjson path "a.b".
func jsonPath(path string) string {
	if path == "" || path == "$" {
		return "@this"
	}
	return strings.TrimPrefix(path, "$.")
}

func selectInput(doc []byte, path string) ([]byte, error) {
	if path == "" || path == "$" {
		return doc, nil
	}
	res := gjson.GetBytes(doc, jsonPath(path))
	if !res.Exists() {
		return nil, fmt.Errorf("input path %s not found", path)
	}
	return []byte(res.Raw), nil
}

func applyResult(doc []byte, path string, result []byte) ([]byte, error) {
	switch path {
	case ResultDiscard:
		return doc, nil
	case "", "$":
		if len(result) == 0 {
			return []byte("{}"), nil
		}
		return result, nil
	}
	if len(result) == 0 {
		result = []byte("null")
	}
	out, err := sjson.SetRawBytes(doc, jsonPath(path), result)
	if err != nil {
		return nil, fmt.Errorf("failed to set result path %s: %w", path, err)
	}
	return out, nil
}

func choose(doc []byte, s State) (string, error) {
	for _, c := range s.Choices {
		v := gjson.GetBytes(doc, jsonPath(c.Variable))
		if v.Type != gjson.True && v.Type != gjson.False {
			continue
		}
		if v.Bool() == c.BooleanEquals {
			return c.Next, nil
		}
	}
	if s.Default != "" {
		return s.Default, nil
	}
	return "", errors.New("no choice rule matched")
}

// Format substitutes each "{}" in template with the string value found at
// the matching path of doc.
func Format(template string, doc []byte, paths ...string) (string, error) {
	var b strings.Builder
	rest := template
	for _, p := range paths {
		i := strings.Index(rest, "{}")
		if i < 0 {
			return "", fmt.Errorf("template has fewer placeholders than paths")
		}
		v := gjson.GetBytes(doc, jsonPath(p))
		if !v.Exists() {
			return "", fmt.Errorf("format path %s not found", p)
		}
		b.WriteString(rest[:i])
		b.WriteString(v.String())
		rest = rest[i+2:]
	}
	if strings.Contains(rest, "{}") {
		return "", fmt.Errorf("template has more placeholders than paths")
	}
	b.WriteString(rest)
	return b.String(), nil
}
