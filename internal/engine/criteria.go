package engine

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	json "github.com/goccy/go-json"

	"github.com/rendis/agentflow/internal/model"
	"github.com/rendis/agentflow/pkg/schema"
)

const (
	reasonJudgeRejected    = "judge rejected output"
	reasonJudgeUnparseable = "unparseable judge verdict"
)

// Verdict is the outcome of checking one output against a criterion.
type Verdict struct {
	Accepted bool
	Reason   string
}

func accept() Verdict { return Verdict{Accepted: true} }
func reject(reason string) Verdict { return Verdict{Reason: reason} }

// Evaluator checks step outputs against completion criteria. Only
// llm_judge criteria reach the judge model.
type Evaluator struct {
	judge      model.Invoker
	judgeModel string
}

// NewEvaluator creates an evaluator that asks judgeModel through judge.
func NewEvaluator(judge model.Invoker, judgeModel string) *Evaluator {
	return &Evaluator{judge: judge, judgeModel: judgeModel}
}

// Evaluate returns the verdict for output. A non-nil error means the judge
// could not be reached and is distinct from a rejection.
func (e *Evaluator) Evaluate(ctx context.Context, c schema.Criterion, output string) (Verdict, error) {
	switch c := c.(type) {
	case schema.Contains:
		if strings.Contains(output, c.Value) {
			return accept(), nil
		}
		return reject(fmt.Sprintf("output does not contain %q", c.Value)), nil

	case schema.JSONValid:
		return checkJSON(output), nil

	case schema.LLMJudge:
		return e.askJudge(ctx, c.Instruction, output)

	default:
		return Verdict{}, schema.NewErrorf(schema.ErrCodeValidation, "unsupported criterion %T", c)
	}
}

func checkJSON(output string) Verdict {
	if strings.TrimSpace(output) == "" {
		return reject("output is empty, not JSON")
	}
	var v any
	if err := json.Unmarshal([]byte(output), &v); err != nil {
		return reject("invalid JSON: " + err.Error())
	}
	return accept()
}

func (e *Evaluator) askJudge(ctx context.Context, instruction, output string) (Verdict, error) {
	if e.judge == nil {
		return Verdict{}, schema.NewError(schema.ErrCodeJudge, "no judge model configured")
	}
	reply, err := e.judge.Invoke(ctx, e.judgeModel, judgePrompt(instruction, output))
	if err != nil {
		return Verdict{}, schema.NewError(schema.ErrCodeJudge, schema.ErrorMessage(err)).WithCause(err)
	}
	return parseVerdict(reply), nil
}

func judgePrompt(instruction, output string) string {
	var b strings.Builder
	b.WriteString("You are grading the output of an automated step.\n\n")
	b.WriteString("Criterion:\n")
	b.WriteString(instruction)
	b.WriteString("\n\nOutput:\n<<<\n")
	b.WriteString(output)
	b.WriteString("\n>>>\n\n")
	b.WriteString("Does the output satisfy the criterion? Answer YES or NO as the first word, optionally followed by a short reason.")
	return b.String()
}

// parseVerdict reads the judge's first word. Anything other than yes or no
// rejects the output.
func parseVerdict(reply string) Verdict {
	reply = strings.TrimSpace(reply)
	first, rest := reply, ""
	if i := strings.IndexFunc(reply, unicode.IsSpace); i >= 0 {
		first, rest = reply[:i], reply[i:]
	}
	word := strings.ToLower(strings.TrimFunc(first, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	}))

	switch word {
	case "yes":
		return accept()
	case "no":
		reason := strings.TrimSpace(strings.TrimLeftFunc(rest, func(r rune) bool {
			return unicode.IsSpace(r) || unicode.IsPunct(r)
		}))
		if reason == "" {
			reason = reasonJudgeRejected
		}
		return reject(reason)
	default:
		return reject(reasonJudgeUnparseable)
	}
}
