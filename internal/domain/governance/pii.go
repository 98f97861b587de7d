package governance

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// piiDetector pairs a regex prefilter with a validator function. The regex
// over-matches cheaply; the validator applies the exact semantics.
type piiDetector struct {
	kind     string
	pattern  *regexp.Regexp
	validate func(string) bool
}

var piiDetectors = map[GuardrailType]piiDetector{
	TypePIISSN: {
		kind:     "ssn",
		pattern:  regexp.MustCompile(`\d{3}[-\s]?\d{2}[-\s]?\d{4}`),
		validate: validateSSN,
	},
	TypePIICreditCard: {
		kind:     "credit_card",
		pattern:  regexp.MustCompile(`\d(?:[-\s]?\d){12,18}`),
		validate: validateCreditCard,
	},
	TypePIIEmail: {
		kind:     "email",
		pattern:  regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`),
		validate: validateEmail,
	},
	TypePIIPhone: {
		kind:     "phone",
		pattern:  regexp.MustCompile(`\+?\d{0,3}[-.\s]?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`),
		validate: validatePhone,
	},
	TypePIIIPAddress: {
		kind:     "ip_address",
		pattern:  regexp.MustCompile(`\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`),
		validate: validateIPAddress,
	},
}

// newPIIEvaluator builds one of the five PII guardrails. Detection runs
// over every string leaf of the JSON body. Action block short-circuits;
// action redact replaces each finding with the redaction token across the
// whole tree and returns the transformed body.
func newPIIEvaluator(p EffectivePolicy, deps Deps) (*Evaluator, error) {
	det, ok := piiDetectors[p.GuardrailType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGuardrail, p.GuardrailType)
	}

	token := configString(p.Config, "redaction_pattern",
		"[REDACTED:"+strings.ToUpper(det.kind)+"]")
	token = strings.ReplaceAll(token, "{type}", strings.ToUpper(det.kind))

	action := p.Action
	if action != ActionBlock && action != ActionRedact && action != ActionLogOnly {
		action = ActionRedact
	}

	fn := func(ctx context.Context, _ Direction, body *Body, _ *RequestContext) (Result, error) {
		if !body.IsStructured() {
			return Result{Action: ActionAllow}, nil
		}

		findings := make(map[string]struct{})
		body.VisitStrings(func(leaf StringLeaf) bool {
			for _, match := range det.pattern.FindAllString(leaf.Value, -1) {
				if det.validate(match) {
					findings[match] = struct{}{}
				}
			}
			return true
		})

		if len(findings) == 0 {
			return Result{Action: ActionAllow}, nil
		}

		details := map[string]interface{}{
			"pii_type":       det.kind,
			"total_findings": len(findings),
		}

		switch action {
		case ActionBlock:
			return Result{Action: ActionBlock, Triggered: true, Details: details}, nil
		case ActionLogOnly:
			return Result{Action: ActionLogOnly, Triggered: true, Details: details}, nil
		default:
			replacements := make(map[string]string, len(findings))
			for value := range findings {
				replacements[value] = token
			}
			details["redaction_count"] = len(findings)
			return Result{
				Action:    ActionRedact,
				Triggered: true,
				Body:      body.Replace(replacements),
				Details:   details,
			}, nil
		}
	}

	return &Evaluator{
		Type:       p.GuardrailType,
		Action:     p.Action,
		Config:     p.Config,
		directions: directionsFromConfig(p.Config),
		fn:         fn,
	}, nil
}

func digitsOf(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// validateSSN enforces area 001-899 excluding 666, group 01-99, and
// serial 0001-9999.
func validateSSN(value string) bool {
	digits := digitsOf(value)
	if len(digits) != 9 {
		return false
	}
	area, _ := strconv.Atoi(digits[:3])
	group, _ := strconv.Atoi(digits[3:5])
	serial, _ := strconv.Atoi(digits[5:])
	if area == 0 || area == 666 || area >= 900 {
		return false
	}
	return group != 0 && serial != 0
}

// validateCreditCard applies the Luhn checksum over 13-19 digits.
func validateCreditCard(value string) bool {
	digits := digitsOf(value)
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	total := 0
	for i := 0; i < len(digits); i++ {
		n := int(digits[len(digits)-1-i] - '0')
		if i%2 == 1 {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		total += n
	}
	return total%10 == 0
}

func validateEmail(value string) bool {
	at := strings.LastIndex(value, "@")
	if at <= 0 || at == len(value)-1 {
		return false
	}
	return strings.Contains(value[at+1:], ".")
}

func validatePhone(value string) bool {
	n := len(digitsOf(value))
	return n >= 10 && n <= 15
}

func validateIPAddress(value string) bool {
	parts := strings.Split(value, ".")
	if len(parts) != 4 {
		return false
	}
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}
