package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/elowen-ai/elowen/internal/application/tools"
	"github.com/elowen-ai/elowen/internal/ports"
)

// Calculator returns a tool that evaluates arithmetic expressions
// without leaving the process.
func Calculator() tools.Definition {
	return tools.Definition{
		Name:        "calculator",
		Description: "Evaluates mathematical expressions. Supports basic operations (+, -, *, /), exponentiation (^), and functions like sqrt, sin, cos, tan, log, ln, abs, ceil, floor.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"expression": map[string]any{
					"type":        "string",
					"description": "The mathematical expression to evaluate (e.g., '2 + 2', '10 * 5', 'sqrt(16)')",
				},
			},
			"required": []string{"expression"},
		},
		Handler: func(ctx context.Context, tc ports.ToolContext, input json.RawMessage) (string, error) {
			var args struct {
				Expression string `json:"expression"`
			}
			if err := json.Unmarshal(input, &args); err != nil {
				return "", fmt.Errorf("invalid calculator arguments: %w", err)
			}
			if strings.TrimSpace(args.Expression) == "" {
				return "", fmt.Errorf("expression is required")
			}

			result, err := evaluateExpression(args.Expression)
			if err != nil {
				return "", fmt.Errorf("failed to evaluate expression: %w", err)
			}

			return fmt.Sprintf("%s = %s", args.Expression, strconv.FormatFloat(result, 'f', -1, 64)), nil
		},
	}
}

// evaluateExpression evaluates a simple mathematical expression
// This is a basic implementation. For production, consider using a proper expression parser.
func evaluateExpression(expr string) (float64, error) {
	expr = strings.TrimSpace(expr)
	expr = strings.ToLower(expr)

	// Handle functions
	funcs := []struct {
		prefix string
		apply  func(float64) float64
	}{
		{"sqrt(", math.Sqrt},
		{"abs(", math.Abs},
		{"sin(", math.Sin},
		{"cos(", math.Cos},
		{"tan(", math.Tan},
		{"log(", math.Log10},
		{"ln(", math.Log},
		{"ceil(", math.Ceil},
		{"floor(", math.Floor},
	}
	for _, f := range funcs {
		if strings.HasPrefix(expr, f.prefix) && strings.HasSuffix(expr, ")") {
			inner := expr[len(f.prefix) : len(expr)-1]
			val, err := evaluateExpression(inner)
			if err != nil {
				return 0, err
			}
			return f.apply(val), nil
		}
	}

	// Handle exponentiation
	if strings.Contains(expr, "^") {
		parts := strings.SplitN(expr, "^", 2)
		if len(parts) != 2 {
			return 0, fmt.Errorf("invalid exponentiation expression")
		}
		base, err := evaluateExpression(parts[0])
		if err != nil {
			return 0, err
		}
		exp, err := evaluateExpression(parts[1])
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}

	// Handle multiplication and division (higher precedence)
	for i, op := range []string{"*", "/"} {
		if strings.Contains(expr, op) {
			parts := strings.SplitN(expr, op, 2)
			if len(parts) != 2 {
				return 0, fmt.Errorf("invalid %s expression", op)
			}
			left, err := evaluateExpression(parts[0])
			if err != nil {
				return 0, err
			}
			right, err := evaluateExpression(parts[1])
			if err != nil {
				return 0, err
			}
			if i == 0 {
				return left * right, nil
			}
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			return left / right, nil
		}
	}

	// Handle addition and subtraction (lower precedence)
	// Find the last occurrence to handle left-to-right evaluation
	for i, op := range []string{"+", "-"} {
		idx := strings.LastIndex(expr, op)
		if idx > 0 { // idx > 0 to avoid negative numbers at the start
			left, err := evaluateExpression(expr[:idx])
			if err != nil {
				return 0, err
			}
			right, err := evaluateExpression(expr[idx+1:])
			if err != nil {
				return 0, err
			}
			if i == 0 {
				return left + right, nil
			}
			return left - right, nil
		}
	}

	// Try to parse as a number
	val, err := strconv.ParseFloat(expr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid expression: %s", expr)
	}

	return val, nil
}
