package sandbox

import (
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/domain"
)

// deniedPatterns are host-environment escape vectors. The screen runs on
// the raw source before parsing so a hostile expression is rejected even
// when it would not parse.
var deniedPatterns = []string{
	"process",
	"require",
	"import",
	"eval",
	"function",
	"constructor",
	"prototype",
	"__proto__",
	"globalthis",
	"settimeout",
	"setinterval",
	"child_process",
	"fs.",
	"exec",
	"spawn",
	"fetch",
	"xmlhttprequest",
}

// screen rejects expressions that reference denied host capabilities or
// whose raw shape is too complex to evaluate within the configured limits.
func screen(src string, limits domain.SandboxConfig) error {
	lowered := strings.ToLower(src)
	for _, pattern := range deniedPatterns {
		if idx := indexWord(lowered, pattern); idx >= 0 {
			return domain.NewExpressionError(domain.ExpressionSecurity, src,
				fmt.Sprintf("expression references denied capability %q", pattern), idx)
		}
	}

	if len(src) > maxSourceLen {
		return domain.NewExpressionError(domain.ExpressionResource, src,
			fmt.Sprintf("expression source exceeds %d bytes", maxSourceLen), 0)
	}

	depth, maxDepth := 0, 0
	for i, r := range src {
		switch r {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
		if maxDepth > limits.MaxDepth {
			return domain.NewExpressionError(domain.ExpressionResource, src,
				fmt.Sprintf("expression nesting exceeds depth %d", limits.MaxDepth), i)
		}
	}
	return nil
}

const maxSourceLen = 64 * 1024

// indexWord finds pattern in s at a position where it is not part of a
// longer identifier, so e.g. "imported_total" is not flagged for "import".
func indexWord(s, pattern string) int {
	from := 0
	for {
		idx := strings.Index(s[from:], pattern)
		if idx < 0 {
			return -1
		}
		idx += from
		before := idx == 0 || !isIdentByte(s[idx-1])
		afterIdx := idx + len(pattern)
		after := afterIdx >= len(s) || !isIdentByte(s[afterIdx])
		if strings.HasSuffix(pattern, ".") {
			after = true
		}
		if before && after {
			return idx
		}
		from = idx + 1
	}
}

func isIdentByte(b byte) bool {
	return b == '_' || b == '$' ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}
