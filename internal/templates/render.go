package templates

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/lalithlochan/gatecall/internal/db"
)

var placeholder = regexp.MustCompile(`\{\{(\w+(?:\.\w+)*)\}\}`)

// Rendered is channel-agnostic content ready for a transport.
type Rendered struct {
	Subject  string
	Body     string
	HTMLBody string
	// Unresolved lists placeholder paths that had no value. They stay in the
	// output verbatim.
	Unresolved []string
}

// Render substitutes placeholders in t. Template default variables are
// overridden by vars.
func Render(t *db.Template, vars map[string]any) Rendered {
	merged := make(map[string]any, len(t.Variables)+len(vars))
	for k, v := range t.Variables {
		merged[k] = v
	}
	for k, v := range vars {
		merged[k] = v
	}

	seen := map[string]bool{}
	var out Rendered

	sub := func(s string) string {
		return placeholder.ReplaceAllStringFunc(s, func(tok string) string {
			path := placeholder.FindStringSubmatch(tok)[1]
			v, ok := Lookup(merged, path)
			if !ok {
				if !seen[path] {
					seen[path] = true
					out.Unresolved = append(out.Unresolved, path)
				}
				return tok
			}
			return Format(v)
		})
	}

	if t.Subject != nil {
		out.Subject = sub(*t.Subject)
	}
	out.Body = sub(t.Body)
	if t.HTMLBody != nil {
		out.HTMLBody = sub(*t.HTMLBody)
	}

	return out
}

// Lookup resolves a dotted path against nested maps.
func Lookup(vars map[string]any, path string) (any, bool) {
	var cur any = vars
	for _, key := range strings.Split(path, ".") {
		switch m := cur.(type) {
		case map[string]any:
			v, ok := m[key]
			if !ok {
				return nil, false
			}
			cur = v
		case map[string]string:
			v, ok := m[key]
			if !ok {
				return nil, false
			}
			cur = v
		default:
			return nil, false
		}
	}
	if cur == nil {
		return nil, false
	}
	return cur, true
}

// Format renders a variable value as text.
func Format(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case *string:
		if x == nil {
			return ""
		}
		return *x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case time.Time:
		return x.Format("15:04")
	case *time.Time:
		if x == nil {
			return ""
		}
		return x.Format("15:04")
	case fmt.Stringer:
		return x.String()
	}
	return fmt.Sprint(v)
}
