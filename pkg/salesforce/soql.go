package salesforce

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xhad/dealctx/internal/types"
)

var ErrInvalidQuery = errors.New("invalid query")

var (
	objectRe  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)
	fieldRe   = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*(\.[A-Za-z][A-Za-z0-9_]*)*$`)
	orderByRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.]*( (ASC|DESC))?( NULLS (FIRST|LAST))?$`)
)

var allowedOps = map[string]struct{}{
	"=": {}, "!=": {}, "<": {}, "<=": {}, ">": {}, ">=": {}, "LIKE": {},
}

// BuildSOQL renders a query. Object, field and order-by names are checked
// against a strict pattern and every value is escaped, so no caller input
// reaches the query unquoted.
func BuildSOQL(q types.Query) (string, error) {
	if !objectRe.MatchString(q.Object) {
		return "", fmt.Errorf("%w: object %q", ErrInvalidQuery, q.Object)
	}
	if len(q.Fields) == 0 {
		return "", fmt.Errorf("%w: no fields", ErrInvalidQuery)
	}
	for _, f := range q.Fields {
		if !fieldRe.MatchString(f) {
			return "", fmt.Errorf("%w: field %q", ErrInvalidQuery, f)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(q.Fields, ", "), q.Object)

	if len(q.Conditions) > 0 {
		conds := make([]string, 0, len(q.Conditions))
		for _, c := range q.Conditions {
			if !fieldRe.MatchString(c.Field) {
				return "", fmt.Errorf("%w: condition field %q", ErrInvalidQuery, c.Field)
			}
			op := strings.ToUpper(c.Op)
			if _, ok := allowedOps[op]; !ok {
				return "", fmt.Errorf("%w: operator %q", ErrInvalidQuery, c.Op)
			}
			lit, err := Literal(c.Value)
			if err != nil {
				return "", err
			}
			conds = append(conds, fmt.Sprintf("%s %s %s", c.Field, op, lit))
		}
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}

	if q.OrderBy != "" {
		if !orderByRe.MatchString(q.OrderBy) {
			return "", fmt.Errorf("%w: order by %q", ErrInvalidQuery, q.OrderBy)
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(q.OrderBy)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}
	return b.String(), nil
}

var quoteEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
	"\"", `\"`,
)

// Literal renders a value as a SOQL literal.
func Literal(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "null", nil
	case string:
		return "'" + quoteEscaper.Replace(val) + "'", nil
	case bool:
		return strconv.FormatBool(val), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case time.Time:
		return val.UTC().Format("2006-01-02T15:04:05Z"), nil
	default:
		return "", fmt.Errorf("%w: unsupported value type %T", ErrInvalidQuery, v)
	}
}

// EscapeLike escapes the LIKE wildcards in s so it matches literally.
func EscapeLike(s string) string {
	return strings.NewReplacer(`%`, `\%`, `_`, `\_`).Replace(s)
}
