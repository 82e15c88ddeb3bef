package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	gateway "github.com/eugener/heimdall/internal"
	"github.com/eugener/heimdall/internal/cache"
)

// GraphQL guards against abusive queries before forwarding. Limits are
// structural: nesting depth and selected field count, both measured without
// a full parse.
type GraphQL struct {
	Cache cache.Cache

	MaxDepth  int // selection set nesting depth
	MaxFields int // total selected fields
}

// Build constructs the upstream request after guarding the query.
func (g *GraphQL) Build(ctx context.Context, req *Request) (*http.Request, error) {
	query := gjson.GetBytes(req.Body, "query").Str
	if strings.TrimSpace(query) == "" {
		return nil, gateway.Errf(gateway.ErrValidation, "missing query")
	}
	if err := g.guard(query); err != nil {
		return nil, err
	}

	out, err := http.NewRequestWithContext(ctx, http.MethodPost, req.BaseURL(), nil)
	if err != nil {
		return nil, gateway.Wrap(gateway.ErrUpstream, err)
	}
	out.Header = ForwardHeaders(req.Client, req.Api)
	out.Header.Set("Content-Type", "application/json")
	req.applyCredit(out.Header)
	return out, nil
}

// guard enforces the structural limits and rejects subscription operations,
// which need a long-lived transport the gateway does not broker.
func (g *GraphQL) guard(query string) error {
	stripped := stripStringsAndComments(query)

	if isSubscription(stripped) {
		return gateway.Errf(gateway.ErrValidation, "subscription operations are not supported")
	}

	maxDepth := g.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 10
	}
	if d := braceDepth(stripped); d > maxDepth {
		return gateway.Errf(gateway.ErrValidation, "query depth %d exceeds limit %d", d, maxDepth)
	}

	maxFields := g.MaxFields
	if maxFields <= 0 {
		maxFields = 200
	}
	if n := fieldCount(stripped); n > maxFields {
		return gateway.Errf(gateway.ErrValidation, "query selects %d fields, limit %d", n, maxFields)
	}
	return nil
}

// stripStringsAndComments blanks string literals and #-comments so braces
// inside them do not count toward structure.
func stripStringsAndComments(q string) string {
	out := []byte(q)
	inString := false
	inBlock := false // triple-quoted block string
	inComment := false
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch {
		case inComment:
			if c == '\n' {
				inComment = false
			} else {
				out[i] = ' '
			}
		case inBlock:
			if c == '"' && i+2 < len(out) && out[i+1] == '"' && out[i+2] == '"' {
				out[i], out[i+1], out[i+2] = ' ', ' ', ' '
				i += 2
				inBlock = false
			} else {
				out[i] = ' '
			}
		case inString:
			if c == '\\' && i+1 < len(out) {
				out[i], out[i+1] = ' ', ' '
				i++
			} else if c == '"' {
				out[i] = ' '
				inString = false
			} else {
				out[i] = ' '
			}
		case c == '"':
			if i+2 < len(out) && out[i+1] == '"' && out[i+2] == '"' {
				out[i], out[i+1], out[i+2] = ' ', ' ', ' '
				i += 2
				inBlock = true
			} else {
				out[i] = ' '
				inString = true
			}
		case c == '#':
			out[i] = ' '
			inComment = true
		}
	}
	return string(out)
}

func isSubscription(stripped string) bool {
	for _, f := range strings.Fields(stripped) {
		switch {
		case f == "subscription" || strings.HasPrefix(f, "subscription{") || strings.HasPrefix(f, "subscription("):
			return true
		case f == "query", f == "mutation", f == "{",
			strings.HasPrefix(f, "query"), strings.HasPrefix(f, "mutation"), strings.HasPrefix(f, "{"):
			return false
		}
	}
	return false
}

func braceDepth(stripped string) int {
	depth, deepest := 0, 0
	for i := 0; i < len(stripped); i++ {
		switch stripped[i] {
		case '{':
			depth++
			if depth > deepest {
				deepest = depth
			}
		case '}':
			depth--
		}
	}
	return deepest
}

// fieldCount approximates complexity as the number of identifiers that start
// a selection (a name preceded by '{', ',' or whitespace at depth >= 1).
func fieldCount(stripped string) int {
	depth, count := 0, 0
	inWord := false
	for i := 0; i < len(stripped); i++ {
		c := stripped[i]
		switch {
		case c == '{':
			depth++
			inWord = false
		case c == '}':
			depth--
			inWord = false
		case isNameByte(c):
			if !inWord && depth >= 1 {
				count++
			}
			inWord = true
		default:
			inWord = false
			// Arguments do not count as fields; skip to the closing paren.
			if c == '(' {
				for i < len(stripped) && stripped[i] != ')' {
					i++
				}
			}
		}
	}
	return count
}

func isNameByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// maxErrorExcerpt bounds how much of a non-GraphQL upstream error body is
// echoed back in the synthesized errors payload.
const maxErrorExcerpt = 512

// MapResponse implements the GraphQL convention that execution errors ride
// in a 200 response body. A valid errors payload passes through as 200; any
// other upstream failure is wrapped into one, with the upstream status kept
// in the error extensions.
func (g *GraphQL) MapResponse(status int, body []byte) (int, []byte) {
	if status >= 200 && status < 300 {
		return status, body
	}
	if gjson.ValidBytes(body) && gjson.GetBytes(body, "errors").IsArray() {
		return http.StatusOK, body
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorExcerpt {
		msg = msg[:maxErrorExcerpt]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	wrapped, err := json.Marshal(map[string]any{
		"errors": []map[string]any{{
			"message":    msg,
			"extensions": map[string]any{"status": status},
		}},
	})
	if err != nil {
		return status, body
	}
	return http.StatusOK, wrapped
}

// CachedSchema returns the cached introspection document for an API.
func (g *GraphQL) CachedSchema(ctx context.Context, apiID string) ([]byte, bool) {
	if g.Cache == nil {
		return nil, false
	}
	return g.Cache.Get(ctx, cache.NSGraphQLSchema, apiID)
}

// StoreSchema caches an introspection document for the namespace TTL.
func (g *GraphQL) StoreSchema(ctx context.Context, apiID string, schema []byte) {
	if g.Cache == nil {
		return
	}
	g.Cache.Set(ctx, cache.NSGraphQLSchema, apiID, schema, cache.TTLFor(cache.NSGraphQLSchema))
}

// IsIntrospection reports whether the query asks for the schema document.
func IsIntrospection(body []byte) bool {
	q := gjson.GetBytes(body, "query").Str
	return strings.Contains(q, "__schema") || strings.Contains(q, "__type")
}
