package postgres

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/dataflowhq/dataflow/internal/model"
)

// jsonField returns the SQL accessor for a document field's string form.
// Together with quoteTable this is the only place in the package that
// interpolates an identifier into query text; the field must already have
// passed model.SanitizeField.
func jsonField(field string) string {
	return "data->>'" + field + "'"
}

// quoteTable quotes a table identifier. The name must come from
// model.TableForEntity or model.EntityTables.
func quoteTable(table string) string {
	return `"` + table + `"`
}

// buildFilterClause compiles a parsed filter into a WHERE fragment, appending
// its bound values to params. Placeholders continue from len(params)+1 so the
// caller can keep appending (LIMIT, OFFSET) and pass one aligned list to the
// executor. An empty filter compiles to the empty string.
func buildFilterClause(filter *model.Filter, params []any) (string, []any) {
	if filter.Empty() {
		return "", params
	}

	var conditions []string
	for _, cond := range filter.Conds {
		var frag string
		frag, params = compileCond(cond, params)
		conditions = append(conditions, frag)
	}
	return "WHERE " + strings.Join(conditions, " AND "), params
}

func compileCond(cond model.Cond, params []any) (string, []any) {
	switch c := cond.(type) {
	case model.Equals:
		params = append(params, c.Value)
		return fmt.Sprintf("%s = $%d", jsonField(c.Field), len(params)), params

	case model.Regex:
		params = append(params, c.Pattern)
		return fmt.Sprintf("%s ILIKE '%%' || $%d || '%%'", jsonField(c.Field), len(params)), params

	case model.In:
		params = append(params, pq.Array(c.Values))
		return fmt.Sprintf("%s = ANY($%d)", jsonField(c.Field), len(params)), params

	case model.NotEquals:
		field := jsonField(c.Field)
		params = append(params, c.Value)
		return fmt.Sprintf("(%s IS NULL OR %s != $%d)", field, field, len(params)), params

	case model.Exists:
		if c.Present {
			return fmt.Sprintf("data ? '%s'", c.Field), params
		}
		return fmt.Sprintf("NOT (data ? '%s')", c.Field), params

	case model.Or:
		var branches []string
		for _, branch := range c.Branches {
			var sub []string
			for _, bc := range branch.Conds {
				var frag string
				frag, params = compileCond(bc, params)
				sub = append(sub, frag)
			}
			branches = append(branches, "("+strings.Join(sub, " AND ")+")")
		}
		return "(" + strings.Join(branches, " OR ") + ")", params

	default:
		// Unreachable: model.ParseFilter only emits the variants above.
		panic(fmt.Sprintf("unknown filter condition %T", cond))
	}
}

// buildSortClause turns a sort token ("field" or "-field") into an ORDER BY
// fragment. The two native timestamp columns sort directly; everything else
// sorts on the document field's string form with nulls last.
func buildSortClause(sortToken string) (string, error) {
	if sortToken == "" {
		return "ORDER BY created_date DESC", nil
	}

	direction := "ASC"
	field := sortToken
	if strings.HasPrefix(sortToken, "-") {
		direction = "DESC"
		field = sortToken[1:]
	}

	if field == "created_date" || field == "updated_date" {
		return "ORDER BY " + field + " " + direction, nil
	}

	field, err := model.SanitizeField(field)
	if err != nil {
		return "", err
	}
	return "ORDER BY " + jsonField(field) + " " + direction + " NULLS LAST", nil
}

// searchVectors maps entity tables to their precomputed full-text expression.
// Tables not listed fall back to matching the whole document's text.
var searchVectors = map[string]string{
	model.TableActivityLog: `to_tsvector('english', coalesce(data->>'message','') || ' ' || coalesce(data->>'category',''))`,
	model.TablePipeline:    `to_tsvector('english', coalesce(data->>'name','') || ' ' || coalesce(data->>'description',''))`,
	model.TableConnection:  `to_tsvector('english', coalesce(data->>'name','') || ' ' || coalesce(data->>'description','') || ' ' || coalesce(data->>'platform',''))`,
}

const searchVectorDefault = `to_tsvector('english', data::text)`

// buildSearchClause composes the WHERE fragment for full-text search: one
// equality condition per non-empty filter entry plus, when term is non-empty,
// a full-text match against the table's search vector. Filter keys are
// processed in sorted order.
func buildSearchClause(table, term string, filters map[string]string, params []any) (string, []any, error) {
	var conditions []string

	keys := make([]string, 0, len(filters))
	for k := range filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := filters[key]
		if value == "" {
			continue
		}
		field, err := model.SanitizeField(key)
		if err != nil {
			return "", nil, err
		}
		params = append(params, value)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", jsonField(field), len(params)))
	}

	if term != "" {
		vector, ok := searchVectors[table]
		if !ok {
			vector = searchVectorDefault
		}
		params = append(params, term)
		conditions = append(conditions, fmt.Sprintf("%s @@ plainto_tsquery('english', $%d)", vector, len(params)))
	}

	if len(conditions) == 0 {
		return "", params, nil
	}
	return "WHERE " + strings.Join(conditions, " AND "), params, nil
}
