package backend

import (
	"fmt"
	"strings"
)

// inClauseQuery expands a single "%s" placeholder in tmpl into "?, ?, ..."
// for len(ids) positional parameters, and returns the flattened argument
// list. MySQL has no way to bind a slice to a single placeholder, so every
// bulk "in (...)" operation in this package goes through this helper.
func inClauseQuery(tmpl string, ids []int64) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return fmt.Sprintf(tmpl, placeholders), args
}
