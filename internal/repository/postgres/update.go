package postgres

import (
	"fmt"
	"strings"
)

// setClause accumulates "column = $n" assignments for partial updates.
type setClause struct {
	parts []string
	args  []any
}

func (s *setClause) add(column string, value any) {
	s.args = append(s.args, value)
	s.parts = append(s.parts, fmt.Sprintf("%s = $%d", column, len(s.args)))
}

func (s *setClause) raw(expr string) {
	s.parts = append(s.parts, expr)
}

func (s *setClause) empty() bool {
	return len(s.parts) == 0
}

// build renders "UPDATE table SET ... WHERE id = $n" with id as the final argument.
func (s *setClause) build(table string, id any) (string, []any) {
	args := append(s.args, id)
	q := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(s.parts, ", "), len(args))
	return q, args
}
