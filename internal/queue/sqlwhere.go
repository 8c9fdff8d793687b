package queue

import (
	"strconv"
	"strings"
	"time"
)

type sqlDialect int

const (
	dialectSQLite sqlDialect = iota
	dialectPostgres
)

// whereBuilder accumulates AND-ed predicates with positional args in the
// placeholder style of its dialect.
type whereBuilder struct {
	dialect sqlDialect
	clauses []string
	args    []any
}

func newWhereBuilder(d sqlDialect, args ...any) *whereBuilder {
	return &whereBuilder{dialect: d, args: append([]any(nil), args...)}
}

func (b *whereBuilder) arg(v any) string {
	b.args = append(b.args, v)
	if b.dialect == dialectPostgres {
		return "$" + strconv.Itoa(len(b.args))
	}
	return "?"
}

func (b *whereBuilder) timeArg(t time.Time) string {
	if b.dialect == dialectPostgres {
		return b.arg(t.UTC())
	}
	return b.arg(t.UnixNano())
}

func (b *whereBuilder) add(clause string) {
	b.clauses = append(b.clauses, clause)
}

func (b *whereBuilder) contains(column, needle string) {
	if b.dialect == dialectPostgres {
		b.add("strpos(" + column + ", " + b.arg(needle) + ") > 0")
		return
	}
	b.add("instr(" + column + ", " + b.arg(needle) + ") > 0")
}

func (b *whereBuilder) sql() string {
	if len(b.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.clauses, " AND ")
}

func (b *whereBuilder) paginate(offset, limit int) string {
	return " LIMIT " + b.arg(limit) + " OFFSET " + b.arg(offset)
}

func messageWhere(d sqlDialect, f MessageFilter) *whereBuilder {
	b := newWhereBuilder(d)
	if f.QueueID != nil {
		b.add("queue_id = " + b.arg(f.QueueID.String()))
	}
	if f.Status != "" {
		b.add("status = " + b.arg(string(f.Status)))
	}
	if f.MessageType != "" {
		b.add("message_type = " + b.arg(f.MessageType))
	}
	if f.GroupID != "" {
		b.add("group_id = " + b.arg(f.GroupID))
	}
	if f.CorrelationID != "" {
		b.add("correlation_id = " + b.arg(f.CorrelationID))
	}
	if !f.CreatedAfter.IsZero() {
		b.add("created_at >= " + b.timeArg(f.CreatedAfter))
	}
	if !f.CreatedBefore.IsZero() {
		b.add("created_at <= " + b.timeArg(f.CreatedBefore))
	}
	if f.PriorityMin != nil {
		b.add("priority >= " + b.arg(*f.PriorityMin))
	}
	if f.PriorityMax != nil {
		b.add("priority <= " + b.arg(*f.PriorityMax))
	}
	return b
}

func deadLetterWhere(d sqlDialect, f DeadLetterFilter) *whereBuilder {
	b := newWhereBuilder(d)
	if f.QueueID != nil {
		b.add("queue_id = " + b.arg(f.QueueID.String()))
	}
	if f.Reason != "" {
		b.contains("reason", f.Reason)
	}
	if f.RetryableOnly {
		if d == dialectPostgres {
			b.add("can_retry")
		} else {
			b.add("can_retry = 1")
		}
	}
	if !f.MovedBefore.IsZero() {
		b.add("moved_to_dlq_at < " + b.timeArg(f.MovedBefore))
	}
	return b
}

func deadLetterOrderSQL(order DeadLetterOrder) string {
	if order == DeadLetterOldestFirst {
		return " ORDER BY moved_to_dlq_at ASC, id ASC"
	}
	return " ORDER BY moved_to_dlq_at DESC, id DESC"
}

const messageOrderSQL = " ORDER BY priority DESC, created_at ASC, id ASC"
