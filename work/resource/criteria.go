package resource

import (
	"strings"
)

// criteria is a conjunction of simple ContentDirectory search clauses. Only
// the subset renderers actually send is understood: dc:title / upnp:artist
// text matches and upnp:class derivedfrom filters, joined with "and". An
// empty or unintelligible criteria matches everything, per the
// resolution-failure policy of returning results over erroring.
type criteria struct {
	clauses []clause
}

type clause struct {
	property string // "dc:title", "upnp:artist", "upnp:class"
	operator string // "contains", "=", "derivedfrom"
	value    string
}

// parseCriteria tokenizes a search criteria string. "*" means match-all.
func parseCriteria(s string) criteria {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return criteria{}
	}

	var c criteria
	for _, part := range strings.Split(s, " and ") {
		fields := strings.SplitN(strings.TrimSpace(part), " ", 3)
		if len(fields) != 3 {
			continue
		}
		value := strings.Trim(fields[2], `"`)
		c.clauses = append(c.clauses, clause{
			property: fields[0],
			operator: fields[1],
			value:    value,
		})
	}
	return c
}

func (c criteria) matches(n *node) bool {
	for _, cl := range c.clauses {
		if !cl.matches(n) {
			return false
		}
	}
	return true
}

func (cl clause) matches(n *node) bool {
	switch cl.property {
	case "dc:title", "upnp:artist", "upnp:album":
		// artist/album metadata is folded into the name for filesystem
		// libraries; path-derived naming is all we have
		switch cl.operator {
		case "contains":
			return strings.Contains(strings.ToLower(n.name), strings.ToLower(cl.value))
		case "=":
			return strings.EqualFold(n.name, cl.value)
		}
	case "upnp:class":
		switch cl.operator {
		case "derivedfrom":
			return strings.HasPrefix(n.class(), cl.value)
		case "=":
			return n.class() == cl.value
		}
	}
	// unknown clause: permissive
	return true
}
