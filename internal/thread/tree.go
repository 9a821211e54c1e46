// Package thread rebuilds reply trees from flat comment lists.
package thread

import "threadfeed/api/internal/record"

// Node is one comment with its direct replies.
type Node struct {
	Comment record.Record `json:"comment"`
	Replies []*Node       `json:"replies"`
}

// BuildForest attaches every record to the record named by its TargetID.
// Records are expected in timestamp order, so a parent is seen before its
// replies. A reply whose parent is unknown is dropped, and so are its own
// replies. When two records share an id the first one keeps it.
func BuildForest(records []record.Record) []*Node {
	roots := make([]*Node, 0)
	byID := make(map[string]*Node, len(records))
	for _, rec := range records {
		node := &Node{Comment: rec, Replies: []*Node{}}
		if rec.TargetID == "" {
			roots = append(roots, node)
		} else {
			parent, ok := byID[rec.TargetID]
			if !ok {
				continue
			}
			parent.Replies = append(parent.Replies, node)
		}
		if _, seen := byID[rec.ID]; !seen && rec.ID != "" {
			byID[rec.ID] = node
		}
	}
	return roots
}

// Find returns the node holding the comment with id, searching depth first.
func Find(forest []*Node, id string) (*Node, bool) {
	for _, node := range forest {
		if node.Comment.ID == id {
			return node, true
		}
		if found, ok := Find(node.Replies, id); ok {
			return found, true
		}
	}
	return nil, false
}

// Flatten lists the forest in pre-order.
func Flatten(forest []*Node) []record.Record {
	var out []record.Record
	var walk func([]*Node)
	walk = func(nodes []*Node) {
		for _, node := range nodes {
			out = append(out, node.Comment)
			walk(node.Replies)
		}
	}
	walk(forest)
	return out
}

// Count returns the number of comments in the forest.
func Count(forest []*Node) int {
	n := 0
	for _, node := range forest {
		n += 1 + Count(node.Replies)
	}
	return n
}
