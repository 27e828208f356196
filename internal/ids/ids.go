package ids

import (
	"fmt"

	"clientdesk/internal/models"

	"github.com/bwmarrin/snowflake"
	"github.com/segmentio/ksuid"
)

// Generator hands out time-ordered snowflake IDs for users and clients.
type Generator struct {
	node *snowflake.Node
}

// NewGenerator creates a generator for the given node (0-1023). Processes
// sharing one database must use distinct nodes.
func NewGenerator(node int64) (*Generator, error) {
	n, err := snowflake.NewNode(node)
	if err != nil {
		return nil, fmt.Errorf("snowflake node %d: %w", node, err)
	}
	return &Generator{node: n}, nil
}

// Next returns a new ID.
func (g *Generator) Next() models.ID {
	return g.node.Generate()
}

// Parse converts the string form of an ID back.
func Parse(s string) (models.ID, error) {
	return snowflake.ParseString(s)
}

// NewKSUID returns a globally unique, time-prefixed string.
func NewKSUID() string {
	return ksuid.New().String()
}
