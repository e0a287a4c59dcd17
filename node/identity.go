// Package node holds node identity, node metadata and contact points.
package node

import (
	"strings"

	"github.com/google/uuid"
)

// Identifier is the immutable identity of a node. Comparable by value.
type Identifier string

// NewRandomIdentifier returns a fresh identifier. Two processes never share
// one unless the identifier is persisted in configuration.
func NewRandomIdentifier() Identifier {
	return Identifier(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func (id Identifier) String() string {
	return string(id)
}

// Information is the mutable metadata of a node.
type Information struct {
	DisplayName  string `json:"displayName"`
	WorkflowHost bool   `json:"workflowHost"`
}

// Announcement is what a node tells its peers about itself.
type Announcement struct {
	ID            Identifier  `json:"id"`
	Info          Information `json:"info"`
	ContactPoints []string    `json:"contactPoints,omitempty"` // canonical ContactPoint strings
}

// ParsedContactPoints parses the announced contact points, skipping malformed entries.
func (a *Announcement) ParsedContactPoints() []ContactPoint {
	cps := make([]ContactPoint, 0, len(a.ContactPoints))
	for _, s := range a.ContactPoints {
		cp, err := ParseContactPoint(s)
		if err != nil {
			continue
		}
		cps = append(cps, cp)
	}
	return cps
}
