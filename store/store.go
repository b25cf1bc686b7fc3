// Package store loads behaviour graphs and their companion knowledge from a
// backing medium: local files for development, Redis for deployments that
// push scripts through an object store.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/waypointhq/waypoint/core"
)

// Store resolves a behaviour name into its parsed graph and base knowledge.
// A graph that cannot be found or parsed is an error; missing knowledge is
// not, the session just starts empty.
type Store interface {
	LoadGraph(ctx context.Context, name string) (*core.BehaviourGraph, error)
	LoadKnowledge(ctx context.Context, name string) (map[string]any, error)
}

// knowledgeFile is the conventional companion file name for a graph.
func knowledgeFile(name string) string {
	return name + "_knowledge.json"
}

func parseKnowledge(data []byte) (map[string]any, error) {
	var kb map[string]any
	if err := json.Unmarshal(data, &kb); err != nil {
		return nil, fmt.Errorf("store: invalid knowledge payload: %w", err)
	}
	return kb, nil
}
