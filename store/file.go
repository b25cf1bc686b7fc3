package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/waypointhq/waypoint/core"
	"github.com/waypointhq/waypoint/logging"
)

// FileStore loads graphs from a workspace directory, falling back to the
// current directory when no workspace is configured.
type FileStore struct {
	dirs   []string
	logger logging.Logger
}

// NewFileStore builds a file-backed store. workspace may be empty.
func NewFileStore(workspace string, logger logging.Logger) *FileStore {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	dirs := []string{"."}
	if workspace != "" {
		dirs = []string{workspace, "."}
	}
	return &FileStore{dirs: dirs, logger: logger}
}

// LoadGraph reads and parses <name>.json.
func (s *FileStore) LoadGraph(_ context.Context, name string) (*core.BehaviourGraph, error) {
	name = trimGraphName(name, s.logger)
	data, path, err := s.read(name + ".json")
	if err != nil {
		return nil, fmt.Errorf("store: behaviour %s: %w", name, err)
	}

	graph, err := core.ParseBehaviourGraph(data)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", path, err)
	}
	s.logger.Info("behaviour graph loaded", "path", path)
	return graph, nil
}

// LoadKnowledge reads <name>_knowledge.json; a missing file yields an empty
// map.
func (s *FileStore) LoadKnowledge(_ context.Context, name string) (map[string]any, error) {
	name = trimGraphName(name, s.logger)
	data, path, err := s.read(knowledgeFile(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("store: knowledge %s: %w", name, err)
	}

	kb, err := parseKnowledge(data)
	if err != nil {
		return nil, fmt.Errorf("store: %s: %w", path, err)
	}
	s.logger.Info("knowledge loaded", "path", path)
	return kb, nil
}

// GraphPath reports where LoadGraph would find the named graph. Used by the
// development watcher.
func (s *FileStore) GraphPath(name string) (string, bool) {
	name = trimGraphName(name, s.logger)
	for _, dir := range s.dirs {
		path := filepath.Join(dir, name+".json")
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

func (s *FileStore) read(file string) ([]byte, string, error) {
	var firstErr error
	for _, dir := range s.dirs {
		path := filepath.Join(dir, file)
		data, err := os.ReadFile(path)
		if err == nil {
			return data, path, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, "", firstErr
}

func trimGraphName(name string, logger logging.Logger) string {
	if strings.HasSuffix(name, ".json") {
		logger.Warn("behaviour name should not carry the .json extension", "name", name)
		return strings.TrimSuffix(name, ".json")
	}
	return name
}
