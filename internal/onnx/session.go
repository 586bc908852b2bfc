package onnx

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// NodeInfo describes one graph input or output as declared in the bundle
// manifest. Shape entries may be integers or symbolic dimension names
// (for example "batch" or "sequence").
type NodeInfo struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []any  `json:"shape"`
}

// Session is one ONNX graph of the model bundle, resolved to an on-disk file.
type Session struct {
	Name string
	Path string

	Inputs  []NodeInfo
	Outputs []NodeInfo
}

// clone returns a copy whose node slices do not alias the original.
func (s Session) clone() Session {
	s.Inputs = append([]NodeInfo(nil), s.Inputs...)
	s.Outputs = append([]NodeInfo(nil), s.Outputs...)

	return s
}

// SessionManager loads and indexes the bundle manifest. It does not open ORT
// sessions itself; NewEngine does that per graph.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]Session
	order    []string
}

type bundleManifest struct {
	Graphs []bundleGraph `json:"graphs"`
}

type bundleGraph struct {
	Name     string     `json:"name"`
	Filename string     `json:"filename"`
	Inputs   []NodeInfo `json:"inputs"`
	Outputs  []NodeInfo `json:"outputs"`
}

// resolve validates the graph entry and locates its ONNX file. Relative
// filenames are resolved against the manifest directory.
func (g bundleGraph) resolve(baseDir string) (Session, error) {
	if g.Name == "" {
		return Session{}, errors.New("manifest graph has empty name")
	}

	if g.Filename == "" {
		return Session{}, fmt.Errorf("manifest graph %q has empty filename", g.Name)
	}

	path := g.Filename
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	path = filepath.Clean(path)
	if _, err := os.Stat(path); err != nil {
		return Session{}, fmt.Errorf("session file for %q: %w", g.Name, err)
	}

	return Session{Name: g.Name, Path: path, Inputs: g.Inputs, Outputs: g.Outputs}.clone(), nil
}

func loadManifest(path string) (bundleManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return bundleManifest{}, fmt.Errorf("read ONNX manifest: %w", err)
	}

	var manifest bundleManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return bundleManifest{}, fmt.Errorf("decode ONNX manifest: %w", err)
	}

	if len(manifest.Graphs) == 0 {
		return bundleManifest{}, errors.New("ONNX manifest has no graphs")
	}

	return manifest, nil
}

func NewSessionManager(manifestPath string) (*SessionManager, error) {
	if manifestPath == "" {
		return nil, errors.New("manifest path is required")
	}

	manifest, err := loadManifest(manifestPath)
	if err != nil {
		return nil, err
	}

	sm := &SessionManager{
		sessions: make(map[string]Session, len(manifest.Graphs)),
		order:    make([]string, 0, len(manifest.Graphs)),
	}

	baseDir := filepath.Dir(manifestPath)
	for _, g := range manifest.Graphs {
		session, err := g.resolve(baseDir)
		if err != nil {
			return nil, err
		}

		if _, exists := sm.sessions[session.Name]; exists {
			return nil, fmt.Errorf("duplicate session name %q in manifest", session.Name)
		}

		sm.sessions[session.Name] = session
		sm.order = append(sm.order, session.Name)

		slog.Info(
			"loaded ONNX session",
			"name", session.Name,
			"path", session.Path,
			"inputs", nodeNames(session.Inputs),
			"outputs", nodeNames(session.Outputs),
		)
	}

	return sm, nil
}

// Session returns the named graph, if the manifest declares one.
func (m *SessionManager) Session(name string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[name]
	if !ok {
		return Session{}, false
	}

	return s.clone(), true
}

// Sessions returns every graph in manifest declaration order.
func (m *SessionManager) Sessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.sessions[name].clone())
	}

	return out
}

// Names returns the manifest graph names in declaration order.
func (m *SessionManager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]string(nil), m.order...)
}

func nodeNames(nodes []NodeInfo) string {
	names := make([]string, len(nodes))
	for i, n := range nodes {
		names[i] = n.Name
	}

	return strings.Join(names, ",")
}
