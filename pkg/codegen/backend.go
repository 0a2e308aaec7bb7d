// Package codegen renders a program for inspection: an annotated listing of
// the allocated machine instructions, a hex dump of the code buffer, or the
// scalar part of the operator stream lowered through QBE.
package codegen

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/xplshn/pxjit/pkg/config"
	"github.com/xplshn/pxjit/pkg/jit"
)

// Backend is the interface that all dump backends must implement.
type Backend interface {
	// Generate renders prog. Backends that show compiled state expect
	// prog.Compile to have succeeded.
	Generate(prog *jit.Program, cfg *config.Config) (*bytes.Buffer, error)
}

var backends = map[string]func() Backend{
	"listing": NewListingBackend,
	"hex":     NewHexBackend,
	"qbe":     NewQBEBackend,
}

func NewBackend(name string) (Backend, error) {
	mk, ok := backends[name]
	if !ok { return nil, fmt.Errorf("unknown dump format '%s', supported: %v", name, Names()) }
	return mk(), nil
}

func Names() []string {
	var names []string
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
