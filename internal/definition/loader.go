// Package definition loads YAML wizard definitions, validates them, and
// provides a fast-lookup registry with atomic pointer swap.
package definition

import (
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/carewizard/definitions"
	"github.com/pitabwire/carewizard/model"
)

// Loader scans directories for YAML wizard definition files, parses them, and
// computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files and parses
// each into a WizardDefinition.
func (l *Loader) LoadAll(directories []string) ([]model.WizardDefinition, error) {
	var defs []model.WizardDefinition

	for _, dir := range directories {
		batch, err := l.LoadFS(os.DirFS(dir), dir)
		if err != nil {
			return nil, err
		}
		defs = append(defs, batch...)
	}

	return defs, nil
}

// LoadFS parses every YAML file in fsys. The label is used to build source
// paths and error messages.
func (l *Loader) LoadFS(fsys fs.FS, label string) ([]model.WizardDefinition, error) {
	var defs []model.WizardDefinition

	err := fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		def, err := l.Parse(data, filepath.Join(label, path))
		if err != nil {
			return err
		}
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", label, err)
	}

	return defs, nil
}

// LoadFile loads and parses a single YAML definition file.
func (l *Loader) LoadFile(path string) (model.WizardDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.WizardDefinition{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return l.Parse(data, path)
}

// Parse decodes one definition document, records its checksum and source.
func (l *Loader) Parse(data []byte, source string) (model.WizardDefinition, error) {
	var def model.WizardDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.WizardDefinition{}, fmt.Errorf("parsing %s: %w", source, err)
	}

	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	def.SourceFile = source

	return def, nil
}

// LoadBuiltin parses the definitions shipped with the binary.
func (l *Loader) LoadBuiltin() ([]model.WizardDefinition, error) {
	return l.LoadFS(definitions.FS, "builtin")
}
