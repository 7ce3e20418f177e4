// Package connections loads connection definitions stored with a project
// and resolves their fields. Plain fields are returned as stored; encrypted
// fields are decrypted with the project key served by the platform; injected
// fields are looked up in the platform vault or in caller supplied macros.
package connections

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/minerlink/minerlink/pkg/errs"
)

// File extensions of connection definitions.
const (
	ExtConninfo = ".conninfo"
	ExtYAML     = ".yaml"
	ExtYML      = ".yml"
)

// configEntry is the archive member holding the JSON definition.
const configEntry = "Config"

// Parameter is one field of a connection.
type Parameter struct {
	Name         string `json:"name" yaml:"name"`
	Value        string `json:"value" yaml:"value"`
	Enabled      bool   `json:"enabled" yaml:"enabled"`
	Encrypted    bool   `json:"encrypted" yaml:"encrypted"`
	InjectorName string `json:"injectorName" yaml:"injectorName"`
}

// Group is a named set of parameters.
type Group struct {
	Group      string      `json:"group" yaml:"group"`
	Parameters []Parameter `json:"parameters" yaml:"parameters"`
}

// ProviderParameter configures a value provider.
type ProviderParameter struct {
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Value string `json:"value" yaml:"value"`
}

// ValueProvider injects values into parameters that name it.
type ValueProvider struct {
	Name       string              `json:"name" yaml:"name"`
	Type       string              `json:"type" yaml:"type"`
	Parameters []ProviderParameter `json:"parameters" yaml:"parameters"`
}

// Definition is a stored connection.
type Definition struct {
	Name           string          `json:"name" yaml:"name"`
	Type           string          `json:"type" yaml:"type"`
	Keys           []Group         `json:"keys" yaml:"keys"`
	ValueProviders []ValueProvider `json:"valueProviders" yaml:"valueProviders"`

	// Path is the definition's location relative to the project root. It
	// addresses the connection's vault entries.
	Path string `json:"-" yaml:"-"`
}

// Validate checks the fields every definition needs.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("connection has no name")
	}
	if d.Type == "" {
		return fmt.Errorf("connection %s has no type", d.Name)
	}
	return nil
}

// ParseJSON reads a definition in the JSON form used inside archives and by
// the service.
func ParseJSON(data []byte) (Definition, error) {
	var d Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return d, errs.Wrap(errs.KindCorruptPayload, "invalid connection definition", err)
	}
	if err := d.Validate(); err != nil {
		return d, errs.Wrap(errs.KindCorruptPayload, "invalid connection definition", err)
	}
	return d, nil
}

// ParseYAML reads a definition written as YAML with the same fields.
func ParseYAML(data []byte) (Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return d, errs.Wrap(errs.KindCorruptPayload, "invalid connection definition", err)
	}
	if err := d.Validate(); err != nil {
		return d, errs.Wrap(errs.KindCorruptPayload, "invalid connection definition", err)
	}
	return d, nil
}

// ReadConninfo reads the Config member of a connection archive.
func ReadConninfo(path string) (Definition, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return Definition{}, errs.Wrap(errs.KindCorruptPayload, "cannot open connection archive", err).WithResource(path)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.Name != configEntry {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return Definition{}, errs.Wrap(errs.KindCorruptPayload, "cannot open connection config", err).WithResource(path)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return Definition{}, errs.Wrap(errs.KindCorruptPayload, "cannot read connection config", err).WithResource(path)
		}
		d, err := ParseJSON(data)
		return d, withResource(err, path)
	}
	return Definition{}, errs.Newf(errs.KindCorruptPayload, "connection archive has no %s entry", configEntry).WithResource(path)
}

// WriteConninfo writes d as a connection archive.
func WriteConninfo(w io.Writer, d Definition) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	zw := zip.NewWriter(w)
	f, err := zw.Create(configEntry)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return zw.Close()
}

// ReadFile reads a definition file, choosing the format by extension.
func ReadFile(path string) (Definition, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ExtConninfo:
		return ReadConninfo(path)
	case ExtYAML, ExtYML:
		data, err := os.ReadFile(path)
		if err != nil {
			return Definition{}, err
		}
		d, err := ParseYAML(data)
		return d, withResource(err, path)
	}
	return Definition{}, errs.Newf(errs.KindUnsupportedType, "%s is not a connection definition", path)
}

func withResource(err error, resource string) error {
	var e *errs.Error
	if errors.As(err, &e) {
		return e.WithResource(resource)
	}
	return err
}

// IsDefinitionFile reports whether name has a definition extension.
func IsDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ExtConninfo, ExtYAML, ExtYML:
		return true
	}
	return false
}
