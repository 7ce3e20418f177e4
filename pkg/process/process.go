// Package process reads the parts of a process definition the client needs
// before submitting it: how many results it delivers, how many inputs it
// consumes and the macros it declares.
package process

import (
	"bytes"
	"encoding/xml"
	"sort"
	"strings"

	"github.com/minerlink/minerlink/pkg/errs"
)

const (
	resultPortPrefix = "result "
	inputPortPrefix  = "input "
)

// Declaration summarizes a process definition.
type Declaration struct {
	Version string

	// Outputs is the number of wires ending in a result port of the root
	// process. Each gets its own temp location on submit.
	Outputs int

	// Inputs is the number of wires leaving an input port of the root
	// process.
	Inputs int

	// Macros holds the macros declared in the process context with their
	// default values.
	Macros map[string]string
}

// MacroNames returns the declared macro names in sorted order.
func (d Declaration) MacroNames() []string {
	names := make([]string, 0, len(d.Macros))
	for k := range d.Macros {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

type xmlProcess struct {
	XMLName  xml.Name    `xml:"process"`
	Version  string      `xml:"version,attr"`
	Context  xmlContext  `xml:"context"`
	Operator xmlOperator `xml:"operator"`
}

type xmlContext struct {
	Macros []struct {
		Key   string `xml:"key"`
		Value string `xml:"value"`
	} `xml:"macros>macro"`
}

type xmlOperator struct {
	Name    string         `xml:"name,attr"`
	Class   string         `xml:"class,attr"`
	Process *xmlSubprocess `xml:"process"`
}

type xmlSubprocess struct {
	Connects []struct {
		FromPort string `xml:"from_port,attr"`
		ToPort   string `xml:"to_port,attr"`
	} `xml:"connect"`
}

// ParseDeclaration parses a process definition.
func ParseDeclaration(data []byte) (Declaration, error) {
	var p xmlProcess
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = false
	if err := dec.Decode(&p); err != nil {
		return Declaration{}, errs.Wrap(errs.KindCorruptPayload, "invalid process definition", err)
	}
	if p.Operator.Process == nil {
		return Declaration{}, errs.New(errs.KindCorruptPayload, "process definition has no root process")
	}

	d := Declaration{Version: p.Version, Macros: make(map[string]string)}
	for _, c := range p.Operator.Process.Connects {
		if strings.HasPrefix(c.ToPort, resultPortPrefix) {
			d.Outputs++
		}
		if strings.HasPrefix(c.FromPort, inputPortPrefix) {
			d.Inputs++
		}
	}
	for _, m := range p.Context.Macros {
		if m.Key != "" {
			d.Macros[m.Key] = m.Value
		}
	}
	return d, nil
}
