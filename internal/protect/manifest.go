package protect

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is what a multi-document YAML stream declares: bindings plus the
// policies and log configurations they refer to.
type Manifest struct {
	Resources []DosProtectedResource
	Objects   []Object
}

// Decode reads every DosProtectedResource, APDosPolicy and APDosLogConf
// document of a multi-document YAML stream. Documents of other kinds are
// skipped.
func Decode(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	m := &Manifest{}
	for i := 0; ; i++ {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return m, nil
		}
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}

		var head struct {
			Kind string `yaml:"kind"`
		}
		if err := doc.Decode(&head); err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		switch head.Kind {
		case Kind:
			var res DosProtectedResource
			if err := doc.Decode(&res); err != nil {
				return nil, fmt.Errorf("document %d: %w", i, err)
			}
			m.Resources = append(m.Resources, res)
		case PolicyKind, LogConfKind:
			var o Object
			if err := doc.Decode(&o); err != nil {
				return nil, fmt.Errorf("document %d: %w", i, err)
			}
			m.Objects = append(m.Objects, o)
		}
	}
}

// LoadFile decodes the manifests in path.
func LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}
