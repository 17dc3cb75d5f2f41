package questionspec

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// File is the YAML form of a spec:
//
//	theme: Travel
//	audio: true
//	parts:
//	  1:
//	    - type: Form completion
//	      topic: Hotel booking
//	      questions: 10
type File struct {
	Theme string          `yaml:"theme"`
	Audio bool            `yaml:"audio"`
	Parts map[int][]Block `yaml:"parts"`
}

// LoadYAML reads a spec file and builds the spec. The result is validated.
func LoadYAML(r io.Reader) (Spec, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return Spec{}, fmt.Errorf("parsing spec file: %w", err)
	}

	b := NewBuilder().Theme(f.Theme).WithAudio(f.Audio)
	for part, blocks := range f.Parts {
		for _, blk := range blocks {
			if err := b.Add(part, blk); err != nil {
				return Spec{}, err
			}
		}
	}
	return b.Build()
}

// MarshalYAML renders s as a spec file.
func MarshalYAML(s Spec) ([]byte, error) {
	f := File{Theme: s.Theme(), Audio: s.GenerateWithAudio, Parts: make(map[int][]Block)}
	for n := 1; n <= NumParts; n++ {
		if blocks := s.Part(n).Blocks(); len(blocks) > 0 {
			f.Parts[n] = blocks
		}
	}
	return yaml.Marshal(f)
}
