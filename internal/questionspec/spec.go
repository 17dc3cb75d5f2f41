// Package questionspec models the question set specification sent to the
// generator, the rules a complete spec must satisfy, and the catalog of
// themes and question types the backend offers.
package questionspec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/workflow"
)

const (
	// NumParts is the number of parts in a listening test.
	NumParts = 4
	// QuestionsPerPart is the exact number of questions each part carries.
	QuestionsPerPart = 10
	// MaxTypesPerPart bounds the question-type blocks in one part.
	MaxTypesPerPart = 2
)

// Validation messages.
const (
	MsgNoTheme = "Please select a theme"
)

func msgTooManyTypes(part int) string {
	return fmt.Sprintf("Part %d: maximum %d question types allowed", part, MaxTypesPerPart)
}

func msgIncompleteBlock(part int) string {
	return fmt.Sprintf("Part %d: please complete all question type fields", part)
}

func msgWrongTotal(part, total int) string {
	return fmt.Sprintf("Part %d must have exactly %d questions (currently %d)", part, QuestionsPerPart, total)
}

// Block is one question-type block of a part.
type Block struct {
	Type          string `json:"type" yaml:"type"`
	Topic         string `json:"topic" yaml:"topic"`
	Specification string `json:"specification,omitempty" yaml:"specification,omitempty"`
	Questions     int    `json:"questions" yaml:"questions"`
}

// Part is the wire form of one part: parallel lists, one entry per block.
type Part struct {
	Types          []string `json:"type1"`
	Topics         []string `json:"topic"`
	Specifications []string `json:"specifications"`
	Questions      []int    `json:"number_of_questions"`
}

// Blocks returns the part as blocks. Missing entries in the parallel lists
// are left empty.
func (p Part) Blocks() []Block {
	n := max(len(p.Types), len(p.Topics), len(p.Specifications), len(p.Questions))
	blocks := make([]Block, n)
	for i := range blocks {
		if i < len(p.Types) {
			blocks[i].Type = p.Types[i]
		}
		if i < len(p.Topics) {
			blocks[i].Topic = p.Topics[i]
		}
		if i < len(p.Specifications) {
			blocks[i].Specification = p.Specifications[i]
		}
		if i < len(p.Questions) {
			blocks[i].Questions = p.Questions[i]
		}
	}
	return blocks
}

// Total is the number of questions in the part.
func (p Part) Total() int {
	total := 0
	for _, q := range p.Questions {
		total += q
	}
	return total
}

func partFromBlocks(blocks []Block) Part {
	p := Part{
		Types:          []string{},
		Topics:         []string{},
		Specifications: []string{},
		Questions:      []int{},
	}
	for _, b := range blocks {
		p.Types = append(p.Types, b.Type)
		p.Topics = append(p.Topics, b.Topic)
		p.Specifications = append(p.Specifications, b.Specification)
		p.Questions = append(p.Questions, b.Questions)
	}
	return p
}

// Spec is a question set specification. Parts are keyed "1" to "4".
type Spec struct {
	Themes            []string        `json:"Themes"`
	Parts             map[string]Part `json:"Part"`
	GenerateWithAudio bool            `json:"-"`
}

// Theme returns the selected theme, or "".
func (s Spec) Theme() string {
	if len(s.Themes) == 0 {
		return ""
	}
	return strings.TrimSpace(s.Themes[0])
}

// Part returns part n (1-based).
func (s Spec) Part(n int) Part {
	return s.Parts[strconv.Itoa(n)]
}

// Totals returns the question count per part, indexed from 0, and overall.
func (s Spec) Totals() ([NumParts]int, int) {
	var per [NumParts]int
	overall := 0
	for i := range per {
		per[i] = s.Part(i + 1).Total()
		overall += per[i]
	}
	return per, overall
}

// JSON encodes the spec in the generator's wire format.
func (s Spec) JSON() (string, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encoding question spec: %w", err)
	}
	return string(data), nil
}

// Parse decodes a spec from the generator's wire format.
func Parse(data string) (Spec, error) {
	var s Spec
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return Spec{}, fmt.Errorf("decoding question spec: %w", err)
	}
	return s, nil
}

// Validate checks the structural rules: a theme, at most two complete
// blocks per part and exactly ten questions in every part.
func (s Spec) Validate() error {
	if s.Theme() == "" {
		return workflow.Invalid("theme", MsgNoTheme)
	}
	for n := 1; n <= NumParts; n++ {
		field := "part." + strconv.Itoa(n)
		blocks := s.Part(n).Blocks()
		if len(blocks) > MaxTypesPerPart {
			return workflow.Invalid(field, msgTooManyTypes(n))
		}
		for _, b := range blocks {
			if strings.TrimSpace(b.Type) == "" || strings.TrimSpace(b.Topic) == "" || b.Questions < 1 {
				return workflow.Invalid(field, msgIncompleteBlock(n))
			}
		}
		if total := s.Part(n).Total(); total != QuestionsPerPart {
			return workflow.Invalid(field, msgWrongTotal(n, total))
		}
	}
	return nil
}

// Builder assembles a Spec block by block.
type Builder struct {
	theme  string
	audio  bool
	blocks [NumParts][]Block
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder { return &Builder{} }

// Theme sets the theme for every part.
func (b *Builder) Theme(theme string) *Builder {
	b.theme = strings.TrimSpace(theme)
	return b
}

// WithAudio sets whether audio is generated together with the questions.
func (b *Builder) WithAudio(on bool) *Builder {
	b.audio = on
	return b
}

// Add appends a block to part (1-based).
func (b *Builder) Add(part int, blk Block) error {
	if part < 1 || part > NumParts {
		return workflow.Invalid("part", fmt.Sprintf("Part must be between 1 and %d", NumParts))
	}
	if len(b.blocks[part-1]) >= MaxTypesPerPart {
		return workflow.Invalid("part."+strconv.Itoa(part), msgTooManyTypes(part))
	}
	b.blocks[part-1] = append(b.blocks[part-1], blk)
	return nil
}

// Remove deletes the i-th block (0-based) of part.
func (b *Builder) Remove(part, i int) {
	if part < 1 || part > NumParts {
		return
	}
	blocks := b.blocks[part-1]
	if i < 0 || i >= len(blocks) {
		return
	}
	b.blocks[part-1] = append(blocks[:i:i], blocks[i+1:]...)
}

// Remaining is how many questions part can still take.
func (b *Builder) Remaining(part int) int {
	if part < 1 || part > NumParts {
		return 0
	}
	used := 0
	for _, blk := range b.blocks[part-1] {
		used += blk.Questions
	}
	return QuestionsPerPart - used
}

// Spec returns the spec as built so far, without validating it.
func (b *Builder) Spec() Spec {
	s := Spec{
		Themes:            []string{b.theme},
		Parts:             make(map[string]Part, NumParts),
		GenerateWithAudio: b.audio,
	}
	for i, blocks := range b.blocks {
		s.Parts[strconv.Itoa(i+1)] = partFromBlocks(blocks)
	}
	return s
}

// Build returns the spec if it is complete.
func (b *Builder) Build() (Spec, error) {
	s := b.Spec()
	if err := s.Validate(); err != nil {
		return Spec{}, err
	}
	return s, nil
}
