package id

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Generator produces prefixed nanoid identifiers. Prefixes make ids
// self-describing in logs and foreign keys.
type Generator struct{}

func New() *Generator {
	return &Generator{}
}

func (g *Generator) generate(prefix string) string {
	id, err := gonanoid.New(21)
	if err != nil {
		return prefix + "_fallback"
	}
	return prefix + "_" + id
}

func (g *Generator) GenerateConversationID() string {
	return g.generate("ec")
}

func (g *Generator) GenerateMessageID() string {
	return g.generate("em")
}

func (g *Generator) GenerateToolUseID() string {
	return g.generate("etu")
}

func (g *Generator) GenerateAttachmentID() string {
	return g.generate("eat")
}
