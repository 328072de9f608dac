// Package overlay materializes the per-agent instruction file into a
// checkout: TOML front matter describing the agent, the static base section
// for its capability, and a short summary of its task spec.
package overlay

import (
	"bytes"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"
	"github.com/zeebo/blake3"

	"github.com/overstory/overstory/internal/errs"
	"github.com/overstory/overstory/internal/models"
)

//go:embed templates/*.md
var templatesFS embed.FS

// FileName is the overlay's path inside the agent's checkout. The hosted
// assistant runtime loads it as the session's standing instructions.
const FileName = "CLAUDE.md"

// frontMatter is the dynamic section serialized as TOML at the top of the
// overlay. Written exactly once at spawn; never mutated afterward.
type frontMatter struct {
	Name      string   `toml:"name"`
	Task      string   `toml:"task"`
	Cap       string   `toml:"capability"`
	Parent    string   `toml:"parent,omitempty"`
	Depth     int      `toml:"depth"`
	CanSpawn  bool     `toml:"can_spawn"`
	SpecPath  string   `toml:"spec_path,omitempty"`
	FileScope []string `toml:"file_scope,omitempty"`
}

// Builder renders overlays.
type Builder struct{}

// NewBuilder returns a Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build writes the overlay for agent into its checkout. specPath may be empty;
// when present and readable, the spec's first paragraph becomes the task
// summary section.
func (b *Builder) Build(agent *models.Agent, specPath string, fileScope []string) error {
	content, err := b.Render(agent, specPath, fileScope)
	if err != nil {
		return err
	}

	target := filepath.Join(agent.WorktreePath, FileName)
	if existing, err := os.ReadFile(target); err == nil {
		if blake3.Sum256(existing) == blake3.Sum256(content) {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("%w: overlay dir: %v", errs.ErrAgent, err)
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return fmt.Errorf("%w: write overlay: %v", errs.ErrAgent, err)
	}
	return nil
}

// Render produces the overlay bytes without writing them.
func (b *Builder) Render(agent *models.Agent, specPath string, fileScope []string) ([]byte, error) {
	base, err := templatesFS.ReadFile("templates/" + string(agent.Capability) + ".md")
	if err != nil {
		return nil, fmt.Errorf("%w: no overlay template for capability %s", errs.ErrAgent, agent.Capability)
	}

	var buf bytes.Buffer
	buf.WriteString("+++\n")
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(frontMatter{
		Name:      agent.Name,
		Task:      agent.TaskID,
		Cap:       string(agent.Capability),
		Parent:    agent.ParentName,
		Depth:     agent.Depth,
		CanSpawn:  agent.CanSpawn(),
		SpecPath:  specPath,
		FileScope: fileScope,
	}); err != nil {
		return nil, fmt.Errorf("%w: encode overlay front matter: %v", errs.ErrAgent, err)
	}
	buf.WriteString("+++\n\n")

	buf.Write(base)

	if summary := specSummary(specPath); summary != "" {
		buf.WriteString("\n## Task\n\n")
		buf.WriteString(summary)
		buf.WriteString("\n\nFull spec: ")
		buf.WriteString(specPath)
		buf.WriteString("\n")
	}

	return buf.Bytes(), nil
}

// specSummary returns the first paragraph of the markdown spec at path, or ""
// when the spec is missing or has no paragraph.
func specSummary(path string) string {
	if path == "" {
		return ""
	}
	source, err := os.ReadFile(path)
	if err != nil {
		return ""
	}

	doc := goldmark.New().Parser().Parse(gmtext.NewReader(source))
	var summary string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if p, ok := n.(*ast.Paragraph); ok {
			summary = paragraphText(p, source)
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(summary)
}

// paragraphText flattens a paragraph node's lines back into plain text.
func paragraphText(p *ast.Paragraph, source []byte) string {
	var sb strings.Builder
	lines := p.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		sb.Write(seg.Value(source))
	}
	return sb.String()
}
