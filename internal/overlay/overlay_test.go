package overlay

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overstory/overstory/internal/models"
)

func testAgent(t *testing.T) *models.Agent {
	t.Helper()
	return &models.Agent{
		Name:         "impl",
		Capability:   models.CapabilityBuilder,
		TaskID:       "T1",
		ParentName:   "lead",
		Depth:        1,
		WorktreePath: filepath.Join(t.TempDir(), "impl"),
	}
}

func TestBuild_WritesFrontMatterAndBase(t *testing.T) {
	agent := testAgent(t)
	b := NewBuilder()

	require.NoError(t, b.Build(agent, "", []string{"src/a.ts", "src/b.ts"}))

	data, err := os.ReadFile(filepath.Join(agent.WorktreePath, FileName))
	require.NoError(t, err)
	content := string(data)

	// Front matter is fenced TOML and round-trips.
	parts := strings.SplitN(content, "+++\n", 3)
	require.Len(t, parts, 3)
	var fm frontMatter
	require.NoError(t, toml.Unmarshal([]byte(parts[1]), &fm))
	assert.Equal(t, "impl", fm.Name)
	assert.Equal(t, "T1", fm.Task)
	assert.Equal(t, "builder", fm.Cap)
	assert.Equal(t, "lead", fm.Parent)
	assert.Equal(t, 1, fm.Depth)
	assert.False(t, fm.CanSpawn)
	assert.Equal(t, []string{"src/a.ts", "src/b.ts"}, fm.FileScope)

	// Capability base section follows.
	assert.Contains(t, content, "# Builder")
	assert.Contains(t, content, "worker_done")
}

func TestBuild_LeadCanSpawn(t *testing.T) {
	agent := testAgent(t)
	agent.Capability = models.CapabilityLead
	agent.ParentName = ""
	b := NewBuilder()

	require.NoError(t, b.Build(agent, "", nil))

	data, err := os.ReadFile(filepath.Join(agent.WorktreePath, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "can_spawn = true")
	assert.Contains(t, string(data), "# Lead")
}

func TestBuild_SpecSummaryFromFirstParagraph(t *testing.T) {
	agent := testAgent(t)
	specPath := filepath.Join(t.TempDir(), "T1.md")
	spec := "# Task T1\n\nImplement the widget loader so widgets\nload lazily on demand.\n\nMore detail below that should not appear.\n"
	require.NoError(t, os.WriteFile(specPath, []byte(spec), 0o644))

	b := NewBuilder()
	require.NoError(t, b.Build(agent, specPath, nil))

	data, err := os.ReadFile(filepath.Join(agent.WorktreePath, FileName))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "Implement the widget loader")
	assert.NotContains(t, content, "More detail below")
	assert.Contains(t, content, "Full spec: "+specPath)
}

func TestBuild_UnknownCapabilityFails(t *testing.T) {
	agent := testAgent(t)
	agent.Capability = models.Capability("gardener")
	b := NewBuilder()

	err := b.Build(agent, "", nil)
	assert.Error(t, err)
}

func TestRender_MissingSpecIsNotFatal(t *testing.T) {
	agent := testAgent(t)
	b := NewBuilder()

	content, err := b.Render(agent, "/nonexistent/spec.md", nil)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "## Task")
}
