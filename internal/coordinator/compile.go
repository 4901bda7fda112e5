package coordinator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// SourceLoader locates a deployment's playground source (spec.md §4.6 step
// 1: "the core requires that the intent carry enough information to locate
// the source, and rejects intents whose source is absent").
type SourceLoader interface {
	Load(ctx context.Context, deploymentID int64) ([]byte, error)
}

// ErrSourceNotFound is returned by a SourceLoader when no source is
// associated with a deployment.
var ErrSourceNotFound = fmt.Errorf("playground source not found")

// Compiler invokes the external compile toolchain that turns playground
// source into a component-form artifact (spec.md §1: the compiler
// toolchain is an out-of-scope collaborator; only its interface is used
// here).
type Compiler struct {
	Command    string
	ScratchDir string
}

// Compile writes src to a fresh scratch directory and invokes Command
// against it, returning the compiled component bytes.
func (c *Compiler) Compile(ctx context.Context, deploymentID int64, src []byte) ([]byte, error) {
	dir, err := os.MkdirTemp(c.ScratchDir, fmt.Sprintf("deploy-%d-", deploymentID))
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	srcPath := filepath.Join(dir, "source")
	if err := os.WriteFile(srcPath, src, 0o644); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}
	outPath := filepath.Join(dir, "out.wasm")

	cmd := exec.CommandContext(ctx, c.Command, srcPath, outPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("compile toolchain failed: %w: %s", err, stderr.String())
	}

	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read compiled artifact: %w", err)
	}
	return out, nil
}
