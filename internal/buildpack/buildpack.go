package buildpack

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
)

const defaultBuilderImage = "paketobuildpacks/builder-jammy-base"

// Builder shells out to the pack CLI for repositories without a Dockerfile.
type Builder struct {
	binary       string
	builderImage string
}

// New returns a Builder using the given builder image, or the Paketo base
// builder when empty.
func New(builderImage string) *Builder {
	if builderImage == "" {
		builderImage = defaultBuilderImage
	}
	return &Builder{binary: "pack", builderImage: builderImage}
}

// Build produces an image from dir, streaming pack output lines to onOutput.
// Failures carry the tool's own last output line so the caller can surface
// it unchanged.
func (b *Builder) Build(ctx context.Context, dir, tag string, onOutput func(string)) error {
	if dir == "" {
		return fmt.Errorf("build directory cannot be empty")
	}
	if tag == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	cmd := exec.CommandContext(ctx, b.binary,
		"build", tag,
		"--path", dir,
		"--builder", b.builderImage,
		"--pull-policy", "if-not-present",
	)
	cmd.Env = os.Environ()

	lw := &lineWriter{emit: onOutput}
	cmd.Stdout = lw
	cmd.Stderr = lw

	err := cmd.Run()
	lw.Flush()
	if err != nil {
		if last := lw.LastLine(); last != "" {
			return fmt.Errorf("buildpack build failed: %w: %s", err, last)
		}
		return fmt.Errorf("buildpack build failed: %w", err)
	}
	return nil
}

// lineWriter splits a byte stream into lines for the output callback. The
// exec package serializes writes when stdout and stderr share one writer.
type lineWriter struct {
	emit func(string)
	mu   sync.Mutex
	buf  strings.Builder
	last string
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range p {
		if b == '\n' {
			w.emitLine()
			continue
		}
		w.buf.WriteByte(b)
	}
	return len(p), nil
}

// Flush emits any trailing line that did not end in a newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emitLine()
	}
}

// LastLine returns the most recent non-empty line seen.
func (w *lineWriter) LastLine() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *lineWriter) emitLine() {
	line := strings.TrimRight(w.buf.String(), "\r")
	w.buf.Reset()
	if strings.TrimSpace(line) == "" {
		return
	}
	w.last = line
	if w.emit != nil {
		w.emit(line)
	}
}
