package runtime

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Fingerprint names recorded on a service after detection.
const (
	Node   = "node"
	Next   = "next"
	Go     = "go"
	Python = "python"
	Ruby   = "ruby"
	Java   = "java"
	Static = "static"
)

// Detect inspects a checked-out tree and returns its runtime fingerprint.
// An empty string means no fingerprint matched; the build then falls back
// to the buildpack tool, which performs its own detection.
func Detect(dir string) string {
	if manifest, ok := loadPackageManifest(dir); ok {
		if isNextApp(manifest) {
			return Next
		}
		return Node
	}
	if fileExists(filepath.Join(dir, "go.mod")) {
		return Go
	}
	if isPythonProject(dir) {
		return Python
	}
	if fileExists(filepath.Join(dir, "Gemfile")) {
		return Ruby
	}
	if isJavaProject(dir) {
		return Java
	}
	if fileExists(filepath.Join(dir, "index.html")) {
		return Static
	}
	return ""
}

// HasDockerfile reports whether the tree root carries a Dockerfile.
func HasDockerfile(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, fmt.Errorf("read checkout: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(entry.Name(), "dockerfile") {
			return true, nil
		}
	}
	return false, nil
}

type npmManifest struct {
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Scripts         map[string]string `json:"scripts"`
}

func (m *npmManifest) hasDependency(name string) bool {
	if m == nil {
		return false
	}
	for dep := range m.Dependencies {
		if strings.EqualFold(dep, name) {
			return true
		}
	}
	for dep := range m.DevDependencies {
		if strings.EqualFold(dep, name) {
			return true
		}
	}
	return false
}

func loadPackageManifest(dir string) (*npmManifest, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, false
	}
	var manifest npmManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, false
	}
	return &manifest, true
}

func isNextApp(manifest *npmManifest) bool {
	if manifest == nil {
		return false
	}
	if manifest.hasDependency("next") {
		return true
	}
	for _, script := range manifest.Scripts {
		if strings.Contains(strings.ToLower(script), "next") {
			return true
		}
	}
	return false
}

func isPythonProject(dir string) bool {
	candidates := []string{
		"requirements.txt",
		"pyproject.toml",
		"Pipfile",
		"setup.py",
	}
	for _, name := range candidates {
		if fileExists(filepath.Join(dir, name)) {
			return true
		}
	}
	return false
}

func isJavaProject(dir string) bool {
	candidates := []string{
		"pom.xml",
		"build.gradle",
		"build.gradle.kts",
		"settings.gradle",
		"settings.gradle.kts",
		"mvnw",
		"gradlew",
	}
	for _, name := range candidates {
		if fileExists(filepath.Join(dir, name)) {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
