package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	yamlv3 "gopkg.in/yaml.v3"
)

func TestWriteAtomic_CreatesParentsAndContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pending", "task.json")

	if err := WriteAtomic(path, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("WriteAtomic failed: %v", err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(content) != `{"a":1}` {
		t.Errorf("content: got %q", content)
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	for _, e := range entries {
		if IsTemp(e.Name()) {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteAtomic_FailsWhenTargetIsDirectory(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "occupied")
	if err := os.MkdirAll(filepath.Join(target, "child"), 0755); err != nil {
		t.Fatal(err)
	}

	if err := WriteAtomic(target, []byte("x")); err == nil {
		t.Fatal("expected rename over non-empty directory to fail")
	}

	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if IsTemp(e.Name()) {
			t.Errorf("temp file left behind after failure: %s", e.Name())
		}
	}
}

func TestWriteYAML_CreatesBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := WriteYAML(path, map[string]string{"version": "1"}); err != nil {
		t.Fatalf("first write failed: %v", err)
	}
	if err := WriteYAML(path, map[string]string{"version": "2"}); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	var bak, cur map[string]string
	bakContent, err := os.ReadFile(path + ".bak")
	if err != nil {
		t.Fatalf("ReadFile .bak failed: %v", err)
	}
	if err := yamlv3.Unmarshal(bakContent, &bak); err != nil {
		t.Fatal(err)
	}
	curContent, _ := os.ReadFile(path)
	if err := yamlv3.Unmarshal(curContent, &cur); err != nil {
		t.Fatal(err)
	}

	if bak["version"] != "1" || cur["version"] != "2" {
		t.Errorf("backup=%v current=%v", bak, cur)
	}
}

func TestIsTemp(t *testing.T) {
	if !IsTemp(TempPrefix + "123") {
		t.Error("expected temp prefix to be recognised")
	}
	if IsTemp("2024-05-01T12:00:00.000Z_repo_deadbeef.json") {
		t.Error("task file misclassified as temp")
	}
}
