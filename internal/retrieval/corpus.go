package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Corpus is the YAML layout of a passage seed file.
type Corpus struct {
	Passages []Document `yaml:"passages"`
}

// ParseCorpus decodes a YAML corpus. Entries without a topic or content are rejected.
func ParseCorpus(data []byte) ([]Document, error) {
	var c Corpus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse corpus: %w", err)
	}
	for i, d := range c.Passages {
		if strings.TrimSpace(d.Topic) == "" {
			return nil, fmt.Errorf("passage %d has no topic", i)
		}
		if strings.TrimSpace(d.Content) == "" {
			return nil, fmt.Errorf("passage %d (%s) has no content", i, d.Topic)
		}
	}
	return c.Passages, nil
}

// LoadCorpus reads and decodes a YAML corpus file.
func LoadCorpus(path string) ([]Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus %s: %w", path, err)
	}
	return ParseCorpus(data)
}

// Seed loads the corpus at path into ix. Re-seeding the same file is a no-op.
func Seed(ctx context.Context, ix *Index, path string) error {
	docs, err := LoadCorpus(path)
	if err != nil {
		return err
	}
	n, err := ix.Add(ctx, docs)
	if err != nil {
		return fmt.Errorf("failed to seed index from %s: %w", path, err)
	}
	slog.Info("Retrieval index seeded", "path", path, "passages", len(docs), "inserted", n)
	return nil
}
