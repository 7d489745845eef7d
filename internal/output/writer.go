// Package output writes the audit report as streaming JSON: findings are
// appended as they are produced instead of being buffered, so a large
// forest scan has a flat memory profile and a killed scan leaves a readable
// prefix on disk.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/SpecterOps/CertHound/internal/risk"
	"github.com/SpecterOps/CertHound/internal/types"
)

// StreamingWriter writes one report file: a metadata header, a findings
// array, an optional ranking array, and a closing summary. Findings must
// all be written before the first ranking record.
type StreamingWriter struct {
	file         *os.File
	mu           sync.Mutex
	filePath     string
	findingCount int
	recordCount  int
	firstFinding bool
	firstRecord  bool
	inRanking    bool
}

// NewStreamingWriter creates the report file, creating parent directories
// as needed, and writes the header.
func NewStreamingWriter(filePath, forest string) (*StreamingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create report file: %w", err)
	}

	w := &StreamingWriter{
		file:         file,
		filePath:     filePath,
		firstFinding: true,
		firstRecord:  true,
	}
	if err := w.writeHeader(forest); err != nil {
		file.Close()
		return nil, err
	}
	return w, nil
}

func (w *StreamingWriter) writeHeader(forest string) error {
	meta := struct {
		Forest      string `json:"forest,omitempty"`
		CollectedAt string `json:"collectedAt"`
	}{
		Forest:      forest,
		CollectedAt: time.Now().UTC().Format(time.RFC3339),
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w.file, "{\n  \"metadata\": %s,\n  \"findings\": [\n", metaJSON)
	return err
}

// WriteFinding appends one finding to the findings array.
func (w *StreamingWriter) WriteFinding(f types.Finding) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.inRanking {
		return fmt.Errorf("cannot write findings after the ranking section has started")
	}

	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if !w.firstFinding {
		if _, err := w.file.WriteString(",\n"); err != nil {
			return err
		}
	}
	w.firstFinding = false

	if _, err := w.file.WriteString("    "); err != nil {
		return err
	}
	if _, err := w.file.Write(data); err != nil {
		return err
	}
	w.findingCount++
	return nil
}

// WriteRecord appends one risk record, switching the file into the ranking
// section on first use.
func (w *StreamingWriter) WriteRecord(r risk.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.inRanking {
		if _, err := w.file.WriteString("\n  ],\n  \"ranking\": [\n"); err != nil {
			return err
		}
		w.inRanking = true
	}

	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if !w.firstRecord {
		if _, err := w.file.WriteString(",\n"); err != nil {
			return err
		}
	}
	w.firstRecord = false

	if _, err := w.file.WriteString("    "); err != nil {
		return err
	}
	if _, err := w.file.Write(data); err != nil {
		return err
	}
	w.recordCount++
	return nil
}

// Close terminates the open section, writes the summary counts, and closes
// the file.
func (w *StreamingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.inRanking {
		if _, err := w.file.WriteString("\n  ],\n  \"ranking\": [\n"); err != nil {
			w.file.Close()
			return err
		}
	}
	footer := fmt.Sprintf("\n  ],\n  \"summary\": {\"findings\": %d, \"rankedPrincipals\": %d}\n}\n",
		w.findingCount, w.recordCount)
	if _, err := w.file.WriteString(footer); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// FindingCount returns the number of findings written so far.
func (w *StreamingWriter) FindingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.findingCount
}

// Path returns the report file path.
func (w *StreamingWriter) Path() string { return w.filePath }
