package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// FileBackend stores the ledger as one JSON document on local disk.
type FileBackend struct {
	Path string
}

// NewFileBackend returns a backend writing to path.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{Path: path}
}

// Load reads and validates the ledger file. A missing file is an empty ledger.
func (b *FileBackend) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(b.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewSnapshot(), nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrCorrupt, b.Path, err)
	}
	return decodeSnapshot(data)
}

// Save writes the snapshot atomically through a temp file and rename.
func (b *FileBackend) Save(_ context.Context, snap *Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(b.Path), 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	return writeFileAtomic(b.Path, append(data, '\n'))
}

// writeFileAtomic replaces path with data, syncing before the rename so a
// crash leaves either the old or the new file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", path, err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

const snapshotSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["completed", "failures"],
  "properties": {
    "version": {"type": "integer", "minimum": 1},
    "completed": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["work_item_id", "output_artifact_path"],
        "properties": {
          "work_item_id": {"type": "string", "minLength": 1},
          "timestamp": {"type": "string"},
          "output_artifact_path": {"type": "string"},
          "output_artifact_size": {"type": "integer", "minimum": 0}
        }
      }
    },
    "failures": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["work_item_id", "attempt_number"],
          "properties": {
            "work_item_id": {"type": "string", "minLength": 1},
            "timestamp": {"type": "string"},
            "error_message": {"type": "string"},
            "error_kind": {"type": "string"},
            "attempt_number": {"type": "integer", "minimum": 1}
          }
        }
      }
    },
    "last_completed": {"type": "string"},
    "last_run_id": {"type": "string"},
    "updated_at": {"type": "string"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func ledgerSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("ledger.json", bytes.NewReader([]byte(snapshotSchema))); err != nil {
			schemaErr = fmt.Errorf("add ledger schema: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile("ledger.json")
	})
	return compiledSchema, schemaErr
}

// decodeSnapshot validates data against the ledger schema and decodes it.
// Every decode or validation failure wraps ErrCorrupt.
func decodeSnapshot(data []byte) (*Snapshot, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrCorrupt)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	schema, err := ledgerSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return nil, fmt.Errorf("%w: %s", ErrCorrupt, verr.Error())
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	snap.normalize()
	return &snap, nil
}

var _ Backend = (*FileBackend)(nil)
