package psstore

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// ManifestName is the file written next to the table directories of an export.
const ManifestName = "MANIFEST.yaml"

// Export kinds
const (
	KindCheckpoint = "ckpt"
	KindTable      = "table"
)

// Manifest describes one export run.
type Manifest struct {
	ExportID  string          `yaml:"exportId"`
	Kind      string          `yaml:"kind"`
	CreatedAt time.Time       `yaml:"createdAt"`
	Tables    []ManifestTable `yaml:"tables"`
}

// ManifestTable lists the shards of one exported table. Tables appear in
// ascending table id.
type ManifestTable struct {
	TableID      int             `yaml:"tableId"`
	Name         string          `yaml:"name"`
	EmbeddingDim int             `yaml:"embeddingDim"`
	ValueLen     int             `yaml:"valueLen"`
	StepsToLive  int             `yaml:"stepsToLive"`
	Shards       []ManifestShard `yaml:"shards"`
}

// ManifestShard points at one shard file.
type ManifestShard struct {
	PSID     int    `yaml:"psId"`
	File     string `yaml:"file"` // relative to the export root
	Rows     int    `yaml:"rows"`
	Checksum uint64 `yaml:"checksum"`
}

func newManifest(kind string) *Manifest {
	return &Manifest{
		ExportID:  uuid.New().String(),
		Kind:      kind,
		CreatedAt: time.Now().UTC(),
	}
}

func (m *Manifest) marshal() ([]byte, error) {
	data, err := yaml.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest: %w", err)
	}
	return data, nil
}

func parseManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	return m, nil
}
