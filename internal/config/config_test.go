package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestLoadFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg, err := LoadFile(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, 3250, cfg.Network.Port)
	assert.Equal(t, "0.0.0.0", cfg.Network.Host)
	assert.Equal(t, "database.db", cfg.DatabasePath)

	_, err = os.Stat(path)
	assert.Equal(t, nil, err)

	// the written file reads back to the same values
	again, err := LoadFile(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, cfg.Edits, again.Edits)
	assert.Equal(t, cfg.Canvas, again.Canvas)
}

func TestLoadFileAcceptsComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
		// only part of the file is given, the rest keeps defaults
		"network": {"interface": "127.0.0.1", "port": 8080},
		"canvas": {"width": 10, "height": 12, /* white */ "background": 16777215},
		"edits": {"cooldown": "250ms", "max_batch": 4,},
	}`
	assert.Equal(t, nil, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadFile(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, "127.0.0.1:8080", cfg.Addr())
	assert.Equal(t, 10, cfg.Canvas.Width)
	assert.Equal(t, 12, cfg.Canvas.Height)
	assert.Equal(t, 250*time.Millisecond, cfg.Edits.Cooldown.Std())
	assert.Equal(t, 4, cfg.Edits.MaxBatch)
	assert.Equal(t, 1024, cfg.Edits.QueueSize)
}

func TestLoadFileRejectsInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	assert.Equal(t, nil, os.WriteFile(path, []byte(`{"network": {"port": eighty}}`), 0o644))

	_, err := LoadFile(path)
	assert.NotEqual(t, nil, err)
}

func TestLoadFileReadsNetworkAndDatabasePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"network":{"interface":"127.0.0.1","port":4000},"database_path":"data/canvas.db"}`
	assert.Equal(t, nil, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := LoadFile(path)
	assert.Equal(t, nil, err)
	assert.Equal(t, "127.0.0.1", cfg.Network.Host)
	assert.Equal(t, 4000, cfg.Network.Port)
	assert.Equal(t, "data/canvas.db", cfg.DatabasePath)
	assert.Equal(t, "127.0.0.1:4000", cfg.Addr())
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"top level", `{"server": {"interface": "127.0.0.1"}}`},
		{"nested", `{"network": {"interfce": "127.0.0.1"}}`},
		{"moved key", `{"database": {"path": "data/canvas.db"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.json")
			assert.Equal(t, nil, os.WriteFile(path, []byte(tt.data), 0o644))

			_, err := LoadFile(path)
			assert.NotEqual(t, nil, err)
		})
	}
}

func TestDefaultFileUsesNetworkLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	_, err := LoadFile(path)
	assert.Equal(t, nil, err)

	data, err := os.ReadFile(path)
	assert.Equal(t, nil, err)

	var written map[string]any
	assert.Equal(t, nil, json.Unmarshal(data, &written))
	assert.Equal(t, "database.db", written["database_path"])
	network := written["network"].(map[string]any)
	assert.Equal(t, "0.0.0.0", network["interface"])
	assert.Equal(t, float64(3250), network["port"])
}

func TestLoadLayersEnvAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("EDIT_COOLDOWN", "3s")
	t.Setenv("CANVAS_WIDTH", "64")

	cfg, err := Load([]string{"--config", path, "--interface", "127.0.0.1"})
	assert.Equal(t, nil, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.Equal(t, 3*time.Second, cfg.Edits.Cooldown.Std())
	assert.Equal(t, 64, cfg.Canvas.Width)

	cfg, err = Load([]string{"--config", path, "--port", "4000", "--db-path", "other.db"})
	assert.Equal(t, nil, err)
	assert.Equal(t, 4000, cfg.Network.Port)
	assert.Equal(t, "other.db", cfg.DatabasePath)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	assert.Equal(t, nil, cfg.Validate())

	cfg.Canvas.Width = 0
	assert.NotEqual(t, nil, cfg.Validate())

	cfg = Default()
	cfg.Database.Driver = "mysql"
	assert.NotEqual(t, nil, cfg.Validate())

	cfg = Default()
	cfg.Canvas.Background = 0x1000000
	assert.NotEqual(t, nil, cfg.Validate())
}
