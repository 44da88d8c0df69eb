package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		opts    *Options
		wantErr bool
	}{
		{name: "default", opts: nil},
		{name: "text", opts: &Options{Format: FormatText, Level: 2}},
		{name: "json", opts: &Options{Format: FormatJSON}},
		{name: "unknown", opts: &Options{Format: "xml"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLogger(tt.opts)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewLogger() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewLogger_File(t *testing.T) {
	file := filepath.Join(t.TempDir(), "modelkit.log")
	log, err := NewLogger(&Options{Format: FormatJSON, File: file, MaxSizeMB: 1})
	if err != nil {
		t.Fatal(err)
	}
	Warn(log, "metric failed", "metric", "roc_auc")
	content, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if len(content) == 0 {
		t.Errorf("expected log output in %s", file)
	}
}
