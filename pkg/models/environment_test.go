package models

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestWriteEnvironment(t *testing.T) {
	custom := &EnvironmentSpec{Name: "custom", Runtime: "1.20", Dependencies: []string{"a v1", "b v2"}}
	customFile := filepath.Join(t.TempDir(), "env.yaml")
	if err := os.WriteFile(customFile, []byte("name: fromfile\nruntime: \"1.19\"\ndependencies:\n- c v3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name    string
		env     any
		want    *EnvironmentSpec
		wantReq string
		wantErr bool
	}{
		{name: "spec", env: custom, want: custom, wantReq: "a v1\nb v2\n"},
		{name: "file", env: customFile, want: &EnvironmentSpec{Name: "fromfile", Runtime: "1.19", Dependencies: []string{"c v3"}}, wantReq: "c v3\n"},
		{name: "unsupported", env: 42, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			got, err := WriteEnvironment(dir, tt.env, nil)
			if (err != nil) != tt.wantErr {
				t.Fatalf("WriteEnvironment() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("WriteEnvironment() = %v, want %v", got, tt.want)
			}
			read, err := ReadEnvironment(filepath.Join(dir, EnvironmentFileName))
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(read, tt.want) {
				t.Errorf("ReadEnvironment() = %v, want %v", read, tt.want)
			}
			req, err := os.ReadFile(filepath.Join(dir, RequirementsFileName))
			if err != nil {
				t.Fatal(err)
			}
			if string(req) != tt.wantReq {
				t.Errorf("requirements = %q, want %q", req, tt.wantReq)
			}
		})
	}
}

func TestWriteEnvironment_Default(t *testing.T) {
	dir := t.TempDir()
	got, err := WriteEnvironment(dir, nil, DefaultEnvironment("extra v1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Dependencies) != 2 || got.Dependencies[1] != "extra v1" {
		t.Errorf("Dependencies = %v", got.Dependencies)
	}
}
