package types

import "testing"

func TestMediaTypeOf(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{name: "model/MLmodel", want: MediaTypeModelDescriptor},
		{name: "model/input_example.json", want: MediaTypeInputExample},
		{name: "model.tar.gz", want: MediaTypeArchive},
		{name: "confusion_matrix.json", want: MediaTypeJSON},
		{name: "model/model.gob", want: MediaTypeModelData},
		{name: "model/network.params", want: MediaTypeModelData},
		{name: "requirements.txt", want: MediaTypeOctetStream},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MediaTypeOf(tt.name); got != tt.want {
				t.Errorf("MediaTypeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}
