package onnx

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewSessionManagerLoadsManifest(t *testing.T) {
	tmp := t.TempDir()

	for _, name := range []string{"vae_encoder.onnx", "unet.onnx"} {
		err := os.WriteFile(filepath.Join(tmp, name), []byte("fake"), 0o644)
		if err != nil {
			t.Fatalf("write fake onnx file: %v", err)
		}
	}

	manifest := `{
  "graphs": [
    {
      "name": "vae_encoder",
      "filename": "vae_encoder.onnx",
      "inputs": [{"name":"mel","dtype":"float","shape":[1,1,"frames",64]}],
      "outputs": [
        {"name":"latent_mean","dtype":"float","shape":[1,8,"latent_frames",16]},
        {"name":"latent_logvar","dtype":"float","shape":[1,8,"latent_frames",16]}
      ]
    },
    {
      "name": "unet",
      "filename": "unet.onnx",
      "inputs": [
        {"name":"latent","dtype":"float","shape":["batch",8,"latent_frames",16]},
        {"name":"timestep","dtype":"int64","shape":[1]}
      ],
      "outputs": [{"name":"noise_pred","dtype":"float","shape":["batch",8,"latent_frames",16]}]
    }
  ]
}`

	manifestPath := filepath.Join(tmp, "manifest.json")

	err := os.WriteFile(manifestPath, []byte(manifest), 0o644)
	if err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	sm, err := NewSessionManager(manifestPath)
	if err != nil {
		t.Fatalf("NewSessionManager failed: %v", err)
	}

	all := sm.Sessions()
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(all))
	}

	s, ok := sm.Session("vae_encoder")
	if !ok {
		t.Fatal("expected vae_encoder session")
	}

	if s.Path != filepath.Join(tmp, "vae_encoder.onnx") {
		t.Fatalf("unexpected session path: %s", s.Path)
	}

	if len(s.Inputs) != 1 || s.Inputs[0].Name != "mel" {
		t.Fatalf("unexpected inputs: %+v", s.Inputs)
	}

	names := sm.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %v", names)
	}
}

func TestNewSessionManagerRejectsMissingFile(t *testing.T) {
	tmp := t.TempDir()
	manifest := `{
  "graphs": [
    {"name": "missing", "filename": "missing.onnx", "inputs": [], "outputs": []}
  ]
}`

	manifestPath := filepath.Join(tmp, "manifest.json")

	err := os.WriteFile(manifestPath, []byte(manifest), 0o644)
	if err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	_, err = NewSessionManager(manifestPath)
	if err == nil {
		t.Fatal("expected error for missing onnx file")
	}
}

func TestNewSessionManagerRejectsDuplicateName(t *testing.T) {
	tmp := t.TempDir()

	err := os.WriteFile(filepath.Join(tmp, "a.onnx"), []byte("a"), 0o644)
	if err != nil {
		t.Fatalf("write fake onnx file: %v", err)
	}

	manifest := `{"graphs":[
  {"name":"a","filename":"a.onnx","inputs":[],"outputs":[]},
  {"name":"a","filename":"a.onnx","inputs":[],"outputs":[]}
]}`

	manifestPath := filepath.Join(tmp, "manifest.json")

	err = os.WriteFile(manifestPath, []byte(manifest), 0o644)
	if err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	_, err = NewSessionManager(manifestPath)
	if err == nil {
		t.Fatal("expected error for duplicate graph name")
	}
}
