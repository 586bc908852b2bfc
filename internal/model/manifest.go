package model

import "fmt"

// DefaultRepo hosts the ONNX export of the editing model. The large variant
// is what the reference checkpoints were produced from.
const DefaultRepo = "cvssp/audioldm2-large"

type Manifest struct {
	Repo  string      `json:"repo"`
	Files []ModelFile `json:"files"`
}

type ModelFile struct {
	Filename string `json:"filename"`
	Revision string `json:"revision"`
	SHA256   string `json:"sha256"`
}

// bundleFiles is the file set shared by every pinned repo: the graph
// manifest, the five ONNX graphs, and the sentencepiece tokenizer.
// Checksums are resolved from HF metadata on first download and then
// persisted into a local lock manifest.
func bundleFiles(revision string) []ModelFile {
	names := []string{
		"manifest.json",
		"vae_encoder.onnx",
		"vae_decoder.onnx",
		"unet.onnx",
		"text_conditioner.onnx",
		"vocoder.onnx",
		"tokenizer.model",
	}

	files := make([]ModelFile, 0, len(names))
	for _, name := range names {
		files = append(files, ModelFile{Filename: name, Revision: revision, SHA256: ""})
	}

	return files
}

func PinnedManifest(repo string) (Manifest, error) {
	switch repo {
	case "cvssp/audioldm2-large":
		return Manifest{Repo: repo, Files: bundleFiles("main")}, nil
	case "cvssp/audioldm2":
		return Manifest{Repo: repo, Files: bundleFiles("main")}, nil
	default:
		return Manifest{}, fmt.Errorf("no pinned manifest for repo %q", repo)
	}
}
