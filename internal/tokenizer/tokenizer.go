// Package tokenizer turns captions into SentencePiece token IDs for the
// ONNX text conditioner.
package tokenizer

// Tokenizer encodes a caption into SentencePiece token IDs.
type Tokenizer interface {
	// Encode tokenizes text and returns SentencePiece token IDs.
	Encode(text string) ([]int64, error)
}
