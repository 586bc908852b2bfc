package onnx

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/go-audio-edit/internal/diffusion"
	"github.com/example/go-audio-edit/internal/runtime/tensor"
	"github.com/example/go-audio-edit/internal/tokenizer"
)

// maxCaptionTokens caps caption length before padding. Longer captions are
// truncated, matching the text encoder's position budget.
const maxCaptionTokens = 512

// EncodeText runs the text_conditioner graph on one padded token batch.
//
// Inputs: input_ids and attention_mask, both [B, seq] int64
// Outputs: prompt_embeds [B, seq, dim] and generated_prompt_embeds
// [B, auxSeq, auxDim], the projected sequence the denoiser attends to.
func (e *Engine) EncodeText(ctx context.Context, inputIDs, attnMask *Tensor) (textEmbeds, auxEmbeds *Tensor, err error) {
	runner, ok := e.runners[GraphTextConditioner]
	if !ok {
		return nil, nil, errors.New("text_conditioner graph not found in manifest")
	}

	outputs, err := runner.Run(ctx, map[string]*Tensor{
		"input_ids":      inputIDs,
		"attention_mask": attnMask,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("text_conditioner: run: %w", err)
	}

	textEmbeds, ok = outputs["prompt_embeds"]
	if !ok {
		return nil, nil, errors.New("text_conditioner: missing 'prompt_embeds' in output")
	}

	auxEmbeds, ok = outputs["generated_prompt_embeds"]
	if !ok {
		return nil, nil, errors.New("text_conditioner: missing 'generated_prompt_embeds' in output")
	}

	return textEmbeds, auxEmbeds, nil
}

// CaptionConditioner tokenizes captions and runs the text_conditioner graph.
// Under guidance it embeds the negative prompt for the unconditional branch
// and stacks it ahead of the caption batch, so the sampler's split-and-compose
// sees the halves in the order it expects.
type CaptionConditioner struct {
	engine   *Engine
	tok      tokenizer.Tokenizer
	negative string
}

// NewCaptionConditioner wires the engine's text graph to a tokenizer. The
// negative prompt feeds the unconditional branch; empty means the model's
// plain unconditional embedding.
func NewCaptionConditioner(engine *Engine, tok tokenizer.Tokenizer, negativePrompt string) (*CaptionConditioner, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}

	if tok == nil {
		return nil, errors.New("tokenizer is required")
	}

	return &CaptionConditioner{engine: engine, tok: tok, negative: negativePrompt}, nil
}

// Embed turns captions into the conditioning bundle. With guided set, the
// returned batch is doubled: negative-prompt rows first, caption rows second.
func (c *CaptionConditioner) Embed(ctx context.Context, texts []string, guided bool) (diffusion.Conditioning, error) {
	if len(texts) == 0 {
		return diffusion.Conditioning{}, errors.New("text_conditioner: at least one caption is required")
	}

	pos, err := c.tokenizeAll(texts)
	if err != nil {
		return diffusion.Conditioning{}, err
	}

	var neg [][]int64
	if guided {
		negTexts := make([]string, len(texts))
		for i := range negTexts {
			negTexts[i] = c.negative
		}

		neg, err = c.tokenizeAll(negTexts)
		if err != nil {
			return diffusion.Conditioning{}, err
		}
	}

	// Both halves pad to one shared length so the batch concat lines up.
	seqLen := longestSequence(pos, neg)

	posIDs, posMask, err := padBatch(pos, seqLen)
	if err != nil {
		return diffusion.Conditioning{}, err
	}

	posText, posAux, err := c.engine.EncodeText(ctx, posIDs, posMask)
	if err != nil {
		return diffusion.Conditioning{}, err
	}

	if !guided {
		return buildConditioning(posText, posAux, posMask)
	}

	negIDs, negMask, err := padBatch(neg, seqLen)
	if err != nil {
		return diffusion.Conditioning{}, err
	}

	negText, negAux, err := c.engine.EncodeText(ctx, negIDs, negMask)
	if err != nil {
		return diffusion.Conditioning{}, err
	}

	textT, err := ConcatBatch(negText, posText)
	if err != nil {
		return diffusion.Conditioning{}, fmt.Errorf("text_conditioner: stack prompt_embeds: %w", err)
	}

	auxT, err := ConcatBatch(negAux, posAux)
	if err != nil {
		return diffusion.Conditioning{}, fmt.Errorf("text_conditioner: stack generated_prompt_embeds: %w", err)
	}

	maskT, err := concatMasks(negMask, posMask)
	if err != nil {
		return diffusion.Conditioning{}, fmt.Errorf("text_conditioner: stack attention_mask: %w", err)
	}

	return buildConditioning(textT, auxT, maskT)
}

func (c *CaptionConditioner) tokenizeAll(texts []string) ([][]int64, error) {
	out := make([][]int64, len(texts))

	for i, text := range texts {
		ids, err := c.tok.Encode(text)
		if err != nil {
			return nil, fmt.Errorf("text_conditioner: tokenize caption %d: %w", i, err)
		}

		if len(ids) > maxCaptionTokens {
			ids = ids[:maxCaptionTokens]
		}

		out[i] = ids
	}

	return out, nil
}

// longestSequence returns the longest token count across both halves, never
// below one so empty captions still produce a valid padded row.
func longestSequence(groups ...[][]int64) int {
	longest := 1

	for _, g := range groups {
		for _, seq := range g {
			if len(seq) > longest {
				longest = len(seq)
			}
		}
	}

	return longest
}

// padBatch right-pads token sequences with id 0 to seqLen and returns the id
// and mask tensors, both [B, seqLen] int64.
func padBatch(seqs [][]int64, seqLen int) (ids, mask *Tensor, err error) {
	batch := len(seqs)
	idData := make([]int64, batch*seqLen)
	maskData := make([]int64, batch*seqLen)

	for i, seq := range seqs {
		row := i * seqLen
		for j, id := range seq {
			idData[row+j] = id
			maskData[row+j] = 1
		}
	}

	shape := []int64{int64(batch), int64(seqLen)}

	ids, err = NewTensor(idData, shape)
	if err != nil {
		return nil, nil, fmt.Errorf("text_conditioner: input_ids: %w", err)
	}

	mask, err = NewTensor(maskData, shape)
	if err != nil {
		return nil, nil, fmt.Errorf("text_conditioner: attention_mask: %w", err)
	}

	return ids, mask, nil
}

func concatMasks(a, b *Tensor) (*Tensor, error) {
	aData, err := ExtractInt64(a)
	if err != nil {
		return nil, err
	}

	bData, err := ExtractInt64(b)
	if err != nil {
		return nil, err
	}

	aShape := a.Shape()
	outShape := append([]int64{aShape[0] + b.Shape()[0]}, aShape[1:]...)

	return NewTensor(append(aData, bData...), outShape)
}

// buildConditioning converts graph tensors to the sampler's float32 bundle.
func buildConditioning(text, aux, mask *Tensor) (diffusion.Conditioning, error) {
	textCore, err := tensorToCore(text)
	if err != nil {
		return diffusion.Conditioning{}, fmt.Errorf("text_conditioner: prompt_embeds: %w", err)
	}

	auxCore, err := tensorToCore(aux)
	if err != nil {
		return diffusion.Conditioning{}, fmt.Errorf("text_conditioner: generated_prompt_embeds: %w", err)
	}

	maskData, err := ExtractInt64(mask)
	if err != nil {
		return diffusion.Conditioning{}, fmt.Errorf("text_conditioner: attention_mask: %w", err)
	}

	maskFloats := make([]float32, len(maskData))
	for i, v := range maskData {
		maskFloats[i] = float32(v)
	}

	maskCore, err := tensor.New(maskFloats, mask.Shape())
	if err != nil {
		return diffusion.Conditioning{}, fmt.Errorf("text_conditioner: attention_mask: %w", err)
	}

	return diffusion.Conditioning{
		TextEmbeds: textCore,
		AttnMask:   maskCore,
		AuxEmbeds:  auxCore,
	}, nil
}
