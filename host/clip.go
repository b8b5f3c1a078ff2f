// Package host provides collaborators for running the conditioning builder
// outside a node graph host: a tokenizer-backed CLIP and an ONNX VAE encoder.
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"

	"github.com/knights-analytics/qwenedit/conditioning"
	"github.com/knights-analytics/qwenedit/util/fileutil"
)

// ImagePadToken is replaced by the vision tokens of one image.
const ImagePadToken = "<|image_pad|>"

var ErrImageCount = errors.New("image placeholders do not match images")

// TokenBatch is the tokenized prompt together with the images its placeholders refer to.
type TokenBatch struct {
	Text   string
	IDs    []int
	Tokens []string
	Images []conditioning.Image
}

// CLIP tokenizes prompts with a Hugging Face tokenizer.json. It performs no text
// encoding: EncodeFromTokensScheduled wraps the token batch as the conditioning
// payload so a downstream text model can consume it.
type CLIP struct {
	encode func(text string) ([]int, []string, error)
}

var _ conditioning.CLIP = (*CLIP)(nil)

// NewCLIP wraps a loaded tokenizer.
func NewCLIP(tk *tokenizer.Tokenizer) *CLIP {
	return &CLIP{encode: func(text string) ([]int, []string, error) {
		enc, err := tk.EncodeSingle(text, false)
		if err != nil {
			return nil, nil, err
		}
		return enc.Ids, enc.Tokens, nil
	}}
}

// LoadCLIP reads a tokenizer.json from a local or s3:// path.
func LoadCLIP(ctx context.Context, path string) (*CLIP, error) {
	b, err := fileutil.ReadFileBytes(ctx, path)
	if err != nil {
		return nil, err
	}
	tk, err := pretrained.FromReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}
	return NewCLIP(tk), nil
}

// ApplyTemplate substitutes text for the first "{}" of template. An empty template
// leaves text as is.
func ApplyTemplate(template, text string) string {
	if template == "" {
		return text
	}
	return strings.Replace(template, "{}", text, 1)
}

func (c *CLIP) Tokenize(text string, images []conditioning.Image, template string) (conditioning.Tokens, error) {
	full := ApplyTemplate(template, text)
	if n := strings.Count(full, ImagePadToken); n != len(images) {
		return nil, fmt.Errorf("%w: %d placeholders, %d images", ErrImageCount, n, len(images))
	}
	ids, tokens, err := c.encode(full)
	if err != nil {
		return nil, err
	}
	return &TokenBatch{Text: full, IDs: ids, Tokens: tokens, Images: images}, nil
}

func (c *CLIP) EncodeFromTokensScheduled(tokens conditioning.Tokens) (conditioning.Conditioning, error) {
	batch, ok := tokens.(*TokenBatch)
	if !ok {
		return nil, fmt.Errorf("expected *TokenBatch, got %T", tokens)
	}
	return conditioning.Conditioning{{Cond: batch, Values: map[string]any{}}}, nil
}
