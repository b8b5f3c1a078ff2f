// Package conditioning builds the text+image conditioning for Qwen-Image-Edit style
// diffusion models. Resizing, tokenization, text encoding and VAE encoding are
// performed by host collaborators behind the interfaces declared here.
package conditioning

import "errors"

// NumImageSlots is the number of optional image inputs.
const NumImageSlots = 3

// ReferenceLatentsKey is the conditioning value the VAE latents are appended to.
const ReferenceLatentsKey = "reference_latents"

var (
	ErrZeroArea          = errors.New("image has zero area")
	ErrInvalidMegapixels = errors.New("megapixels must be a positive finite number")
	ErrAppendType        = errors.New("cannot append conditioning value")
)

// Dims are the dimensions of an IMAGE batch.
type Dims struct {
	Batch    int
	Height   int
	Width    int
	Channels int
}

// Image is a host image handle. Only its dimensions are read; pixels are
// interpreted by the collaborators.
type Image interface {
	Dims() Dims
}

// Latent is an opaque VAE encoding.
type Latent = any

// Tokens is the opaque output of CLIP.Tokenize.
type Tokens = any

// ImageOps resizes and slices host images.
type ImageOps interface {
	// CommonUpscale resizes img to width x height with the given method and crop mode.
	CommonUpscale(img Image, width, height int, method, crop string) (Image, error)
	// DropAlpha returns img restricted to its first three channels.
	DropAlpha(img Image) (Image, error)
}

// CLIP is the vision-language tokenizer and text encoder.
type CLIP interface {
	Tokenize(text string, images []Image, template string) (Tokens, error)
	EncodeFromTokensScheduled(tokens Tokens) (Conditioning, error)
}

// VAE encodes pixels to latents.
type VAE interface {
	Encode(img Image) (Latent, error)
}

// Inputs are the arguments of one encode call. Nil images and a nil VAE are absent.
type Inputs struct {
	Prompt     string
	Megapixels float64
	VAE        VAE
	Images     [NumImageSlots]Image
}
