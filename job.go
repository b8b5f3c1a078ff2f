package qwenedit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/knights-analytics/qwenedit/conditioning"
	"github.com/knights-analytics/qwenedit/host"
	"github.com/knights-analytics/qwenedit/nodes"
	"github.com/knights-analytics/qwenedit/util/fileutil"
	"github.com/knights-analytics/qwenedit/util/imageutil"
)

// Job describes one encode request. Images holds up to three paths, one per
// slot; an empty path leaves the slot unset.
type Job struct {
	ID         string   `json:"id"`
	Prompt     string   `json:"prompt"`
	Megapixels *float64 `json:"vl_megapixels,omitempty"`
	Images     []string `json:"images,omitempty"`
	Tokenizer  string   `json:"tokenizer"`
	VAE        string   `json:"vae,omitempty"`
	OutputDir  string   `json:"output_dir,omitempty"`
}

// SlotResult describes one present image of a job.
type SlotResult struct {
	Slot         int     `json:"slot"`
	Label        int     `json:"label"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	TargetPixels int     `json:"target_pixels"`
	Scale        float64 `json:"scale"`
	VLWidth      int     `json:"vl_width"`
	VLHeight     int     `json:"vl_height"`
	VLImagePath  string  `json:"vl_image,omitempty"`
	HasLatent    bool    `json:"has_latent"`
}

// JobResult summarises the conditioning built for a job.
type JobResult struct {
	ID               string       `json:"id,omitempty"`
	Text             string       `json:"text"`
	NumTokens        int          `json:"num_tokens"`
	Slots            []SlotResult `json:"slots"`
	ReferenceLatents int          `json:"reference_latents"`

	Conditioning conditioning.Conditioning `json:"-"`
}

// Run loads the job's inputs and builds its conditioning through the node's
// argument handling, so defaults and bounds apply exactly as in a graph.
func (s *Session) Run(ctx context.Context, job Job) (*JobResult, error) {
	if len(job.Images) > conditioning.NumImageSlots {
		return nil, fmt.Errorf("%w: %d images given, at most %d slots", nodes.ErrInvalidInput, len(job.Images), conditioning.NumImageSlots)
	}

	clip, err := s.CLIP(ctx, job.Tokenizer)
	if err != nil {
		return nil, err
	}
	args := map[string]any{"clip": clip, "prompt": job.Prompt}
	if job.Megapixels != nil {
		args["vl_megapixels"] = *job.Megapixels
	}
	if job.VAE != "" {
		vae, err := s.VAE(ctx, job.VAE)
		if err != nil {
			return nil, err
		}
		args["vae"] = vae
	}
	for i, path := range job.Images {
		if path == "" {
			continue
		}
		img, err := imageutil.LoadTensor(ctx, path, false)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i+1, err)
		}
		args[fmt.Sprintf("image%d", i+1)] = img
	}

	nodeCLIP, in, err := nodes.ParseArgs(args)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	cond, report, err := s.builder.EncodeWithReport(nodeCLIP, in)
	if err != nil {
		return nil, err
	}
	s.encodeTimings.record(start)
	atomic.AddUint64(&s.imageCount, uint64(len(report.Slots)))
	atomic.AddUint64(&s.latentCount, uint64(len(report.ReferenceLatents)))

	result := &JobResult{ID: job.ID, Text: report.PromptText, Conditioning: cond}
	if len(cond) > 0 {
		if batch, ok := cond[0].Cond.(*host.TokenBatch); ok {
			result.Text = batch.Text
			result.NumTokens = len(batch.IDs)
		}
		if latents, ok := cond.Get(0, conditioning.ReferenceLatentsKey); ok {
			if l, ok := latents.([]any); ok {
				result.ReferenceLatents = len(l)
			}
		}
	}

	if job.OutputDir != "" {
		if err = fileutil.CreateDir(ctx, job.OutputDir); err != nil {
			return nil, err
		}
	}
	var errs []error
	for i, slot := range report.Slots {
		sr := SlotResult{
			Slot:         slot.Slot,
			Label:        slot.Label,
			Width:        slot.OriginalWidth,
			Height:       slot.OriginalHeight,
			TargetPixels: slot.Rescale.TargetPixels,
			Scale:        slot.Rescale.Scale,
			VLWidth:      slot.Rescale.Width,
			VLHeight:     slot.Rescale.Height,
			HasLatent:    slot.HasLatent,
		}
		if job.OutputDir != "" {
			sr.VLImagePath, err = writeVLImage(ctx, job, slot.Slot, report.VLImages[i])
			errs = append(errs, err)
		}
		result.Slots = append(result.Slots, sr)
	}
	return result, errors.Join(errs...)
}

func writeVLImage(ctx context.Context, job Job, slot int, img conditioning.Image) (string, error) {
	t, err := imageutil.AsTensor(img)
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("vl-%d.png", slot)
	if job.ID != "" {
		name = job.ID + "-" + name
	}
	path := fileutil.PathJoinSafe(job.OutputDir, name)
	if err = imageutil.WritePNG(ctx, t, 0, path); err != nil {
		return "", fmt.Errorf("image %d: %w", slot, err)
	}
	return path, nil
}
