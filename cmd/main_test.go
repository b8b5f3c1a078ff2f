package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	_ "embed"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/knights-analytics/qwenedit"
	"github.com/knights-analytics/qwenedit/conditioning"
	"github.com/knights-analytics/qwenedit/host"
	"github.com/knights-analytics/qwenedit/options"
)

//go:embed testData/jobs.jsonl
var jobsData []byte

type wordCLIP struct{}

func (wordCLIP) Tokenize(text string, images []conditioning.Image, template string) (conditioning.Tokens, error) {
	full := host.ApplyTemplate(template, text)
	words := strings.Fields(full)
	return &host.TokenBatch{Text: full, IDs: make([]int, len(words)), Tokens: words, Images: images}, nil
}

func (wordCLIP) EncodeFromTokensScheduled(tokens conditioning.Tokens) (conditioning.Conditioning, error) {
	return conditioning.Conditioning{{Cond: tokens, Values: map[string]any{}}}, nil
}

func testSession(t *testing.T) *qwenedit.Session {
	t.Helper()
	verbose = false
	session, err := qwenedit.NewSession(options.WithLogger(newLogger()), options.WithTemplate("{}"))
	require.NoError(t, err)
	require.NoError(t, session.RegisterCLIP("words", wordCLIP{}))
	return session
}

func testApp(out *bytes.Buffer) (*cli.App, []string) {
	app := newApp()
	app.Writer = out
	return app, os.Args[0:1]
}

func TestDecodeJobs(t *testing.T) {
	jobs := make(chan qwenedit.Job, 10)
	require.NoError(t, decodeJobs(bytes.NewReader(jobsData), jobs))
	close(jobs)

	var decoded []qwenedit.Job
	for job := range jobs {
		decoded = append(decoded, job)
	}
	require.Len(t, decoded, 3)
	assert.Equal(t, "plain", decoded[0].ID)
	assert.Nil(t, decoded[0].Megapixels)
	require.NotNil(t, decoded[1].Megapixels)
	assert.InDelta(t, 0.25, *decoded[1].Megapixels, 1e-12)
	assert.Equal(t, "too-big", decoded[2].ID)

	jobs = make(chan qwenedit.Job, 1)
	err := decodeJobs(strings.NewReader("{not json}\n"), jobs)
	assert.ErrorContains(t, err, "line 1")
}

func TestReadJobsFromFolder(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(nested, os.ModePerm))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.jsonl"), jobsData, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(nested, "b.jsonl"), jobsData, 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("not jobs"), 0o600))

	jobs := make(chan qwenedit.Job, 10)
	require.NoError(t, readJobs(context.Background(), dir, jobs))
	close(jobs)
	n := 0
	for range jobs {
		n++
	}
	assert.Equal(t, 6, n)

	err := readJobs(context.Background(), filepath.Join(dir, "missing.jsonl"), make(chan qwenedit.Job))
	assert.ErrorContains(t, err, "does not exist")
}

func TestProcessJobs(t *testing.T) {
	session := testSession(t)
	tokenizerPath = "words"
	defer func() { tokenizerPath = "" }()

	jobs := make(chan qwenedit.Job, 10)
	require.NoError(t, decodeJobs(bytes.NewReader(jobsData), jobs))
	close(jobs)

	out := &bytes.Buffer{}
	require.NoError(t, processJobs(context.Background(), session, jobs, out, 3))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)

	results := map[string]output{}
	for _, line := range lines {
		var o output
		require.NoError(t, json.Unmarshal([]byte(line), &o))
		results[o.ID] = o
	}
	assert.Empty(t, results["plain"].Error)
	assert.Equal(t, "make the sky purple", results["plain"].Text)
	assert.Equal(t, 4, results["plain"].NumTokens)
	assert.Empty(t, results["quarter"].Error)
	assert.Contains(t, results["too-big"].Error, "vl_megapixels")
}

func TestNodesCommand(t *testing.T) {
	out := &bytes.Buffer{}
	app, baseArgs := testApp(out)
	require.NoError(t, app.Run(append(baseArgs, "nodes")))

	var info map[string]map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	node, ok := info["TextEncodeQwenImageEditAdvanced"]
	require.True(t, ok)
	assert.Equal(t, "conditioning/qwen_image_edit", node["category"])
}

func TestEncodeCommandValidation(t *testing.T) {
	out := &bytes.Buffer{}
	app, baseArgs := testApp(out)

	err := app.Run(append(baseArgs, "encode", "--prompt=hello"))
	assert.ErrorContains(t, err, "tokenizer")

	err = app.Run(append(baseArgs, "encode", "--tokenizer=words", "--labeling=alphabetical"))
	assert.Error(t, err)

	err = app.Run(append(baseArgs, "encode", "--tokenizer=words", "--method=bislerp"))
	assert.ErrorContains(t, err, "bislerp")
	assert.Empty(t, out.String())
}

func TestRunCommandMissingInput(t *testing.T) {
	out := &bytes.Buffer{}
	app, baseArgs := testApp(out)
	err := app.Run(append(baseArgs, "run", "--input="+filepath.Join(t.TempDir(), "nope.jsonl")))
	assert.ErrorContains(t, err, "does not exist")
}
