package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/phuslu/log"
	"github.com/urfave/cli/v2"
	"github.com/viant/afs/storage"

	"github.com/knights-analytics/qwenedit"
	"github.com/knights-analytics/qwenedit/nodes"
	"github.com/knights-analytics/qwenedit/options"
	"github.com/knights-analytics/qwenedit/util/fileutil"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var tokenizerPath string
var vaePath string
var inputPath string
var outputPath string
var prompt string
var imagePaths [3]string
var megapixels float64
var labeling string
var upscaleMethod string
var cropMode string
var nWorkers int
var verbose bool
var modelName string
var modelsDir string
var vaeFile string

var sessionFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "tokenizer",
		Usage:       "Path to a tokenizer.json, local or s3://",
		Aliases:     []string{"t"},
		Destination: &tokenizerPath,
	},
	&cli.StringFlag{
		Name:        "vae",
		Usage:       "Path to an ONNX VAE encoder. Without it no reference latents are produced",
		Destination: &vaePath,
	},
	&cli.StringFlag{
		Name:        "labeling",
		Usage:       "How images are numbered in the prompt: slot or position",
		Destination: &labeling,
		Value:       options.LabelBySlot.String(),
	},
	&cli.StringFlag{
		Name:        "method",
		Usage:       "Upscale method for the vision-language copy",
		Destination: &upscaleMethod,
		Value:       options.UpscaleArea,
	},
	&cli.StringFlag{
		Name:        "crop",
		Usage:       "Crop mode for the vision-language copy: disabled or center",
		Destination: &cropMode,
		Value:       options.CropDisabled,
	},
	&cli.BoolFlag{
		Name:        "verbose",
		Usage:       "Log every resize",
		Aliases:     []string{"v"},
		Destination: &verbose,
	},
}

var encodeCommand = &cli.Command{
	Name:  "encode",
	Usage: "Build the conditioning for one prompt and up to three images",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:        "prompt",
			Usage:       "Edit instruction",
			Aliases:     []string{"p"},
			Destination: &prompt,
		},
		&cli.StringFlag{Name: "image1", Usage: "Image for slot 1", Destination: &imagePaths[0]},
		&cli.StringFlag{Name: "image2", Usage: "Image for slot 2", Destination: &imagePaths[1]},
		&cli.StringFlag{Name: "image3", Usage: "Image for slot 3", Destination: &imagePaths[2]},
		&cli.Float64Flag{
			Name:        "megapixels",
			Usage:       "Target megapixels for the vision-language copy of each image",
			Aliases:     []string{"m"},
			Destination: &megapixels,
			Value:       nodes.DefaultMegapixels,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Folder where the resized vision-language images are written",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
	}, sessionFlags...),
	Action: func(ctx *cli.Context) (err error) {
		session, err := newSession()
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, session.Destroy()) }()

		mp := megapixels
		result, err := session.Run(ctx.Context, qwenedit.Job{
			Prompt:     prompt,
			Megapixels: &mp,
			Images:     imagePaths[:],
			Tokenizer:  tokenizerPath,
			VAE:        vaePath,
			OutputDir:  outputPath,
		})
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(ctx.App.Writer, string(out))
		return err
	},
}

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "Encode a batch of jobs read as jsonl",
	Description: `Run expects a path to a file with jobs in .jsonl format, or a folder with .jsonl files. Each line must be of the format
				{"id": "...", "prompt": "...", "images": ["a.png", "", "c.png"], "vl_megapixels": 0.5, "tokenizer": "...", "vae": "...", "output_dir": "..."}
				tokenizer and vae fall back to the --tokenizer and --vae flags.
				`,
	ArgsUsage: `
				--input: path to a .jsonl file or a folder with .jsonl files to process. If omitted, the input will be read from stdin.
				--output: path to a folder where to write the results. If omitted, the results will be sent to stdout.
				`,
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:        "input",
			Usage:       "Path to the jobs",
			Aliases:     []string{"i"},
			Destination: &inputPath,
		},
		&cli.StringFlag{
			Name:        "output",
			Usage:       "Path to output",
			Aliases:     []string{"o"},
			Destination: &outputPath,
		},
		&cli.IntFlag{
			Name:        "workers",
			Usage:       "Number of jobs processed concurrently",
			Aliases:     []string{"w"},
			Destination: &nWorkers,
			Value:       1,
		},
	}, sessionFlags...),
	Action: func(ctx *cli.Context) (err error) {
		session, err := newSession()
		if err != nil {
			return err
		}
		defer func() { err = errors.Join(err, session.Destroy()) }()

		var writer io.WriteCloser
		if outputPath != "" {
			writer, err = fileutil.NewFileWriter(ctx.Context, fileutil.PathJoinSafe(outputPath, "result-0.jsonl"))
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, writer.Close()) }()
		} else {
			writer = nopCloser{ctx.App.Writer}
		}

		jobs := make(chan qwenedit.Job, 1000)
		var readErr error
		go func() {
			defer close(jobs)
			readErr = readJobs(ctx.Context, inputPath, jobs)
		}()

		processErr := processJobs(ctx.Context, session, jobs, writer, max(1, nWorkers))
		if verbose {
			for _, line := range session.GetStats() {
				session.Builder().Options().Logger.Info().Msg(line)
			}
		}
		return errors.Join(readErr, processErr)
	},
}

var nodesCommand = &cli.Command{
	Name:  "nodes",
	Usage: "Print the node definitions in object_info format",
	Action: func(ctx *cli.Context) error {
		out, err := nodes.ObjectInfo()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(ctx.App.Writer, string(out))
		return err
	},
}

var downloadCommand = &cli.Command{
	Name:  "download",
	Usage: "Download a tokenizer, and optionally a VAE encoder, from Hugging Face",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Usage:       "Hugging Face repository name",
			Aliases:     []string{"p"},
			Destination: &modelName,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "modelFolder",
			Usage:       "Folder where to store downloaded models. Falls back to $HOME/qwenedit/models if not specified",
			Aliases:     []string{"f"},
			Destination: &modelsDir,
		},
		&cli.StringFlag{
			Name:        "vaeFile",
			Usage:       "Path of an .onnx VAE encoder inside the repository",
			Destination: &vaeFile,
		},
		&cli.StringFlag{
			Name:    "token",
			Usage:   "Hugging Face access token",
			EnvVars: []string{"HF_TOKEN"},
		},
	},
	Action: func(ctx *cli.Context) error {
		if modelsDir == "" {
			userDir, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			modelsDir = fileutil.PathJoinSafe(userDir, "qwenedit", "models")
		}
		downloadOptions := qwenedit.NewDownloadOptions()
		downloadOptions.AuthToken = ctx.String("token")
		downloadOptions.VAEFilePath = vaeFile
		downloadOptions.Verbose = isatty.IsTerminal(os.Stderr.Fd())
		modelPath, err := qwenedit.DownloadModel(ctx.Context, modelName, modelsDir, downloadOptions, newLogger())
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(ctx.App.Writer, modelPath)
		return err
	},
}

func newApp() *cli.App {
	return &cli.App{
		Name:     "qwenedit",
		Usage:    "Qwen-Image-Edit conditioning from the command line",
		Commands: []*cli.Command{encodeCommand, runCommand, nodesCommand, downloadCommand},
	}
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *log.Logger {
	level := log.WarnLevel
	if verbose {
		level = log.InfoLevel
	}
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return &log.Logger{Level: level, Writer: &log.ConsoleWriter{ColorOutput: true, Writer: os.Stderr}}
	}
	return &log.Logger{Level: level, Writer: &log.IOWriter{Writer: os.Stderr}}
}

func newSession() (*qwenedit.Session, error) {
	parsedLabeling, err := options.ParseLabeling(labeling)
	if err != nil {
		return nil, err
	}
	return qwenedit.NewSession(
		options.WithLogger(newLogger()),
		options.WithLabeling(parsedLabeling),
		options.WithUpscaleMethod(upscaleMethod),
		options.WithCrop(cropMode),
	)
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

type output struct {
	*qwenedit.JobResult
	Error string `json:"error,omitempty"`
}

// readJobs sends the jobs found at path to jobs. An empty path reads stdin when
// it is not a terminal.
func readJobs(ctx context.Context, path string, jobs chan<- qwenedit.Job) error {
	if path == "" {
		if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			return decodeJobs(os.Stdin, jobs)
		}
		return nil
	}

	exists, err := fileutil.FileExists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("file %s does not exist", path)
	}
	var walker storage.OnVisit = func(ctx context.Context, baseURL, parent string, info os.FileInfo, reader io.Reader) (toContinue bool, err error) {
		if filepath.Ext(info.Name()) == ".jsonl" {
			if err := decodeJobs(reader, jobs); err != nil {
				return false, fmt.Errorf("%s: %w", info.Name(), err)
			}
		}
		return true, nil
	}
	return fileutil.Walk(ctx, path, walker)
}

func decodeJobs(r io.Reader, jobs chan<- qwenedit.Job) error {
	reader := bufio.NewReader(r)
	for lineNo := 1; ; lineNo++ {
		line, err := fileutil.ReadLine(reader)
		if len(line) > 0 {
			var job qwenedit.Job
			if unmarshalErr := json.Unmarshal(line, &job); unmarshalErr != nil {
				return fmt.Errorf("line %d: %w", lineNo, unmarshalErr)
			}
			jobs <- job
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// processJobs runs jobs on nWorkers goroutines and writes one jsonl result per
// job. Failed jobs are reported in the result's error field.
func processJobs(ctx context.Context, session *qwenedit.Session, jobs <-chan qwenedit.Job, writer io.Writer, nWorkers int) error {
	processed := make(chan []byte, 1000)
	var processWg sync.WaitGroup
	for range nWorkers {
		processWg.Add(1)
		go func() {
			defer processWg.Done()
			for job := range jobs {
				if job.Tokenizer == "" {
					job.Tokenizer = tokenizerPath
				}
				if job.VAE == "" {
					job.VAE = vaePath
				}
				result, err := session.Run(ctx, job)
				out := output{JobResult: result}
				if result == nil {
					out.JobResult = &qwenedit.JobResult{ID: job.ID}
				}
				if err != nil {
					out.Error = err.Error()
				}
				b, err := json.Marshal(out)
				if err != nil {
					b, _ = json.Marshal(output{JobResult: &qwenedit.JobResult{ID: job.ID}, Error: err.Error()})
				}
				processed <- b
			}
		}()
	}
	go func() {
		processWg.Wait()
		close(processed)
	}()

	var writeErr error
	for b := range processed {
		if writeErr != nil {
			continue
		}
		if _, err := writer.Write(append(b, '\n')); err != nil {
			writeErr = err
		}
	}
	return writeErr
}
