//go:build !NODOWNLOAD

package qwenedit

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gomlx/go-huggingface/hub"
	"github.com/phuslu/log"

	"github.com/knights-analytics/qwenedit/util/fileutil"
)

// DownloadOptions is a struct of options that can be passed to DownloadModel.
type DownloadOptions struct {
	AuthToken             string
	VAEFilePath           string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	Verbose               bool
}

// NewDownloadOptions creates new DownloadOptions struct with default values.
// Override the values to specify different download options.
func NewDownloadOptions() DownloadOptions {
	d := DownloadOptions{}
	d.Branch = "main"
	d.MaxRetries = 5
	d.RetryInterval = 5
	d.ConcurrentConnections = 5
	return d
}

// LocalModelDir is the folder a repository is stored in under destination.
func LocalModelDir(destination, modelName string) string {
	modelP := modelName
	if strings.Contains(modelP, ":") {
		modelP = strings.Split(modelName, ":")[0]
	}
	return fileutil.PathJoinSafe(destination, strings.ReplaceAll(modelP, "/", "_"))
}

// DownloadModel downloads the tokenizer files of a Hugging Face repository, and
// the VAE encoder named by options.VAEFilePath if set. The repository must
// contain a tokenizer.json. It returns the local folder holding the files.
func (s *Session) DownloadModel(ctx context.Context, modelName string, destination string, options DownloadOptions) (string, error) {
	return DownloadModel(ctx, modelName, destination, options, s.options.Logger)
}

// DownloadModel is Session.DownloadModel without a session.
func DownloadModel(ctx context.Context, modelName string, destination string, options DownloadOptions, logger *log.Logger) (string, error) {
	if logger == nil {
		logger = &log.DefaultLogger
	}
	modelPath := LocalModelDir(destination, modelName)

	repo := hub.New(modelName)
	if options.AuthToken != "" {
		repo = repo.WithAuth(options.AuthToken)
	}
	if options.ConcurrentConnections > 0 {
		repo.MaxParallelDownload = options.ConcurrentConnections
	}
	if options.Verbose {
		repo.Verbosity = 1
		repo.WithProgressBar(true)
	} else {
		repo.Verbosity = 0
		repo.WithProgressBar(false)
	}
	if options.Branch != "" {
		repo.WithRevision(options.Branch)
	}

	downloadFiles, err := validateDownloadHfModel(repo, options, logger)
	if err != nil {
		return "", err
	}
	if err = fileutil.CreateDir(ctx, modelPath); err != nil {
		return "", err
	}

	for i := 0; i < options.MaxRetries; i++ {
		downloadPaths, downloadErr := repo.DownloadFiles(downloadFiles...)
		if downloadErr != nil {
			logger.Warn().Int("attempt", i+1).Int("max_retries", options.MaxRetries).Err(downloadErr).Str("model", modelName).Msg("download failed")
			if sleepErr := sleepContext(ctx, time.Duration(options.RetryInterval)*time.Second); sleepErr != nil {
				return "", sleepErr
			}
			continue
		}

		for j, downloadPath := range downloadPaths {
			truePath, symErr := filepath.EvalSymlinks(downloadPath)
			if symErr != nil {
				return "", symErr
			}
			copyErr := fileutil.CopyFile(ctx, truePath, fileutil.PathJoinSafe(modelPath, path.Base(downloadFiles[j])))
			if copyErr != nil {
				return "", copyErr
			}
		}

		logger.Info().Str("model", modelName).Str("path", modelPath).Msg("download completed")
		return modelPath, nil
	}

	return "", fmt.Errorf("failed to download %s after %d attempts", modelName, options.MaxRetries)
}

func validateDownloadHfModel(repo *hub.Repo, options DownloadOptions, logger *log.Logger) ([]string, error) {
	for i := 0; i < options.MaxRetries; i++ {
		err := repo.DownloadInfo(false)
		if err == nil {
			break
		}
		logger.Warn().Int("attempt", i+1).Int("max_retries", options.MaxRetries).Err(err).Msg("list repo failed")
		if i+1 == options.MaxRetries {
			return nil, err
		}
		time.Sleep(time.Duration(options.RetryInterval) * time.Second)
	}

	var names []string
	for fileName, err := range repo.IterFileNames() {
		if err != nil {
			return nil, err
		}
		names = append(names, fileName)
	}
	return selectDownloadFiles(names, options)
}

// selectDownloadFiles picks the tokenizer files, and the VAE encoder if one was
// requested, from a repository listing.
func selectDownloadFiles(names []string, options DownloadOptions) ([]string, error) {
	tokenizerPath := ""
	vaePath := ""
	var toDownload []string
	for _, fileName := range names {
		switch filepath.Base(fileName) {
		case "tokenizer.json":
			if tokenizerPath == "" || len(fileName) < len(tokenizerPath) {
				tokenizerPath = fileName
			}
		case "tokenizer_config.json", "special_tokens_map.json", "vocab.json", "merges.txt":
			toDownload = append(toDownload, fileName)
		}
		if options.VAEFilePath != "" && fileName == options.VAEFilePath {
			vaePath = fileName
		}
	}

	var errs []error
	if tokenizerPath == "" {
		errs = append(errs, errors.New("model does not have a tokenizer.json file"))
	}
	if options.VAEFilePath != "" {
		if vaePath == "" {
			errs = append(errs, fmt.Errorf("vae file not found at %s", options.VAEFilePath))
		} else if filepath.Ext(vaePath) != ".onnx" {
			errs = append(errs, fmt.Errorf("vae file %s is not an .onnx model", vaePath))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	files := append(toDownload, tokenizerPath)
	if vaePath != "" {
		files = append(files, vaePath)
	}
	return files, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
