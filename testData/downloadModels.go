package main

import (
	"context"
	"os"

	"github.com/knights-analytics/qwenedit"
	"github.com/knights-analytics/qwenedit/util/checks"
	"github.com/knights-analytics/qwenedit/util/fileutil"
)

// download the tokenizers used for manual end to end runs.

type downloadModel struct {
	name        string
	vaeFilePath string
}

var models = []downloadModel{
	{"Qwen/Qwen2.5-VL-7B-Instruct", ""},
}

func main() {
	ctx := context.Background()
	ok, err := fileutil.FileExists(ctx, "./models")
	checks.Check(err)
	if ok {
		return
	}
	checks.Check(os.MkdirAll("./models", os.ModePerm))

	for _, m := range models {
		options := qwenedit.NewDownloadOptions()
		options.VAEFilePath = m.vaeFilePath
		options.AuthToken = os.Getenv("HF_TOKEN")
		_, err := qwenedit.DownloadModel(ctx, m.name, "./models", options, nil)
		checks.CheckWithMessage(err, "download "+m.name)
	}
}
