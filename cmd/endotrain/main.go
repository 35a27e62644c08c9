// Package main contains a command to train the endoscopic depth and
// ego-motion model ensemble.
package main

import (
	"context"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	"github.com/endovislab/sfmtrain/nets"
	"github.com/endovislab/sfmtrain/trainer"
)

var logger = golog.NewDevelopmentLogger("endotrain")

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	ConfigFile string `flag:"config,usage=path to a training options JSON file"`
	DataDir    string `flag:"data,usage=directory of sequential training frames"`
	ValDir     string `flag:"val,usage=directory of sequential validation frames"`
	Intrinsics string `flag:"intrinsics,usage=path to the camera intrinsics JSON"`
	Checkpoint string `flag:"checkpoint,usage=checkpoint folder to resume from"`
	Smoke      bool   `flag:"smoke,usage=run a short synthetic smoke schedule"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) error {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}

	opt := trainer.DefaultOptions()
	if argsParsed.ConfigFile != "" {
		var err error
		opt, err = trainer.LoadOptions(argsParsed.ConfigFile)
		if err != nil {
			return err
		}
	}

	var trainSrc, valSrc trainer.BatchSource
	switch {
	case argsParsed.Smoke:
		opt.Height, opt.Width = 64, 96
		opt.Scales = []int{0, 1}
		opt.FrameIDs = []int{0, -1, 1}
		opt.BatchSize = 1
		opt.NumEpochs = 1
		opt.LogFrequency = 2
		opt.SaveFrequency = 1
		trainSrc = trainer.NewSyntheticSource(opt, 1, 4)
		valSrc = trainer.NewSyntheticSource(opt, 2, 2)
	case argsParsed.DataDir != "":
		if argsParsed.Intrinsics == "" {
			return errors.New("an intrinsics file is required with a data directory")
		}
		var err error
		trainSrc, err = trainer.NewDirectorySource(opt, argsParsed.DataDir, argsParsed.Intrinsics)
		if err != nil {
			return err
		}
		if argsParsed.ValDir != "" {
			valSrc, err = trainer.NewDirectorySource(opt, argsParsed.ValDir, argsParsed.Intrinsics)
			if err != nil {
				return err
			}
		}
	default:
		return errors.New("either a data directory or -smoke is required")
	}

	ensemble := nets.NewStaticEnsemble(opt.Scales)
	t, err := trainer.New(opt, ensemble, trainSrc, valSrc, logger)
	if err != nil {
		return err
	}
	if argsParsed.Checkpoint != "" {
		if err := t.LoadCheckpoint(argsParsed.Checkpoint); err != nil {
			return err
		}
	}
	return t.Train(ctx)
}
