// Package main defines the ceremony coordinator entrypoint.
package main

import (
	"os"
	"runtime/debug"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/zkmpc/coordinator/cmd/coordinator/flags"
	"github.com/zkmpc/coordinator/coordinator/node"
	"github.com/zkmpc/coordinator/io/logs"
	"github.com/zkmpc/coordinator/runtime/version"
)

var log = logrus.WithField("prefix", "main")

func startNode(ctx *cli.Context) error {
	coordinator, err := node.New(ctx)
	if err != nil {
		return err
	}
	coordinator.Start()
	return nil
}

func main() {
	app := cli.App{}
	app.Name = "coordinator"
	app.Usage = "this is a coordinator for groth16 phase 2 trusted setup ceremonies"
	app.Action = startNode
	app.Version = version.GetVersion()
	app.Flags = flags.Flags

	app.Before = func(ctx *cli.Context) error {
		level, err := logrus.ParseLevel(ctx.String(flags.VerbosityFlag.Name))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		if logFileName := ctx.String(flags.LogFileName.Name); logFileName != "" {
			if err := logs.ConfigurePersistentLogging(logFileName); err != nil {
				log.WithError(err).Error("Failed to configuring logging to disk")
			}
		}
		return nil
	}

	defer func() {
		if x := recover(); x != nil {
			log.Errorf("Runtime panic: %v\n%v", x, string(debug.Stack()))
			panic(x)
		}
	}()

	if err := app.Run(os.Args); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}
