package main

import (
	"context"
	"os"

	"github.com/facebookincubator/go-belt"
	"github.com/facebookincubator/go-belt/tool/logger"
	"github.com/facebookincubator/go-belt/tool/logger/implementation/logrus"
	"github.com/thesyncim/hwenc/cmd/hwencctl/commands"
)

func main() {
	l := logrus.Default().WithLevel(logger.LevelTrace)
	ctx := logger.CtxWithLogger(context.Background(), l)
	defer belt.Flush(ctx)

	if err := commands.Root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
