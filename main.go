package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/BevzyukIvan/JSocialFlux/cmd"
	"github.com/BevzyukIvan/JSocialFlux/logger"
)

func main() {
	err := cmd.Execute()
	if err != nil {
		logger.L().Error("gateway failed", zap.Error(err))
	}
	logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}
