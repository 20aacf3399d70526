package websocket

import "github.com/BevzyukIvan/JSocialFlux/logger"

// This file provides a package-level logger for the websocket package
var log = logger.Named("websocket")
