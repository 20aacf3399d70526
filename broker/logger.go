package broker

import "github.com/BevzyukIvan/JSocialFlux/logger"

var log = logger.Named("broker")
