package observability

import (
	"github.com/propreel/propreel/internal/observability/obsconfig"
)

// Config aliases obsconfig.Config; the definition lives in the obsconfig leaf
// package to keep the tracing sub-package free of an import cycle.
type Config = obsconfig.Config

var LoadConfig = obsconfig.LoadConfig
