// Package configassets provides the embedded pipeline config template and
// batch script template for standalone binary behavior.
//
// Both are embedded at compile time so `psrpype init` and the job launcher
// work regardless of the working directory or installation location.
package configassets

import _ "embed"

// DefaultConfig is the template written to <root>/default.cfg by init. Its
// root placeholder is pipeconfig.RootPlaceholder.
//
//go:embed default.cfg
var DefaultConfig []byte

// SlurmJobTemplate is the text/template used for batch job scripts.
//
//go:embed slurm_job.tmpl
var SlurmJobTemplate string
