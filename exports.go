package localworker

import (
	"github.com/cryguy/localworker/internal/core"
	"github.com/cryguy/localworker/internal/journal"
	"github.com/cryguy/localworker/internal/listener"
	"github.com/cryguy/localworker/internal/protocol"
	"github.com/cryguy/localworker/internal/shim"
)

// Type aliases re-exporting internal types so Go scripts and callers can
// use localworker.Runtime, localworker.FetchEvent, etc. without importing
// the internal packages directly.

type Script = shim.Script
type ScriptFunc = shim.ScriptFunc
type Runtime = shim.Runtime
type FetchEvent = shim.FetchEvent
type FetchListener = shim.FetchListener
type Loader = shim.Loader
type LoaderFunc = shim.LoaderFunc
type Import = protocol.Import
type Env = shim.Env
type Console = shim.Console
type ResponseFunc = listener.ResponseFunc
type LogEntry = core.LogEntry
type BuildInfo = core.BuildInfo
type EngineConfig = core.EngineConfig
type RemoteError = protocol.Error
type JournalEntry = journal.Entry

// Log levels of LogEntry.
const (
	LevelDebug = core.LevelDebug
	LevelInfo  = core.LevelInfo
	LevelLog   = core.LevelLog
	LevelWarn  = core.LevelWarn
	LevelError = core.LevelError
)

// Errors a Runtime method can return.
var (
	ErrEnvReadOnly      = shim.ErrEnvReadOnly
	ErrUnknownSpecifier = shim.ErrUnknownSpecifier
)

// Functions re-exported from shim.
var (
	RegisterScript = shim.RegisterScript
	LookupScript   = shim.LookupScript
	ScriptNames    = shim.Scripts
	HTTPHandler    = shim.HTTPHandler
	DefaultBuild   = core.DefaultBuild
)
