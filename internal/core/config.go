package core

// EngineConfig holds limits for the JavaScript script backend.
type EngineConfig struct {
	MemoryLimitMB   int // per-VM memory limit, 0 for none
	MaxScriptSizeKB int // largest accepted script artifact, 0 for none
	MaxStackKB      int // JS call stack limit (QuickJS only), 0 for the engine default
}
