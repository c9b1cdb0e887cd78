package config

// LoadFromReaderEnv exposes the loader with an injected environment.
var LoadFromReaderEnv = loadFromReader
