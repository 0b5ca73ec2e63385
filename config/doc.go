// Package config loads the engine's configuration.
//
// Configuration is built in layers: compiled-in defaults, then each file
// added with AddLayer (JSON or YAML, chosen by extension), then environment
// variables prefixed with AGROTIC_. Later layers override only the keys they
// set. Durations accept Go duration strings such as "10s".
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.yaml")
//	loader.AddLayer("configs/production.json")
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		log.Fatal(err)
//	}
//
// SafeConfig wraps a Config for concurrent readers; Get returns a deep copy.
package config
