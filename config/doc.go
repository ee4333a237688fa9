// Package config loads the YAML configuration of a robolink gateway.
//
// Values are layered as defaults, then the file, then ROBOLINK_<SECTION>_<KEY> environment
// variables, and the result is validated:
//
//	cfg, err := config.Load("robolink.yaml")
//	if err != nil {
//		return err
//	}
//	opts, err := cfg.ManagerOptions(cfg.NewLogger())
//
// Watch reloads the file when it changes. Only the options returned by
// RuntimeLinkOptions can be applied to live connections.
package config
