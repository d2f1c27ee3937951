// Package config provides the YAML configuration for the idfixd daemon.
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/idfixd/config.yaml or $HOME/.config/idfixd/config.yaml
//   - macOS: $HOME/.config/idfixd/config.yaml
//   - Windows: %LOCALAPPDATA%\idfixd\config.yaml
//
// A missing file is not an error; the defaults are used. Identity material
// (certificate and private key) is referenced by file path, never embedded
// in the configuration itself.
package config
