// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration model, runtime metrics and debug introspection for
// srp-ioloop.
//
// Provides:
//   - YAML daemon configuration with call-time validation
//   - Counter/gauge registry fed by the loop and its transports
//   - Named debug probes for state dumps
package control
