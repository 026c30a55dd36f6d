// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime control layer: viper-backed configuration with hot reload, zap
// logger construction, process-wide metrics and debug probes.
package control
