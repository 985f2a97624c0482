// Package logx is courtbot's logging layer on top of zerolog.
//
// Components hold a logx.Logger value and derive scoped loggers with With.
// The Service behind them owns the sinks (console, JSON file, alerts) and can
// swap them at runtime on config reload without callers noticing.
//
// Portal credentials never reach a sink in clear text: use Account for
// emails and Secret for anything password-like.
package logx
