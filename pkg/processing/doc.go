// Package processing runs caller-defined workers in separate processes.
//
// A worker is a Definition: a Loop hook plus optional Preloop, Postloop,
// OnFinish and Result hooks. A Manager starts each registered definition in
// a fresh copy of the running binary, which rebuilds the definition from its
// kind and encoded state and drives it with a Runner:
//
//	preloop -> loop -> postloop, repeated until a stop condition
//	on_finish -> result, unless the worker was killed
//
// Every section runs under its own time bound. A section error or timeout
// crashes the run; the Manager restarts crashed workers while the policy
// allows it and otherwise settles them as CRASHED. Results travel back
// through a one-shot pipe and are decoded with the Manager's codec.
//
// The binary must hand control to RunChild when IsChild reports true,
// before doing anything else.
package processing
