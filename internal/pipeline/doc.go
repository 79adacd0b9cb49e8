// Package pipeline describes and runs ordered sequences of image operations.
//
// A Description is usually produced by Parse or Load from a JSON document.
// An Executor validates it against an operation registry, then runs the
// steps one after another. Each step works on the output of the previous one,
// restricted to its own region of interest or, when it has none, the
// pipeline's default region.
//
// Runs are fail-fast: the first step error stops the run and no image is
// returned. The one exception is a recoverable failure (an out of bounds
// crop), which is recorded as a warning and the run continues with the
// unmodified buffer, unless the executor was built WithStrict.
package pipeline
