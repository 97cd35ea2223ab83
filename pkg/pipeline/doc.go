// Package pipeline implements the node graph at the core of Glide.
//
// A Pipeline owns its nodes in an arena indexed by NodeID and drives one pass
// at a time through Consume: every node is begun in topological order, each
// input item is processed starting at the single root, and every node is ended
// in topological order. A node's run arguments are resolved per item from its
// live Context, falling back to the pipeline's GlobalState for required
// parameters.
//
// Nodes configured WithFanOut hand pushed items to a Backend, which runs the
// downstream stages in parallel and returns once all of them have finished.
// Backends that run work in other processes rebuild the pipeline through the
// factory registry (Register, Build), so such pipelines must be registered.
package pipeline
