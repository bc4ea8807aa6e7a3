// Package gbm binds the subset of libgbm needed to allocate scanout buffers.
// The library is loaded at runtime, so binaries build without cgo and fall
// back to dumb buffers on systems without Mesa.
package gbm
