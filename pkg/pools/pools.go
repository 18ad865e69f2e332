// Package pools reuses the byte buffers the log builds for every append:
// encoded frames that live until their batch is flushed, and the scratch
// space payload compression needs.
package pools
