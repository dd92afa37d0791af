// Package dispatch delivers simulation events into plugin sandboxes and
// collects the action batches they produce. Delivery and apply are two
// strictly ordered phases of one tick: every eligible instance runs first,
// then all surviving batches are applied by a single writer.
package dispatch
