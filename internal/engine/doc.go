// Package engine runs the job lifecycle: it stores the upload, hands the
// image to a video provider (falling back through alternates on failure),
// watermarks the result and publishes progress for live subscribers.
package engine
