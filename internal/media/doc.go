// Package media holds the small file and process helpers shared by the
// watermark step and the local LivePortrait provider: image sniffing,
// subprocess execution with bounded stderr capture, and result discovery.
package media
