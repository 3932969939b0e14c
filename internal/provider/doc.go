// Package provider defines the common interface that every video-generation
// provider (xAI, KIE, Modal, RunPod, Veo, local LivePortrait) implements,
// the registry that picks one for a job, and the HTTP and error plumbing the
// provider clients share.
package provider
