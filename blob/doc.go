// Package blob stores opaque relay payloads.
//
// A Store uploads bytes under a path and returns a URL the receiving device
// can fetch without knowing how the payload was stored. MinioStore keeps
// objects in an S3 compatible bucket and hands out presigned GET URLs.
// MemoryStore keeps everything in process and is used by tests and
// single-process demos.
package blob
