// Package ingest defines the core types shared by the upload, polling and
// display subsystems.
package ingest
