// Package util provides small string helpers shared across the hub's
// packages — currently just payload-snippet truncation for debug logs
// and trigger-value storage.
package util
