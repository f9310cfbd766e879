// Package util holds small string helpers shared by the storage backends and
// the HTTP adapter.
package util
