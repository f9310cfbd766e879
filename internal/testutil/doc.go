// Package testutil provides a controllable clock, fixtures and helpers shared
// by the package tests.
package testutil
