//go:build linux && amd64

// Package asm holds the Go assembly routine that enters generated code.
// It is kept apart from the jit package so that package stays free of
// assembly files.
package asm

// CallNative switches to the native stack whose top is stack and calls the
// code at entry. Generated code follows the System V convention: it keeps
// RBX, RBP and R12-R15 and returns its failure id in RAX.
func CallNative(entry, stack uintptr) (result int64)
