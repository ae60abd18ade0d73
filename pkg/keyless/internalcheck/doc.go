// Package internalcheck holds AST-based policy tests enforced across
// pkg/keyless: no raw byte-slice equality on secret-shaped values, and no
// %x/%X formatting of anything that might be key material. It is not a
// library for applications to import; it exists only to run its own tests.
package internalcheck
