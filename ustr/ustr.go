// Package ustr implements path-component normalization for the 14-byte
// fixed-width directory-entry names of spec.md §3 (Directory entry).
//
// Grounded on the teacher's ustr package (biscuit/src/ustr/ustr.go), whose
// Ustr is a raw byte-slice path type with no normalization of its own.
// This module adds what the teacher's single-byte-oriented on-disk name
// never had to worry about: two Unicode-equivalent spellings of the same
// component (e.g. "é" as one precomposed codepoint vs. "e"+combining
// acute) must collide in a 14-byte fixed-width directory slot on purpose,
// rather than silently hashing to two different dirents that both claim
// to be the "same" file to a human reader. golang.org/x/text/unicode/norm
// is the idiomatic library for this (SPEC_FULL.md §2 domain-stack wiring).
package ustr

import "golang.org/x/text/unicode/norm"

// Normalize returns name's NFC-normalized form without truncating it; the
// DIRSIZ limit is applied later, when fs.direntBytes truncates on copy —
// this package only canonicalizes the Unicode representation, it does not
// itself enforce the on-disk length limit (that stays fs's concern, so
// ustr has no import-cycle dependency on fs).
func Normalize(name string) string {
	return norm.NFC.String(name)
}

// Eq reports whether a and b name the same directory entry once both are
// normalized, matching the teacher's Ustr.Eq byte comparison but Unicode-
// aware.
func Eq(a, b string) bool {
	return Normalize(a) == Normalize(b)
}

// IsDot reports whether name is the current-directory component ".",
// matching the teacher's Ustr.Isdot.
func IsDot(name string) bool { return name == "." }

// IsDotDot reports whether name is the parent-directory component "..",
// matching the teacher's Ustr.Isdotdot.
func IsDotDot(name string) bool { return name == ".." }
