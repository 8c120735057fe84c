//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

// Package command converts between a command string and an argument
// vector and builds the entrypoint/cmd pair handed to the container engine.
package command

import (
	"strings"
	"unicode"
)

// Tokenize splits s on unquoted whitespace.
//
// Double quotes group text, including whitespace, into one argument. A
// backslash before a double quote or another backslash yields that
// character literally; any other backslash is kept as is. An unterminated
// quote runs to the end of the input. A quoted empty span ("") yields an
// empty argument.
func Tokenize(s string) []string {
	var (
		args    []string
		cur     strings.Builder
		inQuote bool
		started bool
	)
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '\\' && i+1 < len(runes) && (runes[i+1] == '"' || runes[i+1] == '\\'):
			cur.WriteRune(runes[i+1])
			started = true
			i++
		case r == '"':
			inQuote = !inQuote
			started = true
		case unicode.IsSpace(r) && !inQuote:
			if started {
				args = append(args, cur.String())
				cur.Reset()
				started = false
			}
		default:
			cur.WriteRune(r)
			started = true
		}
	}
	if started {
		args = append(args, cur.String())
	}
	return args
}

// Detokenize joins args into a single string that Tokenize splits back
// into the same vector.
func Detokenize(args []string) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, quote(a))
	}
	return strings.Join(parts, " ")
}

func quote(a string) string {
	if a == "" {
		return `""`
	}
	if !strings.ContainsFunc(a, needsQuote) {
		return a
	}
	var b strings.Builder
	b.Grow(len(a) + 2)
	b.WriteByte('"')
	for _, r := range a {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

func needsQuote(r rune) bool {
	return unicode.IsSpace(r) || r == '"' || r == '\\'
}
