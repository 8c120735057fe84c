//
// Tencent is pleased to support the open source community by making trpc-sandbox-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-sandbox-go is licensed under the Apache License Version 2.0.
//
//

package command

import (
	"strings"

	"trpc.group/trpc-go/trpc-sandbox-go/errs"
)

// Mode selects how a command string is turned into a container command.
type Mode string

// Execution modes.
const (
	// ModeSimple always runs the raw command through the shell.
	ModeSimple Mode = "simple"
	// ModeAdvanced tokenizes entrypoint and command, falling back to the
	// shell only when the command needs one.
	ModeAdvanced Mode = "advanced"
)

// DefaultShell is used when BuildInput.Shell is empty.
const DefaultShell = "/bin/sh"

// ParseMode parses a mode name. The empty string means ModeSimple.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSimple:
		return ModeSimple, nil
	case ModeAdvanced:
		return ModeAdvanced, nil
	default:
		return "", errs.Validation("command mode", "unknown execution mode %q", s)
	}
}

// BuildInput is the user-facing command description.
type BuildInput struct {
	Mode       Mode
	Entrypoint string
	Command    string
	Shell      string
}

// Spec is what the container is created with. A nil Entrypoint leaves the
// image default in place.
type Spec struct {
	Entrypoint   []string
	Cmd          []string
	ShellWrapped bool
}

// String renders the full argv for display.
func (s Spec) String() string {
	return Detokenize(append(append([]string(nil), s.Entrypoint...), s.Cmd...))
}

var shellMetachars = []string{">>", ">", "<", "||", "|", "&&", ";", "`", "$("}

// HasShellMetachar reports whether s uses redirection, pipes, command
// chaining or substitution.
func HasShellMetachar(s string) bool {
	for _, m := range shellMetachars {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// Build turns in into a container command. Entrypoint override and shell
// wrapping never apply together.
func Build(in BuildInput) (Spec, error) {
	shell := in.Shell
	if shell == "" {
		shell = DefaultShell
	}
	mode := in.Mode
	if mode == "" {
		mode = ModeSimple
	}
	switch mode {
	case ModeSimple:
		if strings.TrimSpace(in.Command) == "" {
			return Spec{}, errs.Validation("command build", "simple mode requires a command")
		}
		return Spec{
			Entrypoint:   []string{shell},
			Cmd:          []string{"-c", in.Command},
			ShellWrapped: true,
		}, nil
	case ModeAdvanced:
		return buildAdvanced(in, shell)
	default:
		return Spec{}, errs.Validation("command build", "unknown execution mode %q", mode)
	}
}

func buildAdvanced(in BuildInput, shell string) (Spec, error) {
	if in.Entrypoint == "" && HasShellMetachar(in.Command) {
		return Spec{
			Cmd:          []string{shell, "-c", in.Command},
			ShellWrapped: true,
		}, nil
	}
	var spec Spec
	if in.Entrypoint != "" {
		ep := Tokenize(in.Entrypoint)
		if len(ep) == 0 {
			return Spec{}, errs.Validation("command build", "entrypoint %q has no arguments", in.Entrypoint)
		}
		spec.Entrypoint = ep
	}
	// Both empty runs the image's own entrypoint and cmd.
	spec.Cmd = Tokenize(in.Command)
	return spec, nil
}
