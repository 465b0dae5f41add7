package ptyhost

import (
	"runtime"
	"strings"
)

// nonInteractiveOverrides are the fixed key/value overrides applied on
// top of the inherited environment (spec.md §6), excluding CI which is
// preserve-if-set and gemini's CI/NONINTERACTIVE exclusion, both handled
// separately in BuildEnv.
var nonInteractiveOverrides = map[string]string{
	"DISABLE_AUTO_UPDATE":                   "true",
	"HOMEBREW_NO_AUTO_UPDATE":                "1",
	"DEBIAN_FRONTEND":                        "noninteractive",
	"NONINTERACTIVE":                         "1",
	"PAGER":                                  "",
	"GIT_PAGER":                              "",
	"NVM_DIR_SILENT":                         "1",
	"PYENV_VIRTUALENV_DISABLE_PROMPT":        "1",
	"rvm_silence_path_mismatch_check_flag":   "1",
	"GIT_TERMINAL_PROMPT":                    "0",
	"ZSH_DISABLE_COMPFIX":                    "true",
	"DISABLE_UPDATE_PROMPT":                  "true",
	"FORCE_COLOR":                            "3",
}

// BuildEnv constructs the non-interactive environment for a spawned
// shell: the inherited environment (base, typically os.Environ()) plus
// the fixed overrides, with CI preserved if already set, and — when
// agentID (case-insensitive) is "gemini" — CI and NONINTERACTIVE omitted
// entirely, including any inherited value. Grounded on egg.Server.RunSession's
// env-building step and agents.go's agent-keyed special-casing idiom.
func BuildEnv(base []string, agentID string) []string {
	env := make(map[string]string, len(base)+len(nonInteractiveOverrides)+1)
	for _, kv := range base {
		if k, v, ok := splitEnv(kv); ok {
			env[k] = v
		}
	}

	for k, v := range nonInteractiveOverrides {
		env[k] = v
	}

	if existingCI, hasCI := env["CI"]; hasCI {
		env["CI"] = existingCI
	} else {
		env["CI"] = "1"
	}

	if strings.EqualFold(agentID, "gemini") {
		delete(env, "CI")
		delete(env, "NONINTERACTIVE")
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func splitEnv(kv string) (key, value string, ok bool) {
	idx := strings.IndexByte(kv, '=')
	if idx < 0 {
		return "", "", false
	}
	return kv[:idx], kv[idx+1:], true
}

// DefaultShell returns the shell to spawn when none is specified: on Unix
// the SHELL env var, falling back to /bin/bash; on Windows, COMSPEC or
// powershell.exe.
func DefaultShell(environ []string) string {
	if runtime.GOOS == "windows" {
		if v, ok := lookupEnv(environ, "COMSPEC"); ok && v != "" {
			return v
		}
		return "powershell.exe"
	}
	if v, ok := lookupEnv(environ, "SHELL"); ok && v != "" {
		return v
	}
	return "/bin/bash"
}

func lookupEnv(environ []string, key string) (string, bool) {
	for _, kv := range environ {
		if k, v, ok := splitEnv(kv); ok && k == key {
			return v, true
		}
	}
	return "", false
}

// ShellLoginArgs returns the default argv appended when spawning shell:
// ["-l"] for paths ending in zsh or bash, none otherwise, none on
// Windows.
func ShellLoginArgs(shell string) []string {
	if runtime.GOOS == "windows" {
		return nil
	}
	base := shell
	if idx := strings.LastIndexByte(base, '/'); idx >= 0 {
		base = base[idx+1:]
	}
	if base == "zsh" || base == "bash" {
		return []string{"-l"}
	}
	return nil
}

// nonAgentTypes are shell-ish session types that are never classified as
// an agent, regardless of kind/agentId overrides (spec.md §4.11).
var nonAgentTypes = map[string]bool{
	"shell": true,
	"npm":   true,
	"yarn":  true,
	"pnpm":  true,
	"bun":   true,
}

// registeredAgentTypes are the session types treated as agents by default
// when no explicit kind/agentId is given.
var registeredAgentTypes = map[string]bool{
	"claude":   true,
	"gemini":   true,
	"codex":    true,
	"opencode": true,
}

// ClassifyKind computes (kind, agentId, analysisEnabled) from spawn
// options per spec.md §4.11's classifier rule: explicit kind=agent OR
// explicit agentId OR type in the registered agent set makes a terminal
// an agent, UNLESS type is one of the never-an-agent shell types.
func ClassifyKind(opts SpawnOptions) (kind TerminalKind, agentID string, analysisEnabled bool) {
	if nonAgentTypes[opts.Type] {
		return KindTerminal, "", false
	}

	isAgent := opts.Kind == string(KindAgent) || opts.AgentID != "" || registeredAgentTypes[opts.Type]
	if !isAgent {
		return KindTerminal, "", false
	}

	agentID = opts.AgentID
	if agentID == "" {
		agentID = opts.Type
	}
	return KindAgent, agentID, true
}
