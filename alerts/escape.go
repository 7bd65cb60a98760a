package alerts

import (
	"strings"
	"unicode/utf8"
)

// Telegram MarkdownV2 reserves these characters outside code spans.
var markdownV2Escaper = strings.NewReplacer(
	`_`, `\_`,
	`*`, `\*`,
	`[`, `\[`,
	`]`, `\]`,
	`(`, `\(`,
	`)`, `\)`,
	`~`, `\~`,
	"`", "\\`",
	`>`, `\>`,
	`#`, `\#`,
	`+`, `\+`,
	`-`, `\-`,
	`=`, `\=`,
	`|`, `\|`,
	`{`, `\{`,
	`}`, `\}`,
	`.`, `\.`,
	`!`, `\!`,
)

// Inside a code block only the backtick and the backslash are special.
var codeBlockEscaper = strings.NewReplacer(
	`\`, `\\`,
	"`", "\\`",
)

const (
	// Telegram caps messages at 4096 characters; we stop well short of that
	// so channel names, links, and the escaping overhead always fit.
	maxMessageLen = 2048

	// sim_error payloads can be enormous (full RPC bodies); cap the code
	// block separately so the rest of the report survives.
	maxCodeBlockLen = 512

	truncationSuffix = "..TRUNCATED.."
)

// EscapeMarkdownV2 backslash-escapes every character MarkdownV2 reserves.
func EscapeMarkdownV2(s string) string {
	return markdownV2Escaper.Replace(s)
}

// EscapeCode escapes a string for use inside a MarkdownV2 code block.
func EscapeCode(s string) string {
	return codeBlockEscaper.Replace(s)
}

// Truncate cuts s to at most n bytes, appending a marker when it cut. The
// cut lands on a rune boundary and never leaves a dangling backslash, so a
// truncated MarkdownV2 body stays decodable.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	// an odd run of trailing backslashes means the cut split an escape pair
	trailing := 0
	for cut-trailing > 0 && s[cut-trailing-1] == '\\' {
		trailing++
	}
	if trailing%2 == 1 {
		cut--
	}
	return s[:cut] + truncationSuffix
}

// CodeBlock renders s as a MarkdownV2 code block, escaped and truncated.
func CodeBlock(s string) string {
	return "```\n" + EscapeCode(Truncate(s, maxCodeBlockLen)) + "\n```"
}
