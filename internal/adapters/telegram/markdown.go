package telegram

import "strings"

// mdv2Reserved is the character set MarkdownV2 requires escaped outside
// code entities.
const mdv2Reserved = "_*[]()~`>#+-=|{}.!"

// ToMarkdownV2 rewrites common agent markdown into Telegram's MarkdownV2
// dialect: fenced and inline code survive, **bold** becomes *bold*, every
// other reserved character is escaped. Unbalanced fences are closed so a
// mid-block cut never invalidates the whole message.
func ToMarkdownV2(text string) string {
	var b strings.Builder
	b.Grow(len(text) + len(text)/4)

	segments := strings.Split(text, "```")
	for i, seg := range segments {
		if i%2 == 1 {
			b.WriteString("```")
			b.WriteString(escapeCode(seg))
			b.WriteString("```")
		} else {
			b.WriteString(inlineMarkdownV2(seg))
		}
	}
	return b.String()
}

// inlineMarkdownV2 escapes one between-fences span, honoring `inline
// code` and rewriting **bold** to Telegram's single-star form.
func inlineMarkdownV2(s string) string {
	var b strings.Builder
	runes := []rune(s)
	inCode := false

	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '`':
			inCode = !inCode
			b.WriteRune('`')
		case inCode:
			if r == '\\' {
				b.WriteString(`\\`)
			} else {
				b.WriteRune(r)
			}
		case r == '*' && i+1 < len(runes) && runes[i+1] == '*':
			b.WriteRune('*')
			i++
		default:
			if strings.ContainsRune(mdv2Reserved, r) {
				b.WriteRune('\\')
			}
			b.WriteRune(r)
		}
	}

	if inCode {
		// A dangling backtick invalidates the whole message.
		b.WriteRune('`')
	}
	return b.String()
}

// escapeCode escapes the two characters MarkdownV2 treats specially
// inside code entities.
func escapeCode(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "`", "\\`")
}

// truncate hard-caps s at limit runes. Text is truncated before escaping;
// Telegram's caps count characters after entity parsing.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
