package mailer

import (
	"net/mail"
	"strings"
)

// splitAddresses splits a comma or semicolon separated list, honouring
// quoted display names such as "Doe, Jane" <jane@example.com>.
func splitAddresses(raw string) []string {
	var out []string
	var cur strings.Builder
	quoted, angle := false, false
	flush := func() {
		if f := strings.TrimSpace(cur.String()); f != "" {
			out = append(out, f)
		}
		cur.Reset()
	}
	for _, c := range raw {
		switch {
		case c == '"' && !angle:
			quoted = !quoted
		case c == '<' && !quoted:
			angle = true
		case c == '>' && !quoted:
			angle = false
		case (c == ',' || c == ';') && !quoted && !angle:
			flush()
			continue
		}
		cur.WriteRune(c)
	}
	flush()
	return out
}

// parseAddress returns the bare address and display name of raw, or an
// empty address when raw is not a valid mailbox.
func parseAddress(raw string) (addr, name string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}
	a, err := mail.ParseAddress(raw)
	if err != nil {
		return "", ""
	}
	return a.Address, strings.Trim(strings.TrimSpace(a.Name), `"'`)
}

// normalizeAddresses parses every entry (entries may themselves be comma
// separated lists), drops invalid ones and removes duplicates, keeping order.
func normalizeAddresses(raw []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, entry := range raw {
		for _, part := range splitAddresses(entry) {
			addr, _ := parseAddress(part)
			if addr == "" || seen[addr] {
				continue
			}
			seen[addr] = true
			out = append(out, addr)
		}
	}
	return out
}

func formatFrom(addr, name string) string {
	if name == "" {
		return addr
	}
	return (&mail.Address{Name: name, Address: addr}).String()
}
