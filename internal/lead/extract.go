package lead

import (
	"regexp"
	"strings"

	"github.com/inboxpilot/inboxpilot/internal/models"
)

var phoneRegex = regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`)

// freeMailDomains are consumer providers whose domain says nothing about the
// sender's company.
var freeMailDomains = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
	"yahoo.com":      true,
	"hotmail.com":    true,
	"outlook.com":    true,
	"live.com":       true,
	"icloud.com":     true,
	"aol.com":        true,
	"proton.me":      true,
	"protonmail.com": true,
	"gmx.com":        true,
	"mail.ru":        true,
}

// fallbackExtract derives lead fields without the model: company from the
// sender's domain, phone by regex, name from the display name or a
// signature-looking trailing line. Confidence stays at zero so a later
// model extraction can override it.
func fallbackExtract(email *models.Email) models.LeadExtract {
	extract := models.LeadExtract{}

	if at := strings.LastIndex(email.FromAddr, "@"); at >= 0 && at < len(email.FromAddr)-1 {
		domain := strings.ToLower(email.FromAddr[at+1:])
		if !freeMailDomains[domain] {
			label := strings.Split(domain, ".")[0]
			if label != "" {
				extract.Company = strings.ToUpper(label[:1]) + label[1:]
			}
		}
	}

	if match := phoneRegex.FindString(email.Body); match != "" {
		extract.Phone = strings.TrimSpace(match)
	}

	extract.Name = strings.TrimSpace(email.FromName)
	if extract.Name == "" {
		extract.Name = signatureName(email.Body)
	}

	return extract
}

// signatureName scans the last lines of the body for something that looks
// like a personal name: two or three capitalized words with no digits.
func signatureName(body string) string {
	lines := strings.Split(strings.TrimSpace(body), "\n")
	start := len(lines) - 4
	if start < 0 {
		start = 0
	}
	for i := len(lines) - 1; i >= start; i-- {
		line := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(lines[i]), "--"))
		if line == "" {
			continue
		}
		words := strings.Fields(line)
		if len(words) < 2 || len(words) > 3 {
			continue
		}
		looksLikeName := true
		for _, w := range words {
			r := rune(w[0])
			if r < 'A' || r > 'Z' || strings.ContainsAny(w, "0123456789@") {
				looksLikeName = false
				break
			}
		}
		if looksLikeName {
			return line
		}
	}
	return ""
}
