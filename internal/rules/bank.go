package rules

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// UnknownBank is returned when no bank can be identified.
const UnknownBank = "Unknown"

type bankKeywords struct {
	name     string
	patterns []*regexp.Regexp
}

func keywords(name string, words ...string) bankKeywords {
	bk := bankKeywords{name: name}
	for _, w := range words {
		bk.patterns = append(bk.patterns, regexp.MustCompile(`(?i)\b`+regexp.QuoteMeta(w)+`\b`))
	}
	return bk
}

// knownBanks is ordered; the first bank with a matching keyword wins.
var knownBanks = []bankKeywords{
	keywords("Providus Bank", "providusbank", "providus bank"),
	keywords("OPay", "opay"),
	keywords("Moniepoint", "moniepoint"),
	keywords("UBA", "united bank for africa", "uba"),
	keywords("GTBank", "guaranty trust bank", "gtbank", "gtb"),
	keywords("Zenith Bank", "zenith bank", "zenithbank"),
	keywords("Access Bank", "access bank", "accessbank"),
	keywords("First Bank", "first bank", "firstbank"),
	keywords("Kuda Bank", "kuda"),
	keywords("Wema Bank", "wema bank", "wemabank", "alat"),
}

func matchBank(text string) (string, bool) {
	for _, b := range knownBanks {
		for _, p := range b.patterns {
			if p.MatchString(text) {
				return b.name, true
			}
		}
	}
	return "", false
}

// DetectBank identifies the sending bank from prominent tags first, then
// from the full text. It returns UnknownBank when nothing matches.
func DetectBank(doc *goquery.Document) string {
	for _, tag := range []string{"title", "h1", "h2", "strong", "b"} {
		var found string
		doc.Find(tag).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if name, ok := matchBank(s.Text()); ok {
				found = name
				return false
			}
			return true
		})
		if found != "" {
			return found
		}
	}
	if name, ok := matchBank(doc.Text()); ok {
		return name
	}
	return UnknownBank
}

var senderDomain = regexp.MustCompile(`@([a-zA-Z0-9\-]+)\.(?:com|ng|co)`)

var domainBanks = map[string]string{
	"providusbank":     "Providus Bank",
	"opay-nigeria":     "OPay",
	"opay":             "OPay",
	"moniepoint":       "Moniepoint",
	"ubagroup":         "UBA",
	"uba":              "UBA",
	"gtbank":           "GTBank",
	"zenithbank":       "Zenith Bank",
	"accessbankplc":    "Access Bank",
	"firstbanknigeria": "First Bank",
	"kudabank":         "Kuda Bank",
	"wemabank":         "Wema Bank",
	"alat":             "Wema Bank",
}

// BankFromSender guesses the bank from a From header and subject. Unmapped
// domains are title-cased ("some-bank" becomes "Some Bank").
func BankFromSender(from, subject string) string {
	if m := senderDomain.FindStringSubmatch(from); m != nil {
		domain := strings.ToLower(m[1])
		if name, ok := domainBanks[domain]; ok {
			return name
		}
		parts := strings.Split(domain, "-")
		for i, p := range parts {
			if p != "" {
				parts[i] = strings.ToUpper(p[:1]) + p[1:]
			}
		}
		return strings.Join(parts, " ")
	}
	if name, ok := matchBank(subject); ok {
		return name
	}
	return UnknownBank
}
