package escaper

import (
	"regexp"
	"strings"
)

// RegexRule is one (optional parent_domain, sub_domain_regex) rule as
// described in spec §4.2.3. An empty ParentDomain means the rule is
// un-anchored and falls through to the final sweep on every lookup.
type RegexRule struct {
	ParentDomain string
	Pattern      string
}

type compiledRule struct {
	re    *regexp.Regexp
	value Escaper
}

// RegexMatchTrie groups parent-anchored regex rules in a suffix trie keyed
// on the reversed parent domain, with prefix regexes tested only against
// the ancestor entry found by that trie; un-anchored rules are checked in
// a final linear sweep. All regexes are compiled once at build time.
type anchoredRules struct {
	parent string
	rules  []compiledRule
}

type RegexMatchTrie struct {
	anchored   *SuffixTrie[anchoredRules]
	unanchored []compiledRule
}

// BuildRegexMatchTrie compiles every rule once; a malformed pattern is
// skipped (logged by the caller via the returned count) rather than
// failing the whole table, matching the teacher's tolerant config-load
// style elsewhere in the registry package.
func BuildRegexMatchTrie(rules []RegexRule, values []Escaper) (*RegexMatchTrie, int) {
	byParent := make(map[string][]compiledRule)
	var unanchored []compiledRule
	skipped := 0
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			skipped++
			continue
		}
		cr := compiledRule{re: re, value: values[i]}
		if r.ParentDomain == "" {
			unanchored = append(unanchored, cr)
			continue
		}
		byParent[r.ParentDomain] = append(byParent[r.ParentDomain], cr)
	}

	trie := NewSuffixTrie[anchoredRules]()
	for parent, crs := range byParent {
		trie.Insert(parent, anchoredRules{parent: parent, rules: crs})
	}
	return &RegexMatchTrie{anchored: trie, unanchored: unanchored}, skipped
}

// Lookup finds the anchored ancestor entry (if any) for host, tests its
// rules against the subdomain prefix remaining before the matched parent,
// then falls through to the unanchored sweep.
func (t *RegexMatchTrie) Lookup(host string) (Escaper, bool) {
	if ar, ok := t.anchored.Lookup(host); ok {
		prefix := subdomainPrefix(host, ar.parent)
		for _, cr := range ar.rules {
			if cr.re.MatchString(prefix) {
				return cr.value, true
			}
		}
	}
	for _, cr := range t.unanchored {
		if cr.re.MatchString(host) {
			return cr.value, true
		}
	}
	return nil, false
}

// subdomainPrefix strips the matched parent suffix (and its separating
// dot) from host, leaving the portion the rule's regex is anchored
// against. Returns "" if host equals parent exactly.
func subdomainPrefix(host, parent string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	parent = strings.ToLower(strings.TrimSuffix(parent, "."))
	if host == parent {
		return ""
	}
	return strings.TrimSuffix(host, "."+parent)
}
