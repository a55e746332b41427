// Package secrets redacts credentials from text before it leaves the
// process.
//
// Detection uses the gitleaks default rule set. Each finding is replaced
// with a [REDACTED:<rule-id>] marker; the secret itself is never logged or
// returned. An optional TOML allowlist exempts known-safe values:
//
//	[allowlist]
//	regexes = ['''EXAMPLE_KEY_.*''']
//	stopwords = ["placeholder"]
package secrets
