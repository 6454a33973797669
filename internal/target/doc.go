// Package target parses and evaluates minion selector expressions.
//
// Selectors default to glob matching against minion IDs. Prefixes select
// other matchers: E@ for regular expressions, L@ for comma-separated lists.
// Expressions combine with "and", "or", and parentheses:
//
//	web*
//	E@^db-\d+$
//	L@web1,web2,web3
//	( web* or db* ) and E@.*-prod$
package target
