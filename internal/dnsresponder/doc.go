// Package dnsresponder implements a minimal DNS server for captive-portal
// style redirection: every A-record query, regardless of name, is answered
// with one configured IPv4 address and a TTL of zero.
package dnsresponder
