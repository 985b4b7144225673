package escrow

import (
	"fmt"
	"strings"
)

// Network identifies a chain in CAIP-2 form, "namespace:reference".
// Base mainnet is "eip155:8453".
type Network string

// Parse splits the identifier into its namespace and reference parts.
func (n Network) Parse() (namespace, reference string, err error) {
	namespace, reference, ok := strings.Cut(string(n), ":")
	if !ok || namespace == "" || reference == "" || strings.Contains(reference, ":") {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return namespace, reference, nil
}

// Match reports whether n and pattern refer to the same network. A
// trailing ":*" on either side stands for every reference in that
// namespace, so "eip155:8453" matches "eip155:*" and vice versa.
func (n Network) Match(pattern Network) bool {
	if n == pattern {
		return true
	}
	if ns, ok := strings.CutSuffix(string(pattern), ":*"); ok {
		return strings.HasPrefix(string(n), ns+":")
	}
	if ns, ok := strings.CutSuffix(string(n), ":*"); ok {
		return strings.HasPrefix(string(pattern), ns+":")
	}
	return false
}
