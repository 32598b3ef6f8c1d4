package agent

import "strings"

// selectScopes selects OAuth scopes based on the MCP priority order.
//
// Priority order (when ScopeSelectionMode is "auto"):
//  1. Use scope parameter from WWW-Authenticate header (challenge.Scopes)
//  2. Use scopes_supported from Protected Resource Metadata
//  3. Omit scope parameter entirely (return nil)
//
// When ScopeSelectionMode is "manual", always returns config.Scopes.
func selectScopes(config *OAuthConfig, challenge *WWWAuthenticateChallenge, metadata *ProtectedResourceMetadata) []string {
	if config.ScopeSelectionMode == ScopeSelectionManual {
		return config.Scopes
	}

	if challenge != nil && len(challenge.Scopes) > 0 {
		return challenge.Scopes
	}

	if metadata != nil && len(metadata.ScopesSupported) > 0 {
		return metadata.ScopesSupported
	}

	return nil
}

// mergeScopes returns the union of existing and required scopes, keeping
// first-seen order so the requested scope string is stable.
func mergeScopes(existing, required []string) []string {
	seen := make(map[string]bool, len(existing)+len(required))
	var result []string
	for _, list := range [][]string{existing, required} {
		for _, scope := range list {
			if scope == "" || seen[scope] {
				continue
			}
			seen[scope] = true
			result = append(result, scope)
		}
	}
	return result
}

// formatScopeList formats a scope list for display
func formatScopeList(scopes []string) string {
	if len(scopes) == 0 {
		return "(none)"
	}
	return strings.Join(scopes, ", ")
}
